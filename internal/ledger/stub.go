package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

// Stub is an in-memory Adapter with overridable behaviour. Unset hooks
// return benign defaults: a fixed blockhash, a clean simulation, a receipt
// carrying the transaction id and a 1 SOL balance.
type Stub struct {
	BlockhashFunc func(ctx context.Context) (solana.Hash, error)
	SimulateFunc  func(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*SimulationOutcome, error)
	SubmitFunc    func(ctx context.Context, tx *solana.Transaction) (*Receipt, error)
	BalanceFunc   func(ctx context.Context, address string) (uint64, error)
	SwapFunc      func(ctx context.Context, req SwapRequest) (*SwapQuote, error)

	mu        sync.Mutex
	submitted []*solana.Transaction
	simulated int
}

var _ Adapter = (*Stub)(nil)

// LatestBlockhash implements Adapter.
func (s *Stub) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if s.BlockhashFunc != nil {
		return s.BlockhashFunc(ctx)
	}
	return solana.Hash{7}, nil
}

// Simulate implements Adapter.
func (s *Stub) Simulate(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*SimulationOutcome, error) {
	s.mu.Lock()
	s.simulated++
	s.mu.Unlock()
	if s.SimulateFunc != nil {
		return s.SimulateFunc(ctx, tx, watch)
	}
	accounts := make([]*AccountState, len(watch))
	for i, key := range watch {
		accounts[i] = &AccountState{Address: key.String(), Lamports: solana.LamportsPerSOL}
	}
	return &SimulationOutcome{Logs: []string{"Program log: ok"}, UnitsConsumed: 1000, Accounts: accounts}, nil
}

// Submit implements Adapter.
func (s *Stub) Submit(ctx context.Context, tx *solana.Transaction) (*Receipt, error) {
	if s.SubmitFunc != nil {
		return s.SubmitFunc(ctx, tx)
	}
	if !tx.Complete() {
		return nil, errors.New("transaction is not fully signed")
	}
	s.mu.Lock()
	s.submitted = append(s.submitted, tx)
	s.mu.Unlock()
	return &Receipt{Signature: tx.ID(), Slot: 1}, nil
}

// Balance implements Adapter.
func (s *Stub) Balance(ctx context.Context, address string) (uint64, error) {
	if s.BalanceFunc != nil {
		return s.BalanceFunc(ctx, address)
	}
	return solana.LamportsPerSOL, nil
}

// BuildSwap implements Adapter.
func (s *Stub) BuildSwap(ctx context.Context, req SwapRequest) (*SwapQuote, error) {
	if s.SwapFunc != nil {
		return s.SwapFunc(ctx, req)
	}
	return nil, errors.New("swap building not configured")
}

// Submitted returns the transactions accepted by Submit.
func (s *Stub) Submitted() []*solana.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*solana.Transaction(nil), s.submitted...)
}

// Simulations returns how many times Simulate was called.
func (s *Stub) Simulations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulated
}
