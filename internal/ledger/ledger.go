// Package ledger defines the contract between the node and the chain it
// submits to: fresh blockhashes, dry-run simulation, submission, balance
// reads and external swap building.
package ledger

import (
	"context"
	"encoding/json"

	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

// TokenBalance is a token account balance reported by a simulation.
type TokenBalance struct {
	AccountIndex int    `json:"accountIndex"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner,omitempty"`
	Amount       string `json:"amount"`
}

// AccountState is the post-simulation state of a watched account. A nil
// entry means the account does not exist after the simulation.
type AccountState struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

// SimulationOutcome is the raw dry-run result.
type SimulationOutcome struct {
	Err               json.RawMessage `json:"err,omitempty"`
	Logs              []string        `json:"logs"`
	UnitsConsumed     uint64          `json:"unitsConsumed"`
	Accounts          []*AccountState `json:"accounts"`
	PreTokenBalances  []TokenBalance  `json:"preTokenBalances,omitempty"`
	PostTokenBalances []TokenBalance  `json:"postTokenBalances,omitempty"`
}

// Failed reports whether the dry-run itself reported an error.
func (o *SimulationOutcome) Failed() bool {
	return len(o.Err) > 0 && string(o.Err) != "null"
}

// Receipt is the confirmation of a submitted transaction.
type Receipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// SwapRequest asks an external aggregator for a ready-to-sign swap.
type SwapRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
	User        solana.PublicKey
}

// SwapQuote is the built swap plus the quoted output in raw units.
type SwapQuote struct {
	Transaction *solana.Transaction
	OutAmount   uint64
	Quote       json.RawMessage
}

// Adapter is the ledger surface the pipeline depends on.
type Adapter interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Simulate(ctx context.Context, tx *solana.Transaction, watch []solana.PublicKey) (*SimulationOutcome, error)
	// Submit may return a receipt together with an error when the
	// transaction was broadcast but not confirmed.
	Submit(ctx context.Context, tx *solana.Transaction) (*Receipt, error)
	Balance(ctx context.Context, address string) (uint64, error)
	BuildSwap(ctx context.Context, req SwapRequest) (*SwapQuote, error)
}

// Signer signs transactions on behalf of one agent.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
}
