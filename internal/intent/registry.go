package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

// Params 是通过校验的强类型意图参数。
type Params interface {
	IntentType() string
}

// SlippageAware 由带滑点容忍度的参数实现，策略引擎据此执行滑点检查。
type SlippageAware interface {
	SlippageBps() int
}

// Notional 由可以给出名义金额的参数实现，编排器据此换算美元价值。
type Notional interface {
	NotionalAmount() (amount float64, asset string)
}

// Impact 是意图的影响预估。
type Impact struct {
	AmountSOL float64 `json:"amountSOL"`
	Mint      string  `json:"mint"`
	RiskScore int     `json:"riskScore"`
}

// BuildRequest 携带构造交易所需的上下文。
type BuildRequest struct {
	Agent  solana.PublicKey
	Ledger ledger.Adapter
}

// Built 是构造完成的交易以及供模拟分析使用的预期输出。
type Built struct {
	Transaction  *solana.Transaction
	ExpectedOut  float64
	ExpectedMint string
}

// Handler 是单一意图类型的能力接口。
type Handler interface {
	Validate(raw json.RawMessage) (Params, error)
	EstimateImpact(p Params) Impact
	Build(ctx context.Context, req BuildRequest, p Params) (*Built, error)
}

// Registry 维护意图类型到处理器的映射。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// DefaultRegistry 返回注册了全部内置意图的注册表。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeTransfer, NewTransferHandler())
	r.Register(TypeSwap, NewSwapHandler())
	r.Register(TypeStake, NewStakeHandler())
	r.Register(TypeLend, NewLendHandler())
	r.Register(TypeFlash, NewFlashHandler())
	r.Register(TypeCPI, NewCPIHandler())
	return r
}

// Register 注册或替换处理器。
func (r *Registry) Register(intentType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[intentType] = h
}

// Resolve 查找处理器，未知类型返回 NOT_FOUND 并列出已知类型。
func (r *Registry) Resolve(intentType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[intentType]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("unknown intent type %q. known types: %s", intentType, strings.Join(r.Types(), ", ")))
	}
	return h, nil
}

// Types 返回已注册的意图类型（按字典序）。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Envelope 是客户端提交的原始意图 {type, params}。
type Envelope struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}
