package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/keystore"
	"github.com/Coding-With-Josh/aegis/internal/ledger"
	"github.com/Coding-With-Josh/aegis/internal/policy"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// CreateParams 是注册智能体的请求。
type CreateParams struct {
	Name              string            `json:"name"`
	Policy            *policy.Patch     `json:"policy,omitempty"`
	USDPolicy         *policy.USDPolicy `json:"usdPolicy,omitempty"`
	WebhookURL        string            `json:"webhookUrl,omitempty"`
	ExecutionMode     ExecutionMode     `json:"executionMode,omitempty"`
	MinOperationalUSD *float64          `json:"minOperationalUSD,omitempty"`
}

// Created 是注册结果，APIKey 只在此处返回一次。
type Created struct {
	Agent  *Agent `json:"agent"`
	APIKey string `json:"apiKey"`
}

// Service 提供智能体的注册、查询与变更。
type Service struct {
	store Store
	keys  *keystore.Keystore
	clock clock.Clock
	log   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewService 创建智能体服务。
func NewService(store Store, keys *keystore.Keystore, opts ...Option) *Service {
	s := &Service{
		store: store,
		keys:  keys,
		clock: clock.Real(),
		log:   logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 生成托管密钥与 API 凭证，合并默认策略并记录第一个策略版本。
func (s *Service) Create(ctx context.Context, params CreateParams) (*Created, error) {
	base := policy.DefaultPolicy()
	if params.Policy != nil {
		if err := params.Policy.Validate(); err != nil {
			return nil, err
		}
		base = params.Policy.Apply(base)
	}
	if params.USDPolicy != nil {
		if err := params.USDPolicy.Validate(); err != nil {
			return nil, err
		}
	}
	mode := params.ExecutionMode
	if mode == "" {
		mode = ModeAutonomous
	}
	if !mode.Valid() {
		return nil, xerrors.Newf(xerrors.CodeValidation, "invalid execution mode %q", mode)
	}
	if err := validateWebhook(params.WebhookURL); err != nil {
		return nil, err
	}
	if params.MinOperationalUSD != nil && *params.MinOperationalUSD < 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "minOperationalUSD must not be negative")
	}

	pub, blob, err := s.keys.Generate()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate agent keypair")
	}
	apiKey, err := keystore.GenerateAPIKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate api key")
	}
	apiKeyHash, err := keystore.HashAPIKey(apiKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "hash api key")
	}
	hash, err := policy.HashPolicy(base)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "hash policy")
	}

	now := s.clock.Now().UTC()
	a := &Agent{
		ID:                uuid.NewString(),
		Name:              strings.TrimSpace(params.Name),
		PublicKey:         pub.String(),
		EncryptedKey:      blob,
		APIKeyHash:        apiKeyHash,
		Policy:            base,
		USDPolicy:         params.USDPolicy,
		Status:            StatusActive,
		ExecutionMode:     mode,
		Reputation:        DefaultReputation,
		WebhookURL:        params.WebhookURL,
		MinOperationalUSD: params.MinOperationalUSD,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	first := PolicyVersion{AgentID: a.ID, Version: 1, Hash: hash, Policy: base, CreatedAt: now}
	if err := s.store.CreateAgent(ctx, a, first); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create agent")
	}
	s.log.Info("agent registered",
		slog.String("agent_id", a.ID),
		slog.String("public_key", a.PublicKey),
		slog.String("execution_mode", string(mode)),
		slog.String("policy_hash", hash))
	return &Created{Agent: a, APIKey: apiKey}, nil
}

func validateWebhook(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.Newf(xerrors.CodeValidation, "invalid webhook url %q", raw)
	}
	return nil
}

// Get 返回智能体，不存在时返回 NOT_FOUND。
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}
	return a, nil
}

// List 返回全部智能体。
func (s *Service) List(ctx context.Context) ([]*Agent, error) {
	list, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list agents")
	}
	if list == nil {
		list = []*Agent{}
	}
	return list, nil
}

// UpdateStatus 修改生命周期状态。
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	if !status.Valid() {
		return nil, xerrors.Newf(xerrors.CodeValidation, "invalid status %q, expected active, paused or suspended", status)
	}
	if err := s.store.UpdateStatus(ctx, id, status, s.clock.Now().UTC()); err != nil {
		return nil, mapStoreError(err, id)
	}
	s.log.Info("agent status updated", slog.String("agent_id", id), slog.String("status", string(status)))
	return s.Get(ctx, id)
}

// UpdateExecutionMode 切换自主或监督模式。
func (s *Service) UpdateExecutionMode(ctx context.Context, id string, mode ExecutionMode) (*Agent, error) {
	if !mode.Valid() {
		return nil, xerrors.Newf(xerrors.CodeValidation, "invalid execution mode %q, expected autonomous or supervised", mode)
	}
	if err := s.store.UpdateExecutionMode(ctx, id, mode, s.clock.Now().UTC()); err != nil {
		return nil, mapStoreError(err, id)
	}
	s.log.Info("agent execution mode updated", slog.String("agent_id", id), slog.String("execution_mode", string(mode)))
	return s.Get(ctx, id)
}

// UpdatePolicy 覆盖策略字段；哈希变化时追加新版本，历史版本不会被改写。
func (s *Service) UpdatePolicy(ctx context.Context, id string, patch policy.Patch) (*Agent, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(current.Policy)
	oldHash, err := policy.HashPolicy(current.Policy)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "hash policy")
	}
	newHash, err := policy.HashPolicy(next)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "hash policy")
	}
	if oldHash == newHash {
		return current, nil
	}
	versions, err := s.store.ListPolicyVersions(ctx, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list policy versions")
	}
	now := s.clock.Now().UTC()
	version := &PolicyVersion{AgentID: id, Version: len(versions) + 1, Hash: newHash, Policy: next, CreatedAt: now}
	if err := s.store.UpdatePolicy(ctx, id, next, version, now); err != nil {
		return nil, mapStoreError(err, id)
	}
	s.log.Info("agent policy updated",
		slog.String("agent_id", id),
		slog.Int("version", version.Version),
		slog.String("policy_hash", newHash))
	return s.Get(ctx, id)
}

// UpdateUSDPolicy 替换 USD 策略，传入 nil 表示移除。
func (s *Service) UpdateUSDPolicy(ctx context.Context, id string, p *policy.USDPolicy) (*Agent, error) {
	if p != nil {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateUSDPolicy(ctx, id, p, s.clock.Now().UTC()); err != nil {
		return nil, mapStoreError(err, id)
	}
	s.log.Info("agent usd policy updated", slog.String("agent_id", id), slog.Bool("enabled", p != nil))
	return s.Get(ctx, id)
}

// AdjustReputation 调整信誉分并截断到 [0, 10]。
func (s *Service) AdjustReputation(ctx context.Context, id string, delta float64) (float64, error) {
	score, err := s.store.AdjustReputation(ctx, id, delta, MinReputation, MaxReputation)
	if err != nil {
		return 0, mapStoreError(err, id)
	}
	return score, nil
}

// Touch 记录最近一次成功执行的时间，供冷却期检查使用。
func (s *Service) Touch(ctx context.Context, id string, at time.Time) error {
	if err := s.store.TouchActivity(ctx, id, at.UTC()); err != nil {
		return mapStoreError(err, id)
	}
	return nil
}

// PolicyVersions 返回策略历史。
func (s *Service) PolicyVersions(ctx context.Context, id string) ([]PolicyVersion, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	versions, err := s.store.ListPolicyVersions(ctx, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list policy versions")
	}
	if versions == nil {
		versions = []PolicyVersion{}
	}
	return versions, nil
}

// Authenticate 校验 API 密钥并返回智能体。
func (s *Service) Authenticate(ctx context.Context, id, apiKey string) (*Agent, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "missing x-api-key header")
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !keystore.VerifyAPIKey(a.APIKeyHash, apiKey) {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "invalid api key")
	}
	return a, nil
}

// Signer 解密智能体私钥并返回签名器。
func (s *Service) Signer(a *Agent) (ledger.Signer, error) {
	signer, err := s.keys.Signer(a.EncryptedKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, fmt.Sprintf("load signer for agent %s", a.ID))
	}
	if signer.PublicKey().String() != a.PublicKey {
		return nil, xerrors.Newf(xerrors.CodeExecutionFailed, "keystore key does not match agent %s", a.ID)
	}
	return signer, nil
}

func mapStoreError(err error, id string) error {
	if stdErrors.Is(err, ErrNotFound) {
		return xerrors.Newf(xerrors.CodeNotFound, "agent %s not found", id)
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "agent store")
}
