package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	"github.com/Coding-With-Josh/aegis/internal/audit"
	"github.com/Coding-With-Josh/aegis/internal/auth"
	"github.com/Coding-With-Josh/aegis/internal/capital"
	"github.com/Coding-With-Josh/aegis/internal/execution"
	"github.com/Coding-With-Josh/aegis/internal/hitl"
	"github.com/Coding-With-Josh/aegis/internal/observability/metrics"
	"github.com/Coding-With-Josh/aegis/internal/oracle"
	"github.com/Coding-With-Josh/aegis/internal/spend"
	"github.com/Coding-With-Josh/aegis/internal/txhistory"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// Executor 执行一次意图请求。
type Executor interface {
	Execute(ctx context.Context, agentID string, req execution.Request) (*execution.Outcome, error)
}

// Config 控制 HTTP 服务行为。
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	// RateLimit 是每个客户端每秒允许的请求数，<=0 表示不限流。
	RateLimit float64
	RateBurst int
}

// Dependencies 是 API 依赖的业务服务。
type Dependencies struct {
	Agents       *agent.Service
	Executor     Executor
	Approvals    *hitl.Queue
	Audit        *audit.Trail
	Capital      *capital.Service
	Spend        *spend.Tracker
	Transactions txhistory.Store
	Oracle       *oracle.Aggregator
	Balances     oracle.BalanceReader
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg     Config
	deps    Dependencies
	auth    *auth.Middleware
	limiter *clientLimiter
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logger.Named("api"),
	}
	s.auth = auth.NewMiddleware(deps.Agents, auth.WithErrorWriter(s.writeError))
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	public := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.rateLimit(h)))
	}
	private := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.rateLimit(s.auth.Require(h))))
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	public("POST /agents", s.handleCreateAgent)
	public("GET /agents", s.handleListAgents)
	public("GET /agents/{id}", s.handleGetAgent)

	private("PATCH /agents/{id}/status", s.handleUpdateStatus)
	private("PATCH /agents/{id}/execution-mode", s.handleUpdateExecutionMode)
	private("PATCH /agents/{id}/policy", s.handleUpdatePolicy)
	private("PATCH /agents/{id}/usd-policy", s.handleUpdateUSDPolicy)
	private("GET /agents/{id}/policy/versions", s.handlePolicyVersions)
	private("GET /agents/{id}/balance", s.handleBalance)
	private("GET /agents/{id}/spend", s.handleSpend)
	private("GET /agents/{id}/transactions", s.handleTransactions)

	private("POST /agents/{id}/execute", s.handleExecute)

	private("GET /agents/{id}/pending", s.handleListPending)
	private("PATCH /agents/{id}/pending/{txId}/approve", s.handleApprove)
	private("PATCH /agents/{id}/pending/{txId}/reject", s.handleReject)

	private("GET /agents/{id}/audit", s.handleAudit)
	private("GET /agents/{id}/audit/export", s.handleAuditExport)

	private("GET /agents/{id}/capital", s.handleCapital)
	private("GET /agents/{id}/capital/export", s.handleCapitalExport)
	private("POST /agents/{id}/funding", s.handleFunding)
	private("GET /agents/{id}/performance", s.handlePerformance)

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("address", s.cfg.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
