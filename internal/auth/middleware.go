// Package auth 校验每个智能体的 API 凭证，并把通过认证的智能体写入请求上下文。
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	loggerpkg "github.com/Coding-With-Josh/aegis/pkg/logger"
)

// HeaderAPIKey 是携带智能体凭证的请求头。
const HeaderAPIKey = "x-api-key"

// Authenticator 根据智能体 ID 与明文凭证返回智能体。
type Authenticator interface {
	Authenticate(ctx context.Context, agentID, apiKey string) (*agent.Agent, error)
}

// ErrorWriter 负责把认证失败写回客户端。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 要求请求携带与路径中智能体匹配的凭证。
type Middleware struct {
	authenticator Authenticator
	writeError    ErrorWriter
	audit         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Middleware)

// WithErrorWriter 替换默认的错误输出。
func WithErrorWriter(fn ErrorWriter) Option {
	return func(m *Middleware) {
		if fn != nil {
			m.writeError = fn
		}
	}
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(m *Middleware) {
		if l != nil {
			m.audit = l
		}
	}
}

// NewMiddleware 创建认证中间件。
func NewMiddleware(a Authenticator, opts ...Option) *Middleware {
	m := &Middleware{
		authenticator: a,
		writeError: func(w http.ResponseWriter, _ *http.Request, err error) {
			status := xerrors.HTTPStatus(err)
			http.Error(w, http.StatusText(status), status)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Middleware) logger() *slog.Logger {
	if m.audit != nil {
		return m.audit
	}
	return loggerpkg.Audit()
}

// Require 包装处理器：智能体 ID 取自路由参数 {id}。
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")
		key := r.Header.Get(HeaderAPIKey)

		var (
			a   *agent.Agent
			err error
		)
		if key == "" {
			err = xerrors.New(xerrors.CodeUnauthorized, "missing "+HeaderAPIKey+" header")
		} else {
			a, err = m.authenticator.Authenticate(r.Context(), agentID, key)
		}
		if err != nil {
			m.writeError(w, r, err)
			m.logger().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"agent_id", agentID,
				"status", xerrors.HTTPStatus(err),
				"error", err.Error(),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithAgent(r.Context(), a)))
		m.logger().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"agent_id", a.ID,
		)
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
