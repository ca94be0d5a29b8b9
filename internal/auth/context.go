package auth

import (
	"context"

	"github.com/Coding-With-Josh/aegis/internal/agent"
)

// agentKey 是上下文中存储已认证智能体的键类型。
type agentKey struct{}

// WithAgent 将通过认证的智能体存储到上下文中。
func WithAgent(ctx context.Context, a *agent.Agent) context.Context {
	if a == nil {
		return ctx
	}
	return context.WithValue(ctx, agentKey{}, a)
}

// AgentFromContext 从上下文中提取通过认证的智能体。
func AgentFromContext(ctx context.Context) *agent.Agent {
	if ctx == nil {
		return nil
	}
	if a, ok := ctx.Value(agentKey{}).(*agent.Agent); ok {
		return a
	}
	return nil
}
