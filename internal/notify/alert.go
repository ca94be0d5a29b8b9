package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// Alert 描述一次需要运维关注的失败。
type Alert struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	AgentID    string
	IntentType string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Alerter 将告警发送到某个渠道。
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// AlertFromError 从统一错误构造告警。
func AlertFromError(err error, agentID, intentType string) Alert {
	a := Alert{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		AgentID:    agentID,
		IntentType: intentType,
	}
	if e, ok := xerrors.From(err); ok {
		a.Metadata = e.Metadata()
	}
	return a
}

// FanoutAlerter 将告警广播给多个渠道。
type FanoutAlerter struct {
	alerters []Alerter
}

// NewFanout 创建广播告警器。
func NewFanout(alerters ...Alerter) *FanoutAlerter {
	f := &FanoutAlerter{}
	for _, a := range alerters {
		if a != nil {
			f.alerters = append(f.alerters, a)
		}
	}
	return f
}

// Alert 实现 Alerter。
func (f *FanoutAlerter) Alert(ctx context.Context, alert Alert) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, a := range f.alerters {
		if err := a.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogAlerter 把告警写入审计日志。
type LogAlerter struct{}

// Alert 实现 Alerter。
func (LogAlerter) Alert(_ context.Context, alert Alert) error {
	attrs := []any{
		slog.String("code", string(alert.Code)),
		slog.String("severity", string(alert.Severity)),
		slog.String("agent_id", alert.AgentID),
		slog.String("intent_type", alert.IntentType),
		slog.String("message", alert.Message),
	}
	for k, v := range alert.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Error("operator alert", attrs...)
	return nil
}

// WebhookAlerter 通过投递队列把告警发往运维 webhook。
type WebhookAlerter struct {
	Notifier Notifier
	URL      string
}

// Alert 实现 Alerter。
func (w *WebhookAlerter) Alert(ctx context.Context, alert Alert) error {
	if w == nil || w.Notifier == nil || w.URL == "" {
		return nil
	}
	data := map[string]any{
		"code":       string(alert.Code),
		"severity":   string(alert.Severity),
		"message":    alert.Message,
		"intentType": alert.IntentType,
		"summary":    fmt.Sprintf("[%s] %s", alert.Severity, alert.Code),
	}
	if len(alert.Metadata) > 0 {
		data["metadata"] = alert.Metadata
	}
	w.Notifier.Notify(ctx, w.URL, Event{
		Event:      EventExecutionAlert,
		AgentID:    alert.AgentID,
		OccurredAt: alert.OccurredAt,
		Data:       data,
	})
	return nil
}
