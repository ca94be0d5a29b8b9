package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/clock"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

const defaultPublishTimeout = time.Second

// Notifier 是业务模块依赖的投递接口。
type Notifier interface {
	Notify(ctx context.Context, url string, ev Event)
}

// Dispatcher 将事件发布到队列，调用方永远不会因投递而失败。
type Dispatcher struct {
	producer Producer
	clock    clock.Clock
	timeout  time.Duration
	log      *slog.Logger
}

var _ Notifier = (*Dispatcher)(nil)

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock 注入时钟。
func WithDispatcherClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithPublishTimeout 限制单次发布的等待时间。
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher 创建派发器。
func NewDispatcher(producer Producer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		producer: producer,
		clock:    clock.Real(),
		timeout:  defaultPublishTimeout,
		log:      logger.Named("notify"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Notify 编码并发布投递任务。URL 为空时直接忽略；发布失败只记录日志。
func (d *Dispatcher) Notify(ctx context.Context, url string, ev Event) {
	if d == nil || d.producer == nil || strings.TrimSpace(url) == "" {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.clock.Now()
	}
	payload, err := json.Marshal(Delivery{URL: url, Event: ev})
	if err != nil {
		d.log.Warn("encode webhook delivery failed", slog.Any("error", err), slog.String("event", string(ev.Event)))
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.producer.Publish(publishCtx, payload); err != nil {
		d.log.Warn("publish webhook delivery failed",
			slog.Any("error", err),
			slog.String("event", string(ev.Event)),
			slog.String("agent_id", ev.AgentID))
	}
}
