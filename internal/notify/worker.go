package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	stdErrors "errors"
	"net/http"
	"time"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/observability/metrics"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

// DefaultWebhookTimeout 是单次 webhook 请求的超时时间。
const DefaultWebhookTimeout = 5 * time.Second

// 默认对临时失败最多尝试 3 次，间隔逐次翻倍。
const (
	DefaultDeliveryAttempts = 3
	DefaultRetryBackoff     = 500 * time.Millisecond
)

// Worker 从队列消费投递任务并发送 webhook。
type Worker struct {
	consumer    Consumer
	client      *http.Client
	workerCount int
	attempts    int
	backoff     time.Duration
	logger      *slog.Logger
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(client *http.Client) WorkerOption {
	return func(w *Worker) {
		if client != nil {
			w.client = client
		}
	}
}

// WithWebhookTimeout 设置 webhook 超时。
func WithWebhookTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.client = &http.Client{Timeout: timeout}
		}
	}
}

// WithRetry 设置临时失败的最大尝试次数与首次重试间隔。
func WithRetry(attempts int, backoff time.Duration) WorkerOption {
	return func(w *Worker) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if backoff > 0 {
			w.backoff = backoff
		}
	}
}

// NewWorker 构造投递工作者。
func NewWorker(consumer Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		consumer:    consumer,
		client:      &http.Client{Timeout: DefaultWebhookTimeout},
		workerCount: 1,
		attempts:    DefaultDeliveryAttempts,
		backoff:     DefaultRetryBackoff,
		logger:      logger.Named("notify-worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 阻塞消费直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

// handle 投递一条任务。格式错误或被对端明确拒绝的任务直接丢弃；
// 临时失败在重试耗尽后返回错误，由队列决定是否重新入队。
func (w *Worker) handle(ctx context.Context, payload []byte) error {
	var d Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		w.logger.Warn("discard malformed delivery", slog.Any("error", err))
		return nil
	}
	attrs := []any{
		slog.String("event", string(d.Event.Event)),
		slog.String("agent_id", d.Event.AgentID),
	}

	wait := w.backoff
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if err = w.deliver(ctx, d); err == nil {
			metrics.ObserveWebhook("delivered")
			w.logger.Debug("webhook delivered", attrs...)
			return nil
		}
		var perm *permanentError
		if stdErrors.As(err, &perm) {
			w.logger.Warn("webhook rejected", append(attrs, slog.Any("error", err))...)
			metrics.ObserveWebhook("rejected")
			return nil
		}
		if attempt == w.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.logger.Warn("webhook delivery failed", append(attrs, slog.Int("attempts", w.attempts), slog.Any("error", err))...)
	metrics.ObserveWebhook("failed")
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "deliver webhook")
}

// permanentError 表示重试无法改变结果的失败。
type permanentError struct {
	status int
	cause  error
}

func (e *permanentError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return fmt.Sprintf("webhook responded %d", e.status)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func (w *Worker) deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d.Event)
	if err != nil {
		return &permanentError{cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return &permanentError{cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if !retryableStatus(resp.StatusCode) {
		return &permanentError{status: resp.StatusCode}
	}
	return fmt.Errorf("webhook responded %d", resp.StatusCode)
}
