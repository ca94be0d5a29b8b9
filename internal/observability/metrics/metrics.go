// Package metrics collects in-process counters and latency histograms for the
// HTTP surface and the execution pipeline, rendered in the Prometheus text
// exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type executionKey struct {
	intent  string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	errors     map[routeKey]uint64
	latency    map[routeKey]*histogram
	executions map[executionKey]uint64
	stages     map[string]*histogram
	webhooks   map[string]uint64
}

func newCollector() *collector {
	return &collector{
		requests:   make(map[requestKey]uint64),
		errors:     make(map[routeKey]uint64),
		latency:    make(map[routeKey]*histogram),
		executions: make(map[executionKey]uint64),
		stages:     make(map[string]*histogram),
		webhooks:   make(map[string]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeRequest(handler, method, status, duration)
}

// ObserveExecution counts one pipeline attempt by intent type and outcome.
func ObserveExecution(intentType, outcome string) {
	c := defaultCollector
	c.mu.Lock()
	c.executions[executionKey{intent: intentType, outcome: outcome}]++
	c.mu.Unlock()
}

// ObserveStage records how long a pipeline stage (simulate, submit, oracle) took.
func ObserveStage(stage string, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.stages[stage]
	if hist == nil {
		hist = newHistogram()
		c.stages[stage] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveWebhook counts webhook deliveries by result.
func ObserveWebhook(result string) {
	c := defaultCollector
	c.mu.Lock()
	c.webhooks[result]++
	c.mu.Unlock()
}

func (c *collector) observeRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func sortedKeys[K comparable, V any](m map[K]V, less func(a, b K) bool) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP aegis_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE aegis_http_requests_total counter\n")
	for _, k := range sortedKeys(c.requests, func(a, b requestKey) bool {
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	}) {
		fmt.Fprintf(&b, "aegis_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(k.handler), escape(k.method), escape(k.code), c.requests[k])
	}

	routeLess := func(a, b routeKey) bool {
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		return a.method < b.method
	}
	b.WriteString("# HELP aegis_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE aegis_http_request_errors_total counter\n")
	for _, k := range sortedKeys(c.errors, routeLess) {
		fmt.Fprintf(&b, "aegis_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(k.handler), escape(k.method), c.errors[k])
	}

	b.WriteString("# HELP aegis_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE aegis_http_request_duration_seconds histogram\n")
	for _, k := range sortedKeys(c.latency, routeLess) {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(k.handler), escape(k.method))
		writeHistogram(&b, "aegis_http_request_duration_seconds", labels, c.latency[k])
	}

	b.WriteString("# HELP aegis_executions_total Execution attempts by intent type and outcome.\n")
	b.WriteString("# TYPE aegis_executions_total counter\n")
	for _, k := range sortedKeys(c.executions, func(a, b executionKey) bool {
		if a.intent != b.intent {
			return a.intent < b.intent
		}
		return a.outcome < b.outcome
	}) {
		fmt.Fprintf(&b, "aegis_executions_total{intent=\"%s\",outcome=\"%s\"} %d\n",
			escape(k.intent), escape(k.outcome), c.executions[k])
	}

	b.WriteString("# HELP aegis_pipeline_stage_duration_seconds Pipeline stage duration in seconds.\n")
	b.WriteString("# TYPE aegis_pipeline_stage_duration_seconds histogram\n")
	for _, stage := range sortedKeys(c.stages, func(a, b string) bool { return a < b }) {
		writeHistogram(&b, "aegis_pipeline_stage_duration_seconds", fmt.Sprintf("stage=\"%s\"", escape(stage)), c.stages[stage])
	}

	b.WriteString("# HELP aegis_webhook_deliveries_total Webhook deliveries by result.\n")
	b.WriteString("# TYPE aegis_webhook_deliveries_total counter\n")
	for _, result := range sortedKeys(c.webhooks, func(a, b string) bool { return a < b }) {
		fmt.Fprintf(&b, "aegis_webhook_deliveries_total{result=\"%s\"} %d\n", escape(result), c.webhooks[result])
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Serve runs a standalone HTTP server exposing /metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
