package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram()
	h.observe(0.07)
	h.observe(3)
	h.observe(120)
	if h.count != 3 {
		t.Fatalf("unexpected count %d", h.count)
	}
	if h.counts[0] != 0 || h.counts[1] != 1 || h.counts[6] != 2 || h.counts[len(h.counts)-1] != 2 {
		t.Fatalf("unexpected bucket counts %v", h.counts)
	}
}

func TestHandlerRendersPipelineMetrics(t *testing.T) {
	ObserveHTTPRequest("/agents/{id}/execute", "POST", 502, 40*time.Millisecond)
	ObserveExecution("transfer", "rejected_policy")
	ObserveExecution("transfer", "rejected_policy")
	ObserveStage("simulate", 200*time.Millisecond)
	ObserveWebhook("failed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`aegis_http_requests_total{handler="/agents/{id}/execute",method="POST",code="502"} 1`,
		`aegis_http_request_errors_total{handler="/agents/{id}/execute",method="POST"} 1`,
		`aegis_executions_total{intent="transfer",outcome="rejected_policy"} 2`,
		`aegis_pipeline_stage_duration_seconds_bucket{stage="simulate",le="0.25"} 1`,
		`aegis_webhook_deliveries_total{result="failed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}
