package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("rpc closed")
	err := fmt.Errorf("outer: %w", Wrap(CodeUpstreamFailure, cause, "simulate"))

	if got := CodeOf(err); got != CodeUpstreamFailure {
		t.Fatalf("unexpected code: got %s", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeUpstreamFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if !RetryableError(err) {
		t.Fatalf("upstream failures should be retryable by default")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:       http.StatusBadRequest,
		CodeNotFound:         http.StatusNotFound,
		CodeForbidden:        http.StatusForbidden,
		CodePolicyViolation:  http.StatusForbidden,
		CodeExpired:          http.StatusConflict,
		CodeSimulationRisk:   http.StatusUnprocessableEntity,
		CodeExecutionFailed:  http.StatusBadGateway,
		CodeTimeout:          http.StatusGatewayTimeout,
		Code("UNREGISTERED"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(New(code, "x")); got != want {
			t.Fatalf("code %s: got %d want %d", code, got, want)
		}
	}
	if got := HTTPStatus(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain error: got %d", got)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeExecutionFailed, "", WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("agent_id", "a1"), WithDetails([]string{"x"}))
	if err.Message() != "execution failed" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.ShouldAlert() {
		t.Fatalf("alert override ignored")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("severity override ignored")
	}
	if err.Metadata()["agent_id"] != "a1" {
		t.Fatalf("metadata missing")
	}
	if details, ok := err.Details().([]string); !ok || details[0] != "x" {
		t.Fatalf("details missing: %#v", err.Details())
	}
}
