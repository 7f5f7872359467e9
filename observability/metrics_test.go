package observability

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLedgerMetricsCounters(t *testing.T) {
	m := Ledger()
	if Ledger() != m {
		t.Fatalf("expected singleton ledger metrics")
	}

	before := testutil.ToFloat64(m.renewals.WithLabelValues("failed"))
	m.RecordRenewal("failed")
	if got := testutil.ToFloat64(m.renewals.WithLabelValues("failed")); got != before+1 {
		t.Fatalf("renewal failures = %v, want %v", got, before+1)
	}

	logBefore := testutil.ToFloat64(m.logFailures)
	m.RecordLogFailure()
	m.RecordLogFailure()
	if got := testutil.ToFloat64(m.logFailures); got != logBefore+2 {
		t.Fatalf("log failures = %v, want %v", got, logBefore+2)
	}

	m.SetHeight(42)
	if got := testutil.ToFloat64(m.height); got != 42 {
		t.Fatalf("height gauge = %v, want 42", got)
	}

	evBefore := testutil.ToFloat64(m.eventsEmitted.WithLabelValues("unknown"))
	m.RecordEvent("  ")
	if got := testutil.ToFloat64(m.eventsEmitted.WithLabelValues("unknown")); got != evBefore+1 {
		t.Fatalf("blank event type not folded into unknown")
	}

	invBefore := testutil.ToFloat64(m.invocations.WithLabelValues("unknown", "rejected"))
	m.ObserveInvocation("", "rejected", time.Millisecond)
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("unknown", "rejected")); got != invBefore+1 {
		t.Fatalf("invocations = %v, want %v", got, invBefore+1)
	}
}

func TestNilLedgerMetricsIsSafe(t *testing.T) {
	var m *LedgerMetrics
	m.RecordRenewal("succeeded")
	m.RecordLogFailure()
	m.SetHeight(1)
	m.RecordEvent("x")
	m.ObserveInvocation("renew", "committed", time.Second)
}

func TestModuleMetricsSeparatesErrors(t *testing.T) {
	m := ModuleMetrics()
	okBefore := testutil.ToFloat64(m.requests.WithLabelValues("rpc", "GET /v1/status", "success"))
	errBefore := testutil.ToFloat64(m.errors.WithLabelValues("rpc", "POST /v1/invoke", "423"))

	m.Observe("rpc", "GET /v1/status", http.StatusOK, time.Millisecond)
	m.Observe("rpc", "POST /v1/invoke", http.StatusLocked, time.Millisecond)
	m.RecordThrottle("rpc", "")

	if got := testutil.ToFloat64(m.requests.WithLabelValues("rpc", "GET /v1/status", "success")); got != okBefore+1 {
		t.Fatalf("success requests = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("rpc", "POST /v1/invoke", "423")); got != errBefore+1 {
		t.Fatalf("errors = %v, want %v", got, errBefore+1)
	}
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("rpc", "unspecified")); got < 1 {
		t.Fatalf("throttle not recorded")
	}
}
