package common

import (
	"errors"
	"math"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequests: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Requests != 10 {
		t.Fatalf("unexpected request count: %d", next.Requests)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.Requests != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaSpend(t *testing.T) {
	q := Quota{MaxSpend: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Spent != 1000 {
		t.Fatalf("unexpected spend: %d", next.Spent)
	}

	denied, err := CheckQuota(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaSpendCapExceeded) {
		t.Fatalf("expected ErrQuotaSpendCapExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.Spent != 500 {
		t.Fatalf("unexpected spend after rollover: %d", rollover.Spent)
	}
}

func TestCheckQuotaOverflow(t *testing.T) {
	prev := QuotaNow{Spent: math.MaxUint64 - 1}
	if _, err := CheckQuota(Quota{}, 0, prev, 0, 2); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected ErrQuotaCounterOverflow, got %v", err)
	}
}

func TestQuotaEpoch(t *testing.T) {
	q := Quota{EpochBlocks: 100}
	if got := q.Epoch(99); got != 0 {
		t.Fatalf("expected epoch 0, got %d", got)
	}
	if got := q.Epoch(250); got != 2 {
		t.Fatalf("expected epoch 2, got %d", got)
	}
	if got := (Quota{}).Epoch(250); got != 0 {
		t.Fatalf("expected epoch 0 without epoch length, got %d", got)
	}
}

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	if err := Guard(nil, "subscription"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	view := pauseMap{"subscription": true}
	if err := Guard(view, "subscription"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(view, "agents"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
}
