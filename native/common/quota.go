package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaSpendCapExceeded = errors.New("quota spend cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	Requests uint32
	Spent    uint64
	EpochID  uint64
}

// Quota defines the limits enforced for a module interaction per address. A
// zero limit disables that check. Epochs are measured in ledger heights.
type Quota struct {
	MaxRequests uint32
	MaxSpend    uint64
	EpochBlocks uint32
}

// Epoch maps a ledger height onto the quota epoch it belongs to.
func (q Quota) Epoch(height uint32) uint64 {
	if q.EpochBlocks == 0 {
		return 0
	}
	return uint64(height) / uint64(q.EpochBlocks)
}

// CheckQuota verifies whether the additional request and spend fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addSpend uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.Requests > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.Requests += addReq
	}
	if q.MaxRequests > 0 && next.Requests > q.MaxRequests {
		return prev, ErrQuotaRequestsExceeded
	}

	if addSpend > 0 {
		if next.Spent > math.MaxUint64-addSpend {
			return prev, ErrQuotaCounterOverflow
		}
		next.Spent += addSpend
	}
	if q.MaxSpend > 0 && next.Spent > q.MaxSpend {
		return prev, ErrQuotaSpendCapExceeded
	}

	return next, nil
}
