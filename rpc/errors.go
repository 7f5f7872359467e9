package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"subledger/core"
	"subledger/core/types"
	"subledger/native/agents"
	"subledger/native/registry"
	"subledger/native/subscription"
	"subledger/native/sublog"
)

type errorClass struct {
	status int
	errs   []error
}

var errorClasses = []errorClass{
	{http.StatusNotFound, []error{
		subscription.ErrSubscriptionNotFound,
		subscription.ErrApprovalNotFound,
		subscription.ErrNoLockToRelease,
		registry.ErrNotFound,
	}},
	{http.StatusForbidden, []error{
		core.ErrUnauthorized,
		subscription.ErrUnauthorized,
		agents.ErrUnauthorized,
		agents.ErrMissingScope,
		registry.ErrUnauthorized,
	}},
	{http.StatusLocked, []error{
		subscription.ErrLockActive,
		subscription.ErrLockRequired,
		subscription.ErrLockExpired,
		subscription.ErrProtocolPaused,
	}},
	{http.StatusTooManyRequests, []error{
		agents.ErrQuotaExceeded,
	}},
	{http.StatusConflict, []error{
		core.ErrReplayedInvocation,
		core.ErrNotBootstrapped,
		subscription.ErrAlreadyInitialized,
		subscription.ErrNotInitialized,
		subscription.ErrSubscriptionExists,
		subscription.ErrSubscriptionFailed,
		subscription.ErrSubscriptionCancelled,
		subscription.ErrInvalidTransition,
		subscription.ErrApprovalUsed,
		subscription.ErrDuplicateCycle,
		subscription.ErrCooldownActive,
		subscription.ErrIntegrityViolation,
		agents.ErrAlreadyInitialized,
		agents.ErrNotInitialized,
		registry.ErrInactive,
	}},
	{http.StatusUnprocessableEntity, []error{
		core.ErrInvalidParams,
		subscription.ErrInvalidAmount,
		subscription.ErrAmountOverflow,
		subscription.ErrInvalidFrequency,
		subscription.ErrInvalidTimeout,
		subscription.ErrFeeOutOfRange,
		subscription.ErrApprovalExpired,
		subscription.ErrApprovalAmountExceeded,
		agents.ErrInvalidScope,
		registry.ErrInvalidInterval,
		registry.ErrInvalidAmount,
		registry.ErrInvalidRenewal,
		registry.ErrInvalidServiceID,
		sublog.ErrLogTooLong,
		sublog.ErrUnknownKind,
	}},
	{http.StatusBadRequest, []error{
		core.ErrUnknownMethod,
		core.ErrChainIDMismatch,
		types.ErrMethodRequired,
		types.ErrDuplicateSigner,
	}},
}

// StatusFor maps a ledger error onto an HTTP status code.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, class := range errorClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status
			}
		}
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the body written for every failed request. Aborted
// invocations also carry their receipt.
type ErrorResponse struct {
	Error     string         `json:"error"`
	RequestID string         `json:"requestId,omitempty"`
	Receipt   *types.Receipt `json:"receipt,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error, receipt *types.Receipt) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: RequestIDFrom(r.Context()), Receipt: receipt})
}
