package subscription

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"subledger/core/types"
	"subledger/crypto"
)

const (
	EventTypeInitialized            = "subscription.initialized"
	EventTypePaused                 = "subscription.paused"
	EventTypeFeeConfigUpdated       = "subscription.fee_config_updated"
	EventTypeLoggingContractUpdated = "subscription.logging_contract_updated"
	EventTypeAdminTransferred       = "subscription.admin_transferred"
	EventTypeLifecycleUpdated       = "subscription.lifecycle_updated"
	EventTypeStateTransition        = "subscription.state_transition"
	EventTypeApprovalCreated        = "subscription.approval_created"
	EventTypeApprovalRejected       = "subscription.approval_rejected"
	EventTypeLockAcquired           = "subscription.lock_acquired"
	EventTypeLockReleased           = "subscription.lock_released"
	EventTypeLockExpired            = "subscription.lock_expired"
	EventTypeIntegrityViolation     = "subscription.integrity_violation"
	EventTypeRenewalSucceeded       = "subscription.renewal_succeeded"
	EventTypeRenewalFailed          = "subscription.renewal_failed"
)

// NewInitializedEvent returns the payload emitted once the protocol config is
// created.
func NewInitializedEvent(admin [20]byte) *types.Event {
	return &types.Event{Type: EventTypeInitialized, Attributes: map[string]string{
		"admin": formatAddress(admin),
	}}
}

// NewPausedEvent reports a change of the global pause flag.
func NewPausedEvent(paused bool) *types.Event {
	return &types.Event{Type: EventTypePaused, Attributes: map[string]string{
		"paused": strconv.FormatBool(paused),
	}}
}

// NewFeeConfigUpdatedEvent reports an update of the stored fee stub.
func NewFeeConfigUpdatedEvent(cfg FeeConfig) *types.Event {
	return &types.Event{Type: EventTypeFeeConfigUpdated, Attributes: map[string]string{
		"percentage": strconv.FormatUint(uint64(cfg.Percentage), 10),
		"recipient":  formatAddress(cfg.Recipient),
	}}
}

// NewLoggingContractUpdatedEvent reports the configured logging collaborator.
func NewLoggingContractUpdatedEvent(contract [20]byte) *types.Event {
	return &types.Event{Type: EventTypeLoggingContractUpdated, Attributes: map[string]string{
		"contract": crypto.NewAddress(crypto.ContractPrefix, contract[:]).String(),
	}}
}

// NewAdminTransferredEvent reports an admin handover.
func NewAdminTransferredEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeAdminTransferred, Attributes: map[string]string{
		"previous": formatAddress(previous),
		"admin":    formatAddress(next),
	}}
}

// NewLifecycleEvent reports an audit timestamp update.
func NewLifecycleEvent(id uint64, kind LifecycleKind, timestamp uint64) *types.Event {
	return &types.Event{Type: EventTypeLifecycleUpdated, Attributes: map[string]string{
		"id":        strconv.FormatUint(id, 10),
		"kind":      strconv.FormatUint(uint64(kind), 10),
		"kindName":  kind.String(),
		"timestamp": strconv.FormatUint(timestamp, 10),
	}}
}

// NewStateTransitionEvent reports a renewal state change.
func NewStateTransitionEvent(id uint64, from, to State) *types.Event {
	return &types.Event{Type: EventTypeStateTransition, Attributes: map[string]string{
		"id":   strconv.FormatUint(id, 10),
		"from": from.String(),
		"to":   to.String(),
	}}
}

// NewApprovalCreatedEvent reports a newly stored approval.
func NewApprovalCreatedEvent(subID, approvalID uint64, approval *Approval) *types.Event {
	attrs := map[string]string{
		"id":         strconv.FormatUint(subID, 10),
		"approvalId": strconv.FormatUint(approvalID, 10),
	}
	if approval != nil {
		attrs["maxSpend"] = formatAmount(approval.MaxSpend)
		attrs["expiresAt"] = strconv.FormatUint(uint64(approval.ExpiresAt), 10)
	}
	return &types.Event{Type: EventTypeApprovalCreated, Attributes: attrs}
}

// NewApprovalRejectedEvent reports a failed approval consumption.
func NewApprovalRejectedEvent(subID, approvalID uint64, reason RejectReason) *types.Event {
	return &types.Event{Type: EventTypeApprovalRejected, Attributes: map[string]string{
		"id":         strconv.FormatUint(subID, 10),
		"approvalId": strconv.FormatUint(approvalID, 10),
		"reason":     strconv.FormatUint(uint64(reason), 10),
		"reasonName": reason.String(),
	}}
}

// NewLockAcquiredEvent reports a fresh renewal lock.
func NewLockAcquiredEvent(subID uint64, lock *RenewalLock) *types.Event {
	attrs := map[string]string{"id": strconv.FormatUint(subID, 10)}
	if lock != nil {
		attrs["lockedAt"] = strconv.FormatUint(uint64(lock.LockedAt), 10)
		attrs["timeout"] = strconv.FormatUint(uint64(lock.Timeout), 10)
		attrs["expiresAt"] = strconv.FormatUint(lock.ExpiresAt(), 10)
	}
	return &types.Event{Type: EventTypeLockAcquired, Attributes: attrs}
}

// NewLockReleasedEvent reports a released lock.
func NewLockReleasedEvent(subID uint64, height uint32) *types.Event {
	return &types.Event{Type: EventTypeLockReleased, Attributes: map[string]string{
		"id":     strconv.FormatUint(subID, 10),
		"height": strconv.FormatUint(uint64(height), 10),
	}}
}

// NewLockExpiredEvent reports a stale lock that was replaced.
func NewLockExpiredEvent(subID uint64, lock *RenewalLock) *types.Event {
	attrs := map[string]string{"id": strconv.FormatUint(subID, 10)}
	if lock != nil {
		attrs["lockedAt"] = strconv.FormatUint(uint64(lock.LockedAt), 10)
		attrs["timeout"] = strconv.FormatUint(uint64(lock.Timeout), 10)
	}
	return &types.Event{Type: EventTypeLockExpired, Attributes: attrs}
}

// NewIntegrityViolationEvent reports a stored digest that no longer matches the
// record's terms.
func NewIntegrityViolationEvent(subID uint64, stored, computed [32]byte) *types.Event {
	return &types.Event{Type: EventTypeIntegrityViolation, Attributes: map[string]string{
		"id":       strconv.FormatUint(subID, 10),
		"stored":   hex.EncodeToString(stored[:]),
		"computed": hex.EncodeToString(computed[:]),
	}}
}

// NewRenewalSucceededEvent reports a successful renewal.
func NewRenewalSucceededEvent(sub *Subscription, req *RenewRequest, height uint32) *types.Event {
	attrs := renewalAttributes(sub, req)
	attrs["height"] = strconv.FormatUint(uint64(height), 10)
	return &types.Event{Type: EventTypeRenewalSucceeded, Attributes: attrs}
}

// NewRenewalFailedEvent reports a failed renewal attempt.
func NewRenewalFailedEvent(sub *Subscription, req *RenewRequest, height uint32) *types.Event {
	attrs := renewalAttributes(sub, req)
	attrs["height"] = strconv.FormatUint(uint64(height), 10)
	if sub != nil {
		attrs["failureCount"] = strconv.FormatUint(uint64(sub.FailureCount), 10)
	}
	return &types.Event{Type: EventTypeRenewalFailed, Attributes: attrs}
}

func renewalAttributes(sub *Subscription, req *RenewRequest) map[string]string {
	attrs := make(map[string]string)
	if sub != nil {
		attrs["id"] = strconv.FormatUint(sub.ID, 10)
		attrs["owner"] = formatAddress(sub.Owner)
		attrs["merchant"] = formatAddress(sub.Merchant)
		attrs["state"] = sub.State.String()
	}
	if req != nil {
		attrs["approvalId"] = strconv.FormatUint(req.ApprovalID, 10)
		attrs["amount"] = formatAmount(req.Amount)
		attrs["cycleId"] = strconv.FormatUint(req.CycleID, 10)
	}
	return attrs
}

func formatAddress(addr [20]byte) string {
	return crypto.AccountAddress(addr).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
