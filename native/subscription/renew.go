package subscription

import (
	"fmt"
	"log/slog"

	"subledger/native/agents"
	"subledger/native/sublog"
)

// Renew runs one renewal attempt. Preconditions are checked in a fixed order
// and any violation returns an error, leaving the caller to discard every write
// of the invocation. A simulated payment failure is not an error: the failure
// is recorded and Renew returns false.
//
// Both outcomes release the renewal lock.
func (e *Engine) Renew(req RenewRequest) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if err := validateAmount(req.Amount); err != nil {
		return false, err
	}
	if err := e.guard(); err != nil {
		return false, err
	}
	sub, err := e.Subscription(req.SubscriptionID)
	if err != nil {
		return false, err
	}
	switch sub.State {
	case StateFailed:
		return false, ErrSubscriptionFailed
	case StateCancelled:
		return false, ErrSubscriptionCancelled
	}
	height := e.height()
	if err := e.requireActiveLock(sub.ID, height); err != nil {
		return false, err
	}
	marker, ok, err := e.CycleMarker(sub.ID)
	if err != nil {
		return false, err
	}
	if ok && marker == req.CycleID {
		return false, ErrDuplicateCycle
	}
	if sub.FailureCount > 0 && uint64(height) < uint64(sub.LastAttemptHeight)+uint64(req.Cooldown) {
		return false, ErrCooldownActive
	}
	reason, err := e.ConsumeApproval(sub.ID, req.ApprovalID, req.Amount)
	if err != nil {
		return false, err
	}
	if reason != RejectNone {
		return false, reason.Err()
	}
	if !e.VerifyIntegrity(sub) {
		return false, ErrIntegrityViolation
	}
	if req.Succeed {
		return true, e.renewSucceeded(sub, &req, height)
	}
	return false, e.renewFailed(sub, &req, height)
}

func (e *Engine) renewSucceeded(sub *Subscription, req *RenewRequest, height uint32) error {
	recovering := sub.State == StateRetrying
	renewed := *sub
	renewed.State = StateActive
	e.emit(NewRenewalSucceededEvent(&renewed, req, height))
	if err := e.transition(sub, StateActive); err != nil {
		return err
	}
	sub.FailureCount = 0
	sub.LastAttemptHeight = height
	if err := e.storeSubscription(sub); err != nil {
		return err
	}
	if err := e.storeCycleMarker(sub.ID, req.CycleID); err != nil {
		return err
	}
	if err := e.touch(sub.ID, LifecycleRenewed); err != nil {
		return err
	}
	if recovering {
		if err := e.touch(sub.ID, LifecycleActivated); err != nil {
			return err
		}
	}
	if err := e.ReleaseRenewalLock(sub.ID); err != nil {
		return err
	}
	e.logEntry(sub.ID, sublog.KindRenewal, fmt.Sprintf("renewed %s for %s", req.Amount.String(), formatCycle(req.CycleID)))
	return nil
}

func (e *Engine) renewFailed(sub *Subscription, req *RenewRequest, height uint32) error {
	sub.FailureCount++
	sub.LastAttemptHeight = height
	next := StateRetrying
	if sub.FailureCount > req.MaxRetries {
		next = StateFailed
	}
	if err := e.transition(sub, next); err != nil {
		return err
	}
	if err := e.storeSubscription(sub); err != nil {
		return err
	}
	if err := e.ReleaseRenewalLock(sub.ID); err != nil {
		return err
	}
	e.emit(NewRenewalFailedEvent(sub, req, height))
	kind := sublog.KindRetry
	if next == StateFailed {
		kind = sublog.KindFailure
	}
	e.logEntry(sub.ID, kind, fmt.Sprintf("attempt %d failed for %s", sub.FailureCount, formatCycle(req.CycleID)))
	e.logger.Debug("subscription renewal failed",
		slog.Uint64("subscription", sub.ID),
		slog.Uint64("failures", uint64(sub.FailureCount)),
		slog.String("state", sub.State.String()))
	return nil
}

// RenewAsAgent runs Renew on behalf of a delegated agent. The agent must sign,
// hold the Renewals scope and have quota headroom for the amount.
func (e *Engine) RenewAsAgent(agent [20]byte, req RenewRequest) (bool, error) {
	if e.agents == nil {
		return false, ErrAgentsUnavailable
	}
	if err := validateAmount(req.Amount); err != nil {
		return false, err
	}
	if err := e.agents.RequireScope(agent, agents.ScopeRenewals); err != nil {
		return false, err
	}
	if err := e.agents.ChargeQuota(agent, req.Amount); err != nil {
		return false, err
	}
	return e.Renew(req)
}
