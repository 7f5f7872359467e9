package subscription

import (
	"fmt"
	"strconv"

	"subledger/native/sublog"
)

func (e *Engine) loadSubscription(id uint64) (*Subscription, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	sub := new(Subscription)
	ok, err := e.state.KVGet(subscriptionKey(id), sub)
	if err != nil {
		return nil, false, fmt.Errorf("subscription: load record: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return sub, true, nil
}

func (e *Engine) storeSubscription(sub *Subscription) error {
	if !sub.State.Valid() {
		return fmt.Errorf("subscription: invalid state %d", sub.State)
	}
	if err := e.state.KVPut(subscriptionKey(sub.ID), sub); err != nil {
		return fmt.Errorf("subscription: store record: %w", err)
	}
	return nil
}

// Subscription returns the stored record for id.
func (e *Engine) Subscription(id uint64) (*Subscription, error) {
	sub, ok, err := e.loadSubscription(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// InitSub creates an Active subscription owned by params.Owner, who must sign
// the invocation. The integrity digest is computed from the supplied terms.
func (e *Engine) InitSub(params InitParams) (*Subscription, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := validateAmount(params.Amount); err != nil {
		return nil, err
	}
	if params.Frequency == 0 {
		return nil, ErrInvalidFrequency
	}
	if err := validateAmount(params.SpendingCap); err != nil {
		return nil, fmt.Errorf("spending cap: %w", err)
	}
	if err := e.requireAuth(params.Owner); err != nil {
		return nil, err
	}
	exists, err := e.state.KVHas(subscriptionKey(params.ID))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrSubscriptionExists
	}
	sub := &Subscription{
		ID:          params.ID,
		Owner:       params.Owner,
		Merchant:    params.Merchant,
		Amount:      cloneBigInt(params.Amount),
		Frequency:   params.Frequency,
		SpendingCap: cloneBigInt(params.SpendingCap),
		State:       StateActive,
	}
	sub.Digest = ComputeDigest(sub.Merchant, sub.Amount, sub.Frequency, sub.SpendingCap)
	if err := e.storeSubscription(sub); err != nil {
		return nil, err
	}
	if err := e.touch(sub.ID, LifecycleCreated); err != nil {
		return nil, err
	}
	if err := e.touch(sub.ID, LifecycleActivated); err != nil {
		return nil, err
	}
	return sub.Clone(), nil
}

// CancelSub moves an Active or Retrying subscription to Cancelled. The owner
// must sign the invocation.
func (e *Engine) CancelSub(id uint64) (*Subscription, error) {
	sub, err := e.Subscription(id)
	if err != nil {
		return nil, err
	}
	if err := e.requireAuth(sub.Owner); err != nil {
		return nil, err
	}
	switch sub.State {
	case StateCancelled:
		return nil, ErrSubscriptionCancelled
	case StateFailed:
		return nil, ErrSubscriptionFailed
	}
	if err := e.transition(sub, StateCancelled); err != nil {
		return nil, err
	}
	if err := e.storeSubscription(sub); err != nil {
		return nil, err
	}
	if err := e.touch(sub.ID, LifecycleCanceled); err != nil {
		return nil, err
	}
	e.logEntry(sub.ID, sublog.KindCancellation, "cancelled by owner")
	return sub.Clone(), nil
}

// CycleMarker returns the last successfully processed cycle id for subID.
func (e *Engine) CycleMarker(subID uint64) (uint64, bool, error) {
	if e == nil || e.state == nil {
		return 0, false, errNilState
	}
	var marker uint64
	ok, err := e.state.KVGet(cycleKey(subID), &marker)
	if err != nil {
		return 0, false, fmt.Errorf("subscription: load cycle marker: %w", err)
	}
	return marker, ok, nil
}

func (e *Engine) storeCycleMarker(subID, cycleID uint64) error {
	if err := e.state.KVPut(cycleKey(subID), cycleID); err != nil {
		return fmt.Errorf("subscription: store cycle marker: %w", err)
	}
	return nil
}

func formatCycle(cycleID uint64) string {
	return "cycle " + strconv.FormatUint(cycleID, 10)
}
