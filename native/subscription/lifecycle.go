package subscription

import "fmt"

// Timestamps returns the audit timestamps recorded for subID. Unknown ids
// yield a zero record.
func (e *Engine) Timestamps(subID uint64) (*Timestamps, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ts := new(Timestamps)
	if _, err := e.state.KVGet(timestampsKey(subID), ts); err != nil {
		return nil, fmt.Errorf("subscription: load timestamps: %w", err)
	}
	return ts, nil
}

// touch records the current wall-clock time for kind and emits the matching
// lifecycle event.
func (e *Engine) touch(subID uint64, kind LifecycleKind) error {
	ts, err := e.Timestamps(subID)
	if err != nil {
		return err
	}
	now := e.now()
	switch kind {
	case LifecycleCreated:
		ts.CreatedAt = now
	case LifecycleActivated:
		ts.ActivatedAt = now
	case LifecycleRenewed:
		ts.LastRenewedAt = now
	case LifecycleCanceled:
		ts.CanceledAt = now
	default:
		return fmt.Errorf("subscription: unknown lifecycle kind %d", kind)
	}
	if err := e.state.KVPut(timestampsKey(subID), ts); err != nil {
		return fmt.Errorf("subscription: store timestamps: %w", err)
	}
	e.emit(NewLifecycleEvent(subID, kind, now))
	return nil
}
