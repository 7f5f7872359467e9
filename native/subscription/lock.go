package subscription

import "fmt"

// Lock returns the stored renewal lock for subID, if any.
func (e *Engine) Lock(subID uint64) (*RenewalLock, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	lock := new(RenewalLock)
	ok, err := e.state.KVGet(lockKey(subID), lock)
	if err != nil {
		return nil, false, fmt.Errorf("subscription: load lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return lock, true, nil
}

// AcquireRenewalLock takes the renewal lock for subID at the current height. A
// still-active lock fails with ErrLockActive; a stale one is replaced after
// emitting a lock-expired event. Acquisition is refused while paused.
func (e *Engine) AcquireRenewalLock(subID uint64, timeout uint32) (*RenewalLock, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if timeout == 0 {
		return nil, ErrInvalidTimeout
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	height := e.height()
	existing, ok, err := e.Lock(subID)
	if err != nil {
		return nil, err
	}
	if ok {
		if existing.Active(height) {
			return nil, ErrLockActive
		}
		e.emit(NewLockExpiredEvent(subID, existing))
	}
	lock := &RenewalLock{LockedAt: height, Timeout: timeout}
	if err := e.state.KVPut(lockKey(subID), lock); err != nil {
		return nil, fmt.Errorf("subscription: store lock: %w", err)
	}
	e.emit(NewLockAcquiredEvent(subID, lock))
	return lock, nil
}

// ReleaseRenewalLock removes the lock for subID regardless of its expiry.
func (e *Engine) ReleaseRenewalLock(subID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	ok, err := e.state.KVHas(lockKey(subID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoLockToRelease
	}
	if err := e.state.KVDelete(lockKey(subID)); err != nil {
		return fmt.Errorf("subscription: delete lock: %w", err)
	}
	e.emit(NewLockReleasedEvent(subID, e.height()))
	return nil
}

// requireActiveLock fails unless a lock exists and is still active at height.
func (e *Engine) requireActiveLock(subID uint64, height uint32) error {
	lock, ok, err := e.Lock(subID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockRequired
	}
	if !lock.Active(height) {
		return ErrLockExpired
	}
	return nil
}
