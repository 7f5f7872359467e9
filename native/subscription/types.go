package subscription

import (
	"fmt"
	"math/big"
)

// State represents the renewal lifecycle of a subscription.
type State uint8

const (
	StateActive State = iota
	StateRetrying
	StateFailed
	StateCancelled
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateRetrying, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no renewal may run from this state.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateCancelled
}

// Subscription is the persisted renewal record for a single subscription id.
// Merchant, Amount, Frequency and SpendingCap are covered by Digest.
type Subscription struct {
	ID                uint64
	Owner             [20]byte
	Merchant          [20]byte
	Amount            *big.Int
	Frequency         uint64
	SpendingCap       *big.Int
	Digest            [32]byte
	State             State
	FailureCount      uint32
	LastAttemptHeight uint32
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Amount = cloneBigInt(s.Amount)
	clone.SpendingCap = cloneBigInt(s.SpendingCap)
	return &clone
}

// Approval is a single-use spend authorisation granted by the owner.
type Approval struct {
	MaxSpend  *big.Int
	ExpiresAt uint32
	Used      bool
}

// Clone returns a deep copy of the approval.
func (a *Approval) Clone() *Approval {
	if a == nil {
		return nil
	}
	clone := *a
	clone.MaxSpend = cloneBigInt(a.MaxSpend)
	return &clone
}

// RenewalLock is the cooperative mutual-exclusion token for one subscription.
type RenewalLock struct {
	LockedAt uint32
	Timeout  uint32
}

// ExpiresAt returns the first height at which the lock no longer holds.
func (l *RenewalLock) ExpiresAt() uint64 {
	if l == nil {
		return 0
	}
	return uint64(l.LockedAt) + uint64(l.Timeout)
}

// Active reports whether the lock still holds at height.
func (l *RenewalLock) Active(height uint32) bool {
	if l == nil {
		return false
	}
	return uint64(height) < l.ExpiresAt()
}

// Timestamps records audit wall-clock times (epoch seconds). Zero means the
// event has not happened.
type Timestamps struct {
	CreatedAt     uint64
	ActivatedAt   uint64
	LastRenewedAt uint64
	CanceledAt    uint64
}

// LifecycleKind tags lifecycle-update events.
type LifecycleKind uint8

const (
	LifecycleCreated   LifecycleKind = 1
	LifecycleActivated LifecycleKind = 2
	LifecycleRenewed   LifecycleKind = 3
	LifecycleCanceled  LifecycleKind = 4
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleCreated:
		return "created"
	case LifecycleActivated:
		return "activated"
	case LifecycleRenewed:
		return "renewed"
	case LifecycleCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Config is the protocol-wide singleton. FeeBps and FeeRecipient are stored
// for a settlement component and are never read by renewal logic.
type Config struct {
	Admin           [20]byte
	Paused          bool
	FeeBps          uint32
	FeeRecipient    [20]byte
	LoggingContract [20]byte
}

// HasLoggingContract reports whether a logging collaborator is configured.
func (c *Config) HasLoggingContract() bool {
	return c != nil && c.LoggingContract != ([20]byte{})
}

// IsPaused satisfies common.PauseView. The module argument is ignored because
// the config only governs this module.
func (c *Config) IsPaused(string) bool {
	return c != nil && c.Paused
}

// FeeConfig is the read view of the fee stub.
type FeeConfig struct {
	Percentage uint32
	Recipient  [20]byte
}

// InitParams describes a new subscription.
type InitParams struct {
	ID          uint64
	Owner       [20]byte
	Merchant    [20]byte
	Amount      *big.Int
	Frequency   uint64
	SpendingCap *big.Int
}

// RenewRequest carries the arguments of a single renewal attempt. Succeed
// stands in for the outcome of the payment attempt.
type RenewRequest struct {
	SubscriptionID uint64
	ApprovalID     uint64
	Amount         *big.Int
	MaxRetries     uint32
	Cooldown       uint32
	CycleID        uint64
	Succeed        bool
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
