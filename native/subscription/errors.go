package subscription

import "errors"

var (
	errNilState = errors.New("subscription engine: state not configured")

	ErrAlreadyInitialized = errors.New("subscription: already initialized")
	ErrNotInitialized     = errors.New("subscription: not initialized")
	ErrUnauthorized       = errors.New("subscription: unauthorized")
	ErrProtocolPaused     = errors.New("subscription: protocol paused")
	ErrFeeOutOfRange      = errors.New("subscription: fee percentage exceeds 100%")

	ErrInvalidAmount    = errors.New("subscription: amount must be positive")
	ErrAmountOverflow   = errors.New("subscription: amount exceeds 128-bit range")
	ErrInvalidFrequency = errors.New("subscription: frequency must be positive")
	ErrInvalidTimeout   = errors.New("subscription: lock timeout must be positive")

	ErrSubscriptionExists    = errors.New("subscription: already exists")
	ErrSubscriptionNotFound  = errors.New("subscription: not found")
	ErrSubscriptionFailed    = errors.New("subscription: subscription failed")
	ErrSubscriptionCancelled = errors.New("subscription: subscription cancelled")
	ErrInvalidTransition     = errors.New("subscription: invalid state transition")

	ErrApprovalNotFound       = errors.New("subscription: approval not found")
	ErrApprovalUsed           = errors.New("subscription: approval already used")
	ErrApprovalExpired        = errors.New("subscription: approval expired")
	ErrApprovalAmountExceeded = errors.New("subscription: amount exceeds approval")

	ErrLockActive      = errors.New("subscription: lock active")
	ErrLockRequired    = errors.New("subscription: lock required")
	ErrLockExpired     = errors.New("subscription: lock expired")
	ErrNoLockToRelease = errors.New("subscription: no lock to release")

	ErrIntegrityViolation = errors.New("subscription: integrity violation")
	ErrDuplicateCycle     = errors.New("subscription: duplicate cycle")
	ErrCooldownActive     = errors.New("subscription: cooldown active")

	ErrAgentsUnavailable = errors.New("subscription: agent registry not configured")
)

// RejectReason explains why an approval could not be consumed.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectNotFound
	RejectUsed
	RejectExpired
	RejectAmountExceeded
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectNotFound:
		return "not_found"
	case RejectUsed:
		return "used"
	case RejectExpired:
		return "expired"
	case RejectAmountExceeded:
		return "amount_exceeded"
	default:
		return "unknown"
	}
}

// Err maps the reason to its sentinel error. RejectNone maps to nil.
func (r RejectReason) Err() error {
	switch r {
	case RejectNone:
		return nil
	case RejectNotFound:
		return ErrApprovalNotFound
	case RejectUsed:
		return ErrApprovalUsed
	case RejectExpired:
		return ErrApprovalExpired
	case RejectAmountExceeded:
		return ErrApprovalAmountExceeded
	default:
		return errors.New("subscription: approval rejected")
	}
}
