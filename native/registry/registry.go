package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"subledger/core/events"
	"subledger/core/types"
	"subledger/crypto"
)

const (
	EventTypeCreated   = "registry.subscription_created"
	EventTypeUpdated   = "registry.subscription_updated"
	EventTypeCancelled = "registry.subscription_cancelled"

	// MaxServiceIDLength bounds the normalised service identifier.
	MaxServiceIDLength = 64
)

var (
	ErrNotFound         = errors.New("registry: subscription not found")
	ErrInactive         = errors.New("registry: subscription is not active")
	ErrUnauthorized     = errors.New("registry: unauthorized")
	ErrInvalidInterval  = errors.New("registry: billing interval must be positive")
	ErrInvalidAmount    = errors.New("registry: expected amount must be positive")
	ErrInvalidRenewal   = errors.New("registry: next renewal must be positive")
	ErrInvalidServiceID = errors.New("registry: invalid service id")
	errNilState         = errors.New("registry: state not configured")
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Authorizer verifies that an address has signed the current invocation.
type Authorizer interface {
	RequireAuth(addr [20]byte) error
}

// ID identifies a metadata record.
type ID [32]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// ParseID decodes a hex-encoded identifier.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return id, fmt.Errorf("registry: decode id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("registry: id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Metadata is the descriptive record of a subscription.
type Metadata struct {
	ID              ID
	User            [20]byte
	ServiceID       string
	BillingInterval uint64
	ExpectedAmount  *big.Int
	NextRenewal     uint64
	Active          bool
}

// Update carries optional field changes. Nil fields are left untouched.
type Update struct {
	ServiceID       *string
	BillingInterval *uint64
	ExpectedAmount  *big.Int
	NextRenewal     *uint64
}

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

var (
	counterKey   = []byte("registry/counter")
	recordPrefix = "registry/record/"
	userPrefix   = "registry/user/"
)

func recordKey(id ID) []byte {
	return []byte(recordPrefix + id.String())
}

func userKey(user [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", userPrefix, user))
}

// Registry is a descriptive CRUD store for subscription metadata. It is
// independent of the renewal engine.
type Registry struct {
	state   registryState
	auth    Authorizer
	emitter events.Emitter
}

// NewRegistry constructs a registry bound to the provided state.
func NewRegistry(state registryState) *Registry {
	return &Registry{state: state, emitter: events.NoopEmitter{}}
}

// SetAuthorizer configures the signature check.
func (r *Registry) SetAuthorizer(auth Authorizer) { r.auth = auth }

// SetEmitter configures the event emitter. Passing nil disables events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) requireAuth(user [20]byte) error {
	if r.auth == nil {
		return fmt.Errorf("%w: no authorizer configured", ErrUnauthorized)
	}
	if err := r.auth.RequireAuth(user); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// NormalizeServiceID trims and NFC-normalises a service identifier.
func NormalizeServiceID(value string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(value))
	if normalized == "" || len(normalized) > MaxServiceIDLength {
		return "", ErrInvalidServiceID
	}
	return normalized, nil
}

// DeriveID builds the identifier for the counter-th record of user:
// counter (8 bytes big-endian) followed by the first 24 bytes of sha256(user).
func DeriveID(counter uint64, user [20]byte) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:8], counter)
	digest := sha256.Sum256(user[:])
	copy(id[8:], digest[:24])
	return id
}

// CreateSubscription stores a new active metadata record for user.
func (r *Registry) CreateSubscription(user [20]byte, serviceID string, billingInterval uint64, expectedAmount *big.Int, nextRenewal uint64) (*Metadata, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if billingInterval == 0 {
		return nil, ErrInvalidInterval
	}
	if expectedAmount == nil || expectedAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if nextRenewal == 0 {
		return nil, ErrInvalidRenewal
	}
	service, err := NormalizeServiceID(serviceID)
	if err != nil {
		return nil, err
	}
	if err := r.requireAuth(user); err != nil {
		return nil, err
	}
	var counter uint64
	if _, err := r.state.KVGet(counterKey, &counter); err != nil {
		return nil, err
	}
	if err := r.state.KVPut(counterKey, counter+1); err != nil {
		return nil, err
	}
	meta := &Metadata{
		ID:              DeriveID(counter, user),
		User:            user,
		ServiceID:       service,
		BillingInterval: billingInterval,
		ExpectedAmount:  new(big.Int).Set(expectedAmount),
		NextRenewal:     nextRenewal,
		Active:          true,
	}
	if err := r.state.KVPut(recordKey(meta.ID), meta); err != nil {
		return nil, fmt.Errorf("registry: store record: %w", err)
	}
	if err := r.state.KVAppend(userKey(user), meta.ID[:]); err != nil {
		return nil, fmt.Errorf("registry: index record: %w", err)
	}
	r.emit(EventTypeCreated, meta)
	return meta, nil
}

// UpdateSubscription applies the non-nil fields of upd to an active record
// owned by user.
func (r *Registry) UpdateSubscription(id ID, user [20]byte, upd Update) (*Metadata, error) {
	meta, err := r.ownedActive(id, user)
	if err != nil {
		return nil, err
	}
	if upd.ServiceID != nil {
		service, err := NormalizeServiceID(*upd.ServiceID)
		if err != nil {
			return nil, err
		}
		meta.ServiceID = service
	}
	if upd.BillingInterval != nil {
		if *upd.BillingInterval == 0 {
			return nil, ErrInvalidInterval
		}
		meta.BillingInterval = *upd.BillingInterval
	}
	if upd.ExpectedAmount != nil {
		if upd.ExpectedAmount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		meta.ExpectedAmount = new(big.Int).Set(upd.ExpectedAmount)
	}
	if upd.NextRenewal != nil {
		if *upd.NextRenewal == 0 {
			return nil, ErrInvalidRenewal
		}
		meta.NextRenewal = *upd.NextRenewal
	}
	if err := r.state.KVPut(recordKey(id), meta); err != nil {
		return nil, fmt.Errorf("registry: store record: %w", err)
	}
	r.emit(EventTypeUpdated, meta)
	return meta, nil
}

// CancelSubscription marks an active record owned by user as inactive.
func (r *Registry) CancelSubscription(id ID, user [20]byte) (*Metadata, error) {
	meta, err := r.ownedActive(id, user)
	if err != nil {
		return nil, err
	}
	meta.Active = false
	if err := r.state.KVPut(recordKey(id), meta); err != nil {
		return nil, fmt.Errorf("registry: store record: %w", err)
	}
	r.emit(EventTypeCancelled, meta)
	return meta, nil
}

// GetSubscription returns the record for id.
func (r *Registry) GetSubscription(id ID) (*Metadata, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	meta := new(Metadata)
	ok, err := r.state.KVGet(recordKey(id), meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return meta, nil
}

// GetUserSubscriptions returns the ids created by user in creation order.
func (r *Registry) GetUserSubscriptions(user [20]byte) ([]ID, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	var raw [][]byte
	if err := r.state.KVGetList(userKey(user), &raw); err != nil {
		return nil, err
	}
	ids := make([]ID, 0, len(raw))
	for _, b := range raw {
		var id ID
		copy(id[:], b)
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Registry) ownedActive(id ID, user [20]byte) (*Metadata, error) {
	meta, err := r.GetSubscription(id)
	if err != nil {
		return nil, err
	}
	if err := r.requireAuth(user); err != nil {
		return nil, err
	}
	if meta.User != user {
		return nil, fmt.Errorf("%w: not the owner", ErrUnauthorized)
	}
	if !meta.Active {
		return nil, ErrInactive
	}
	return meta, nil
}

func (r *Registry) emit(eventType string, meta *Metadata) {
	attrs := map[string]string{
		"id":        meta.ID.String(),
		"user":      crypto.AccountAddress(meta.User).String(),
		"serviceId": meta.ServiceID,
	}
	if eventType != EventTypeCancelled {
		attrs["billingInterval"] = strconv.FormatUint(meta.BillingInterval, 10)
		attrs["expectedAmount"] = meta.ExpectedAmount.String()
		attrs["nextRenewal"] = strconv.FormatUint(meta.NextRenewal, 10)
	}
	r.emitter.Emit(registryEvent{evt: &types.Event{Type: eventType, Attributes: attrs}})
}
