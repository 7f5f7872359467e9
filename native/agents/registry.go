package agents

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"subledger/core/events"
	"subledger/core/types"
	"subledger/crypto"
	"subledger/native/common"
)

// Scope is a permission bit granted to an agent.
type Scope uint32

const (
	ScopeRenewals  Scope = 1
	ScopeGiftCards Scope = 2
	ScopeApprovals Scope = 4

	allScopes = ScopeRenewals | ScopeGiftCards | ScopeApprovals
)

func (s Scope) String() string {
	switch s {
	case ScopeRenewals:
		return "renewals"
	case ScopeGiftCards:
		return "gift_cards"
	case ScopeApprovals:
		return "approvals"
	default:
		return "scope(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}

// ParseScope maps a scope name onto its bit.
func ParseScope(name string) (Scope, error) {
	switch name {
	case "renewals":
		return ScopeRenewals, nil
	case "gift_cards", "giftcards":
		return ScopeGiftCards, nil
	case "approvals":
		return ScopeApprovals, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidScope, name)
	}
}

const (
	EventTypeRegistered    = "agents.registered"
	EventTypeScopesUpdated = "agents.scopes_updated"
	EventTypeRevoked       = "agents.revoked"
	EventTypeQuotaUpdated  = "agents.quota_updated"
)

var (
	ErrAlreadyInitialized = errors.New("agents: already initialized")
	ErrNotInitialized     = errors.New("agents: not initialized")
	ErrUnauthorized       = errors.New("agents: unauthorized")
	ErrInvalidScope       = errors.New("agents: invalid scope")
	ErrMissingScope       = errors.New("agents: missing scope")
	ErrQuotaExceeded      = errors.New("agents: quota exceeded")

	errNilState = errors.New("agents: state not configured")
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Authorizer verifies that an address has signed the current invocation.
type Authorizer interface {
	RequireAuth(addr [20]byte) error
}

// Agent is the stored permission record for a delegated caller.
type Agent struct {
	Address [20]byte
	Scopes  uint32
	Quota   common.Quota
	Usage   common.QuotaNow
}

// HasScope reports whether every bit of scope is granted.
func (a *Agent) HasScope(scope Scope) bool {
	return a != nil && scope != 0 && Scope(a.Scopes)&scope == scope
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
	adminKey    = []byte("agents/admin")
	agentPrefix = "agents/agent/"
)

func agentKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", agentPrefix, addr))
}

// Registry maps agent accounts to permission bitmasks and renewal quotas.
type Registry struct {
	state    registryState
	auth     Authorizer
	emitter  events.Emitter
	heightFn func() uint32
}

// NewRegistry constructs a registry bound to the provided state.
func NewRegistry(state registryState) *Registry {
	return &Registry{state: state, emitter: events.NoopEmitter{}}
}

// SetAuthorizer configures the signature check.
func (r *Registry) SetAuthorizer(auth Authorizer) { r.auth = auth }

// SetHeightFunc configures the ledger height source used for quota epochs.
func (r *Registry) SetHeightFunc(height func() uint32) { r.heightFn = height }

// SetEmitter configures the event emitter. Passing nil disables events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(eventType string, agent *Agent) {
	attrs := map[string]string{}
	if agent != nil {
		attrs["agent"] = crypto.AccountAddress(agent.Address).String()
		attrs["scopes"] = strconv.FormatUint(uint64(agent.Scopes), 10)
	}
	r.emitter.Emit(registryEvent{evt: &types.Event{Type: eventType, Attributes: attrs}})
}

func (r *Registry) requireAuth(addr [20]byte) error {
	if r.auth == nil {
		return fmt.Errorf("%w: no authorizer configured", ErrUnauthorized)
	}
	if err := r.auth.RequireAuth(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// Admin returns the registry admin.
func (r *Registry) Admin() ([20]byte, error) {
	if r == nil || r.state == nil {
		return [20]byte{}, errNilState
	}
	var admin [20]byte
	ok, err := r.state.KVGet(adminKey, &admin)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrNotInitialized
	}
	return admin, nil
}

func (r *Registry) requireAdmin() error {
	admin, err := r.Admin()
	if err != nil {
		return err
	}
	return r.requireAuth(admin)
}

// Init stores the registry admin. The admin must sign.
func (r *Registry) Init(admin [20]byte) error {
	if _, err := r.Admin(); err == nil {
		return ErrAlreadyInitialized
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}
	if err := r.requireAuth(admin); err != nil {
		return err
	}
	return r.state.KVPut(adminKey, admin)
}

// Agent returns the stored record for addr.
func (r *Registry) Agent(addr [20]byte) (*Agent, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errNilState
	}
	agent := new(Agent)
	ok, err := r.state.KVGet(agentKey(addr), agent)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return agent, true, nil
}

func (r *Registry) putAgent(agent *Agent) error {
	if err := r.state.KVPut(agentKey(agent.Address), agent); err != nil {
		return fmt.Errorf("agents: store agent: %w", err)
	}
	return nil
}

// Register adds addr with no scopes. Admin only. Registering an existing agent
// keeps its scopes.
func (r *Registry) Register(addr [20]byte) (*Agent, error) {
	if err := r.requireAdmin(); err != nil {
		return nil, err
	}
	agent, ok, err := r.Agent(addr)
	if err != nil {
		return nil, err
	}
	if ok {
		return agent, nil
	}
	agent = &Agent{Address: addr}
	if err := r.putAgent(agent); err != nil {
		return nil, err
	}
	r.emit(EventTypeRegistered, agent)
	return agent, nil
}

// UpdateScopes replaces the permission mask of a registered agent. Admin only.
func (r *Registry) UpdateScopes(addr [20]byte, mask uint32) (*Agent, error) {
	if mask&^uint32(allScopes) != 0 {
		return nil, ErrInvalidScope
	}
	if err := r.requireAdmin(); err != nil {
		return nil, err
	}
	agent, ok, err := r.Agent(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	agent.Scopes = mask
	if err := r.putAgent(agent); err != nil {
		return nil, err
	}
	r.emit(EventTypeScopesUpdated, agent)
	return agent, nil
}

// SetQuota configures the renewal quota of a registered agent. Admin only.
func (r *Registry) SetQuota(addr [20]byte, quota common.Quota) (*Agent, error) {
	if err := r.requireAdmin(); err != nil {
		return nil, err
	}
	agent, ok, err := r.Agent(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	agent.Quota = quota
	agent.Usage = common.QuotaNow{}
	if err := r.putAgent(agent); err != nil {
		return nil, err
	}
	r.emit(EventTypeQuotaUpdated, agent)
	return agent, nil
}

// Revoke removes addr from the registry. Admin only.
func (r *Registry) Revoke(addr [20]byte) error {
	if err := r.requireAdmin(); err != nil {
		return err
	}
	agent, ok, err := r.Agent(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	if err := r.state.KVDelete(agentKey(addr)); err != nil {
		return err
	}
	r.emit(EventTypeRevoked, agent)
	return nil
}

// IsAuthorized reports whether addr is a registered agent.
func (r *Registry) IsAuthorized(addr [20]byte) (bool, error) {
	_, ok, err := r.Agent(addr)
	return ok, err
}

// HasScope reports whether addr is registered and holds scope.
func (r *Registry) HasScope(addr [20]byte, scope Scope) (bool, error) {
	agent, ok, err := r.Agent(addr)
	if err != nil || !ok {
		return false, err
	}
	return agent.HasScope(scope), nil
}

// RequireScope fails unless addr signed the invocation, is registered and
// holds scope.
func (r *Registry) RequireScope(addr [20]byte, scope Scope) error {
	if err := r.requireAuth(addr); err != nil {
		return err
	}
	agent, ok, err := r.Agent(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: agent not registered", ErrUnauthorized)
	}
	if !agent.HasScope(scope) {
		return fmt.Errorf("%w: %s", ErrMissingScope, scope)
	}
	return nil
}

// ChargeQuota records one renewal of amount against the agent's quota for the
// current epoch.
func (r *Registry) ChargeQuota(addr [20]byte, amount *big.Int) error {
	agent, ok, err := r.Agent(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: agent not registered", ErrUnauthorized)
	}
	if amount == nil || amount.Sign() < 0 || !amount.IsUint64() {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, common.ErrQuotaCounterOverflow)
	}
	var height uint32
	if r.heightFn != nil {
		height = r.heightFn()
	}
	next, err := common.CheckQuota(agent.Quota, agent.Quota.Epoch(height), agent.Usage, 1, amount.Uint64())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	agent.Usage = next
	return r.putAgent(agent)
}
