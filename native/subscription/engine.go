package subscription

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"subledger/core/events"
	"subledger/core/types"
	"subledger/native/agents"
	"subledger/native/common"
	"subledger/native/sublog"
)

// ModuleName identifies the subscription module for pause checks and metrics.
const ModuleName = "subscription"

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVHas(key []byte) (bool, error)
	KVDelete(key []byte) error
	Snapshot() int
	RevertToSnapshot(id int)
}

// Authorizer verifies that an address has signed the current invocation.
type Authorizer interface {
	RequireAuth(addr [20]byte) error
}

// LogSink forwards renewal log entries to the configured logging collaborator.
// The engine isolates every call: a failing sink never aborts the caller.
type LogSink interface {
	RecordLog(contract [20]byte, subID uint64, kind sublog.Kind, data string) error
}

// AgentGate enforces scoped delegation for agent-submitted operations.
type AgentGate interface {
	RequireScope(agent [20]byte, scope agents.Scope) error
	ChargeQuota(agent [20]byte, amount *big.Int) error
}

type subscriptionEvent struct {
	evt *types.Event
}

func (e subscriptionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e subscriptionEvent) Event() *types.Event { return e.evt }

// Engine implements the subscription renewal state machine on top of the
// ledger's key/value state. A fresh engine is wired for every invocation; all
// writes go to the journaled state and are kept or dropped by the host.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	auth     Authorizer
	logs     LogSink
	agents   AgentGate
	logger   *slog.Logger
	heightFn func() uint32
	nowFn    func() int64
}

// NewEngine creates a subscription engine with a no-op emitter and wall-clock
// time source. Callers must configure state, authorizer and height.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAuthorizer configures the signature check used for owner and admin
// operations.
func (e *Engine) SetAuthorizer(auth Authorizer) { e.auth = auth }

// SetLogSink configures the logging collaborator bridge.
func (e *Engine) SetLogSink(sink LogSink) { e.logs = sink }

// SetAgents configures the agent registry gate.
func (e *Engine) SetAgents(gate AgentGate) { e.agents = gate }

// SetLogger overrides the structured logger. Passing nil restores the default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		e.logger = slog.Default()
		return
	}
	e.logger = logger
}

// SetHeightFunc configures the source of the current ledger height.
func (e *Engine) SetHeightFunc(height func() uint32) { e.heightFn = height }

// SetNowFunc overrides the wall clock used for audit timestamps. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(subscriptionEvent{evt: event})
}

func (e *Engine) height() uint32 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) requireAuth(addr [20]byte) error {
	if e.auth == nil {
		return fmt.Errorf("%w: no authorizer configured", ErrUnauthorized)
	}
	if err := e.auth.RequireAuth(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// guard fails with ErrProtocolPaused when the global pause flag is set. An
// uninitialised protocol is never paused.
func (e *Engine) guard() error {
	cfg, ok, err := e.loadConfig()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := common.Guard(cfg, ModuleName); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolPaused, err)
	}
	return nil
}

// logEntry forwards an entry to the logging collaborator inside a nested
// snapshot. Failures are reverted and reported but never propagated.
func (e *Engine) logEntry(subID uint64, kind sublog.Kind, data string) {
	if e.logs == nil {
		return
	}
	cfg, ok, err := e.loadConfig()
	if err != nil || !ok || !cfg.HasLoggingContract() {
		return
	}
	snap := e.state.Snapshot()
	if err := e.logs.RecordLog(cfg.LoggingContract, subID, kind, data); err != nil {
		e.state.RevertToSnapshot(snap)
		e.logger.Warn("subscription log call failed",
			slog.Uint64("subscription", subID),
			slog.String("kind", kind.String()),
			slog.Any("error", err))
	}
}

// validateAmount enforces the positive signed 128-bit range used for amounts.
func validateAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if v.Cmp(maxAmount) > 0 {
		return ErrAmountOverflow
	}
	return nil
}

var maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
