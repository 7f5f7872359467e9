package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subledger/core/events"
	"subledger/core/genesis"
	"subledger/core/state"
	"subledger/core/types"
	"subledger/observability"
	telemetry "subledger/observability/otel"
	"subledger/storage"
)

var metaKey = []byte("ledger/meta")

func replayKey(digest [32]byte) []byte {
	return []byte(fmt.Sprintf("ledger/replay/%x", digest))
}

func eventKey(sequence uint64) []byte {
	return []byte(fmt.Sprintf("ledger/events/%020d", sequence))
}

// chainMeta is the persisted ledger header.
type chainMeta struct {
	ChainID         string
	Height          uint32
	Sequence        uint64
	Collaborator    [20]byte
	HasCollaborator bool
}

// Node is the ledger host. Every state-changing invocation runs behind stateMu
// against a fresh journaled state manager and either commits completely or
// leaves no trace.
type Node struct {
	db      storage.Database
	stateMu sync.Mutex
	meta    chainMeta
	booted  bool
	nowFn   func() int64
	logger  *slog.Logger
	metrics *observability.LedgerMetrics

	subsMu      sync.RWMutex
	subscribers map[uint64]chan types.LoggedEvent
	nextSubID   uint64
}

// NewNode opens a ledger over db, restoring the persisted header when the
// database has already been bootstrapped.
func NewNode(db storage.Database) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database must not be nil")
	}
	n := &Node{
		db:          db,
		nowFn:       func() int64 { return time.Now().Unix() },
		logger:      slog.Default(),
		metrics:     observability.Ledger(),
		subscribers: make(map[uint64]chan types.LoggedEvent),
	}
	manager := state.NewManager(db)
	var meta chainMeta
	ok, err := manager.KVGet(metaKey, &meta)
	if err != nil {
		return nil, fmt.Errorf("ledger: load header: %w", err)
	}
	if ok {
		n.meta = meta
		n.booted = true
		n.metrics.SetHeight(meta.Height)
	}
	return n, nil
}

// SetNowFunc overrides the epoch clock used for audit timestamps.
func (n *Node) SetNowFunc(now func() int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

// SetLogger overrides the structured logger. Nil restores slog.Default().
func (n *Node) SetLogger(logger *slog.Logger) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	n.logger = logger
}

// ApplyGenesis seeds an empty ledger. Re-applying a genesis with the stored
// chain id is a no-op so restarts can pass the same file.
func (n *Node) ApplyGenesis(spec *genesis.GenesisSpec) error {
	if spec == nil {
		return fmt.Errorf("ledger: genesis spec must not be nil")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.booted {
		if n.meta.ChainID != spec.ChainID {
			return fmt.Errorf("%w: stored %q, genesis %q", ErrGenesisMismatch, n.meta.ChainID, spec.ChainID)
		}
		return nil
	}

	manager := state.NewManager(n.db)
	buf := &events.Buffer{}
	if err := genesis.Apply(spec, manager, buf); err != nil {
		manager.Discard()
		return err
	}
	meta := chainMeta{ChainID: spec.ChainID, Height: spec.InitialHeight}
	meta.Collaborator, meta.HasCollaborator = spec.Collaborator()
	logged, err := appendEventLog(manager, &meta, buf.Events(), "")
	if err != nil {
		manager.Discard()
		return err
	}
	if err := manager.KVPut(metaKey, &meta); err != nil {
		manager.Discard()
		return err
	}
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("ledger: commit genesis: %w", err)
	}
	n.meta = meta
	n.booted = true
	n.metrics.SetHeight(meta.Height)
	n.publish(logged)
	n.logger.Info("genesis applied",
		slog.String("chainId", meta.ChainID),
		slog.Uint64("height", uint64(meta.Height)),
		slog.Int("events", len(logged)))
	return nil
}

// Bootstrapped reports whether genesis has been applied to the store.
func (n *Node) Bootstrapped() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.booted
}

// ChainID returns the bootstrapped chain identifier.
func (n *Node) ChainID() string {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.meta.ChainID
}

// Height returns the current ledger height.
func (n *Node) Height() uint32 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.meta.Height
}

// Sequence returns the sequence number of the last logged event.
func (n *Node) Sequence() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.meta.Sequence
}

// AdvanceHeight moves the ledger forward by delta and persists the header.
func (n *Node) AdvanceHeight(delta uint32) (uint32, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.booted {
		return 0, ErrNotBootstrapped
	}
	if uint64(n.meta.Height)+uint64(delta) > math.MaxUint32 {
		return n.meta.Height, fmt.Errorf("ledger: height overflow")
	}
	meta := n.meta
	meta.Height += delta
	if err := n.storeMeta(meta); err != nil {
		return n.meta.Height, err
	}
	return meta.Height, nil
}

// SetHeight jumps to an absolute height. Heights never move backwards.
func (n *Node) SetHeight(height uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.booted {
		return ErrNotBootstrapped
	}
	if height < n.meta.Height {
		return fmt.Errorf("ledger: height %d is below current %d", height, n.meta.Height)
	}
	meta := n.meta
	meta.Height = height
	return n.storeMeta(meta)
}

// ProduceBlock advances the ledger by a single height.
func (n *Node) ProduceBlock() (uint32, error) {
	return n.AdvanceHeight(1)
}

// Run produces a block every interval until ctx is cancelled.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("ledger: block interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := n.ProduceBlock(); err != nil {
				n.logger.Error("produce block failed", slog.Any("error", err))
				return err
			}
		}
	}
}

func (n *Node) storeMeta(meta chainMeta) error {
	manager := state.NewManager(n.db)
	if err := manager.KVPut(metaKey, &meta); err != nil {
		return err
	}
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("ledger: persist header: %w", err)
	}
	n.meta = meta
	n.metrics.SetHeight(meta.Height)
	return nil
}

// Apply executes a signed invocation. Invocations that cannot be dispatched
// (unknown method, bad signatures, wrong chain, replay) return only an error.
// Invocations that reach the engine always return a receipt; when the engine
// aborts, the receipt is marked aborted and the abort cause is also returned
// as the error so callers can classify it with errors.Is.
func (n *Node) Apply(ctx context.Context, inv *types.Invocation) (*types.Receipt, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil invocation", ErrInvalidParams)
	}
	_, span := telemetry.Tracer().Start(ctx, "ledger.apply",
		trace.WithAttributes(attribute.String("ledger.method", inv.Method)))
	defer span.End()

	start := time.Now()
	receipt, err := n.apply(inv)
	status := "rejected"
	if receipt != nil {
		status = string(receipt.Status)
		span.SetAttributes(
			attribute.String("ledger.digest", receipt.Digest),
			attribute.Int64("ledger.height", int64(receipt.Height)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	n.metrics.ObserveInvocation(inv.Method, status, time.Since(start))
	return receipt, err
}

func (n *Node) apply(inv *types.Invocation) (*types.Receipt, error) {
	digest, err := inv.Digest()
	if err != nil {
		return nil, err
	}
	handler, ok := handlers[inv.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, inv.Method)
	}
	signers, err := inv.Signers()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if !n.booted {
		return nil, ErrNotBootstrapped
	}
	if inv.ChainID != n.meta.ChainID {
		return nil, fmt.Errorf("%w: got %q", ErrChainIDMismatch, inv.ChainID)
	}
	manager := state.NewManager(n.db)
	seen, err := manager.KVHas(replayKey(digest))
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrReplayedInvocation
	}

	call := newInvocation(n, manager, signers)
	receipt := &types.Receipt{
		Digest: hex.EncodeToString(digest[:]),
		Method: inv.Method,
		Height: n.meta.Height,
	}

	result, callErr := handler(call, inv.Params)
	if callErr != nil {
		manager.Discard()
		receipt.Status = types.ReceiptAborted
		receipt.Error = callErr.Error()
		receipt.Diagnostics = call.events.Events()
		n.logger.Info("invocation aborted",
			slog.String("method", inv.Method),
			slog.String("digest", receipt.Digest),
			slog.Uint64("height", uint64(receipt.Height)),
			slog.Any("error", callErr))
		return receipt, callErr
	}

	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			manager.Discard()
			return nil, fmt.Errorf("ledger: encode result: %w", err)
		}
		receipt.Result = encoded
	}
	if err := manager.KVPut(replayKey(digest), n.meta.Height); err != nil {
		manager.Discard()
		return nil, err
	}
	meta := n.meta
	emitted := call.events.Events()
	logged, err := appendEventLog(manager, &meta, emitted, receipt.Digest)
	if err != nil {
		manager.Discard()
		return nil, err
	}
	if err := manager.KVPut(metaKey, &meta); err != nil {
		manager.Discard()
		return nil, err
	}
	if err := manager.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	n.meta = meta
	receipt.Status = types.ReceiptCommitted
	receipt.Events = emitted
	for _, hook := range call.onCommit {
		hook()
	}
	n.publish(logged)
	return receipt, nil
}

func appendEventLog(manager *state.Manager, meta *chainMeta, emitted []types.Event, digest string) ([]types.LoggedEvent, error) {
	logged := make([]types.LoggedEvent, 0, len(emitted))
	for _, evt := range emitted {
		meta.Sequence++
		entry := types.LoggedEvent{Sequence: meta.Sequence, Height: meta.Height, Digest: digest, Event: evt}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode event: %w", err)
		}
		if err := manager.KVPut(eventKey(entry.Sequence), encoded); err != nil {
			return nil, err
		}
		logged = append(logged, entry)
	}
	return logged, nil
}

// Events returns up to limit logged events starting at sequence from.
func (n *Node) Events(from uint64, limit int) ([]types.LoggedEvent, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = 100
	}
	manager := state.NewManager(n.db)
	out := make([]types.LoggedEvent, 0)
	for seq := from; seq <= n.meta.Sequence && len(out) < limit; seq++ {
		var raw []byte
		ok, err := manager.KVGet(eventKey(seq), &raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var entry types.LoggedEvent
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("ledger: decode event %d: %w", seq, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// SubscribeEvents registers a listener for committed events. Slow listeners
// lose events once their buffer fills. The returned function unsubscribes.
func (n *Node) SubscribeEvents(buffer int) (<-chan types.LoggedEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.LoggedEvent, buffer)
	n.subsMu.Lock()
	id := n.nextSubID
	n.nextSubID++
	n.subscribers[id] = ch
	n.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.subsMu.Lock()
			delete(n.subscribers, id)
			n.subsMu.Unlock()
			close(ch)
		})
	}
}

func (n *Node) publish(logged []types.LoggedEvent) {
	for _, entry := range logged {
		n.metrics.RecordEvent(entry.Type)
	}
	n.subsMu.RLock()
	defer n.subsMu.RUnlock()
	for id, ch := range n.subscribers {
		for _, entry := range logged {
			select {
			case ch <- entry:
			default:
				n.logger.Warn("event subscriber lagging, dropping event",
					slog.Uint64("subscriber", id),
					slog.Uint64("sequence", entry.Sequence))
			}
		}
	}
}
