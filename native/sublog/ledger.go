package sublog

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"subledger/core/events"
	"subledger/core/types"
)

// kvStore abstracts the subset of state manager functionality required by the
// renewal log.
type kvStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// MaxDataLength bounds the free-text payload of a single entry.
const MaxDataLength = 256

// EventTypeRecorded is emitted for every appended entry.
const EventTypeRecorded = "sublog.recorded"

var (
	// ErrLogTooLong rejects entries whose payload exceeds MaxDataLength.
	ErrLogTooLong = errors.New("sublog: data too long")
	// ErrUnknownKind rejects kinds outside the supported range.
	ErrUnknownKind = errors.New("sublog: unknown event kind")

	errNilStore = errors.New("sublog: storage not configured")
)

// Kind classifies a renewal log entry.
type Kind uint8

const (
	KindReminder Kind = iota
	KindApproval
	KindRenewal
	KindFailure
	KindRetry
	KindCancellation
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k <= KindCancellation }

func (k Kind) String() string {
	switch k {
	case KindReminder:
		return "reminder"
	case KindApproval:
		return "approval"
	case KindRenewal:
		return "renewal"
	case KindFailure:
		return "failure"
	case KindRetry:
		return "retry"
	case KindCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Entry is one append-only log record.
type Entry struct {
	SubID     uint64
	Kind      Kind
	Timestamp uint64
	Data      string
}

type logEvent struct {
	evt *types.Event
}

func (e logEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e logEvent) Event() *types.Event { return e.evt }

// Ledger persists renewal log entries keyed by subscription id.
type Ledger struct {
	store   kvStore
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store kvStore) *Ledger {
	return &Ledger{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock used for entry timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil disables events.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func logKey(subID uint64) []byte {
	return []byte(fmt.Sprintf("sublog/entries/%d", subID))
}

// RecordLog appends an entry for subID.
func (l *Ledger) RecordLog(subID uint64, kind Kind, data string) (*Entry, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	if len(data) > MaxDataLength {
		return nil, ErrLogTooLong
	}
	entries, err := l.GetLogs(subID)
	if err != nil {
		return nil, err
	}
	ts := l.nowFn()
	if ts < 0 {
		ts = 0
	}
	entry := Entry{SubID: subID, Kind: kind, Timestamp: uint64(ts), Data: data}
	entries = append(entries, entry)
	if err := l.store.KVPut(logKey(subID), entries); err != nil {
		return nil, fmt.Errorf("sublog: store entries: %w", err)
	}
	l.emitter.Emit(logEvent{evt: &types.Event{Type: EventTypeRecorded, Attributes: map[string]string{
		"id":        strconv.FormatUint(subID, 10),
		"kind":      strconv.FormatUint(uint64(kind), 10),
		"kindName":  kind.String(),
		"timestamp": strconv.FormatUint(entry.Timestamp, 10),
		"index":     strconv.Itoa(len(entries) - 1),
	}}})
	return &entry, nil
}

// GetLogs returns every entry recorded for subID in insertion order. Unknown
// ids yield an empty slice.
func (l *Ledger) GetLogs(subID uint64) ([]Entry, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	var entries []Entry
	ok, err := l.store.KVGet(logKey(subID), &entries)
	if err != nil {
		return nil, fmt.Errorf("sublog: load entries: %w", err)
	}
	if !ok || entries == nil {
		return []Entry{}, nil
	}
	return entries, nil
}
