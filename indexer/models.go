package indexer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"subledger/core/types"
)

// EventRecord is the SQL row for one committed ledger event.
type EventRecord struct {
	Sequence   uint64  `gorm:"primaryKey;autoIncrement:false"`
	Height     uint32  `gorm:"index"`
	Digest     string  `gorm:"index;size:64"`
	Type       string  `gorm:"index;size:96"`
	Module     string  `gorm:"index;size:32"`
	SubID      *uint64 `gorm:"index"`
	Attributes string  `gorm:"type:text"`
	IndexedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (EventRecord) TableName() string { return "ledger_events" }

// Cursor stores the highest sequence the index has persisted.
type Cursor struct {
	Name     string `gorm:"primaryKey;size:32"`
	Sequence uint64
}

func (Cursor) TableName() string { return "indexer_cursors" }

// AutoMigrate creates or updates the index schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &Cursor{})
}

func recordFromEvent(evt types.LoggedEvent, now time.Time) (EventRecord, error) {
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return EventRecord{}, err
	}
	rec := EventRecord{
		Sequence:   evt.Sequence,
		Height:     evt.Height,
		Digest:     evt.Digest,
		Type:       evt.Type,
		Attributes: string(raw),
		IndexedAt:  now.UTC(),
	}
	if dot := strings.IndexByte(evt.Type, '.'); dot > 0 {
		rec.Module = evt.Type[:dot]
	}
	// Renewal engine and collaborator log events key the subscription as a
	// decimal "id". Metadata registry ids are hex and stay unindexed.
	if rec.Module == "subscription" || rec.Module == "sublog" {
		if id, err := strconv.ParseUint(attrs["id"], 10, 64); err == nil {
			rec.SubID = &id
		}
	}
	return rec, nil
}

func (r EventRecord) event() (types.LoggedEvent, error) {
	out := types.LoggedEvent{Sequence: r.Sequence, Height: r.Height, Digest: r.Digest}
	out.Type = r.Type
	out.Attributes = map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &out.Attributes); err != nil {
			return types.LoggedEvent{}, err
		}
	}
	return out, nil
}
