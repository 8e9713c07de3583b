package sink

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"coursemarket/core/events"
	"coursemarket/core/types"
)

// EventRecord is the persisted form of one emitted event. The sink is the
// off-chain reconciliation journal: ledger state itself stays in memory, but
// every purchase, refund, withdrawal and earnings change lands here.
type EventRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"index;size:64;not null"`
	Attributes string `gorm:"type:text"`
	RecordedAt time.Time
}

// Recorder persists emitted events to a sqlite journal. It implements
// events.Emitter so it can be fanned in next to the metrics collector.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open creates (or reuses) the journal at path and migrates the schema.
// Pass ":memory:" for an ephemeral journal in tests.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger, nowFn: time.Now}, nil
}

// SetNowFunc overrides the timestamp source for deterministic tests.
func (r *Recorder) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = time.Now
		return
	}
	r.nowFn = now
}

// Emit implements events.Emitter. Persistence failures are logged, never
// surfaced: the journal must not be able to abort a settled operation.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || r.db == nil || evt == nil {
		return
	}
	record := EventRecord{Type: evt.EventType(), RecordedAt: r.nowFn()}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil && payload.Attributes != nil {
			encoded, err := json.Marshal(payload.Attributes)
			if err != nil {
				r.logger.Error("encode event attributes", "type", record.Type, "error", err)
				return
			}
			record.Attributes = string(encoded)
		}
	}
	if err := r.db.Create(&record).Error; err != nil {
		r.logger.Error("persist event", "type", record.Type, "error", err)
	}
}

// ByType returns the journal entries of one event type in insertion order.
func (r *Recorder) ByType(eventType string) ([]EventRecord, error) {
	var records []EventRecord
	err := r.db.Where("type = ?", eventType).Order("id asc").Find(&records).Error
	return records, err
}

// Count reports the total number of journaled events.
func (r *Recorder) Count() (int64, error) {
	var count int64
	err := r.db.Model(&EventRecord{}).Count(&count).Error
	return count, err
}
