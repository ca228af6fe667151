package syncqueue

import (
	"time"

	"gorm.io/datatypes"
)

// Operation enumerates the mutations a queued change can carry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is one of create, update or delete.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// Status tracks an entry through its delivery lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
	StatusComplete Status = "complete"
)

// Entry is a persisted pending mutation with retry bookkeeping.
type Entry struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType      string         `gorm:"column:entity_type;size:64;not null"`
	Operation       Operation      `gorm:"column:operation;size:16;not null"`
	Payload         datatypes.JSON `gorm:"column:payload;not null"`
	Status          Status         `gorm:"column:status;size:16;not null;index:idx_queue_eligible,priority:1"`
	RetryCount      int            `gorm:"column:retry_count;not null;default:0"`
	NextRetryAtMs   int64          `gorm:"column:next_retry_at_ms;not null;index:idx_queue_eligible,priority:2"`
	LastError       string         `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64          `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_queue_entries"
}

// NextRetryAt returns the earliest time the entry becomes eligible again.
func (e Entry) NextRetryAt() time.Time {
	return time.UnixMilli(e.NextRetryAtMs).UTC()
}

// CreatedAt returns the enqueue time.
func (e Entry) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtMillis).UTC()
}

// Stats summarises the queue for dashboards and the sync state.
type Stats struct {
	Pending       int64      `json:"pending"`
	Failed        int64      `json:"failed"`
	Complete      int64      `json:"complete"`
	OldestPending *time.Time `json:"oldestPending"`
}
