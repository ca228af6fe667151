package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/database"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	fieldQueueIDs    = "queue_ids"
	queryIDIn        = "id IN ?"
	queryEligible    = "status = ? AND next_retry_at_ms <= ?"
	queryStatus      = "status = ?"
	orderIDAsc       = "id ASC"
	maxErrorMessage  = 2048
	reasonClosed     = "closed"
	reasonQuery      = "query_failed"
	reasonInsert     = "insert_failed"
	reasonUpdate     = "update_failed"
	reasonEncode     = "payload_encode_failed"
	reasonValidation = "invalid_entry"
)

// Config describes how to open the durable queue.
type Config struct {
	// Path is the SQLite file backing the queue.
	Path    string
	Backoff Backoff
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Queue is a persistent FIFO of pending entity mutations.
type Queue struct {
	mu      sync.RWMutex
	db      *gorm.DB
	closed  bool
	backoff Backoff
	clock   func() time.Time
	logger  *zap.Logger
}

// Schema returns the models the queue stores.
func Schema() database.Schema {
	return database.Schema{Models: []any{&Entry{}}}
}

// Open opens (creating when needed) the queue database at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	db, err := database.OpenSQLite(cfg.Path, Schema(), cfg.Logger)
	if err != nil {
		return nil, newQueueError(opOpen, "database_open_failed", err)
	}
	return newQueue(db, cfg), nil
}

func newQueue(db *gorm.DB, cfg Config) *Queue {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:      db,
		backoff: cfg.Backoff,
		clock:   clock,
		logger:  logger,
	}
}

// Enqueue stores a change and returns its id. Payload may be pre-serialized JSON
// (string, []byte, json.RawMessage) or any value encoding/json can marshal.
func (q *Queue) Enqueue(ctx context.Context, entityType string, operation Operation, payload any) (int64, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return 0, newQueueError(opEnqueue, reasonValidation, ErrMissingEntityType)
	}
	if !operation.Valid() {
		return 0, newQueueError(opEnqueue, reasonValidation, ErrInvalidOperation)
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return 0, newQueueError(opEnqueue, reasonEncode, err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, newQueueError(opEnqueue, reasonClosed, ErrQueueClosed)
	}

	nowMs := q.clock().UTC().UnixMilli()
	entry := Entry{
		EntityType:      entityType,
		Operation:       operation,
		Payload:         encoded,
		Status:          StatusPending,
		NextRetryAtMs:   nowMs,
		CreatedAtMillis: nowMs,
		UpdatedAtMillis: nowMs,
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		q.logger.Error("queue insert failed", zap.String("entity_type", entityType), zap.Error(err))
		return 0, newQueueError(opEnqueue, reasonInsert, err)
	}
	return entry.ID, nil
}

// Dequeue returns up to maxBatch eligible pending entries in id order without
// changing their status.
func (q *Queue) Dequeue(ctx context.Context, maxBatch int) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, newQueueError(opDequeue, reasonClosed, ErrQueueClosed)
	}
	if maxBatch <= 0 {
		return []Entry{}, nil
	}

	entries := make([]Entry, 0, maxBatch)
	err := q.db.WithContext(ctx).
		Where(queryEligible, StatusPending, q.clock().UTC().UnixMilli()).
		Order(orderIDAsc).
		Limit(maxBatch).
		Find(&entries).Error
	if err != nil {
		return nil, newQueueError(opDequeue, reasonQuery, err)
	}
	return entries, nil
}

// MarkComplete finalises the given entries. Repeated calls are harmless.
func (q *Queue) MarkComplete(ctx context.Context, ids []int64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return newQueueError(opMarkComplete, reasonClosed, ErrQueueClosed)
	}
	if len(ids) == 0 {
		return nil
	}

	err := q.db.WithContext(ctx).
		Model(&Entry{}).
		Where(queryIDIn, ids).
		Updates(map[string]any{
			"status":        StatusComplete,
			"updated_at_ms": q.clock().UTC().UnixMilli(),
		}).Error
	if err != nil {
		q.logger.Error("queue mark complete failed", zap.Int64s(fieldQueueIDs, ids), zap.Error(err))
		return newQueueError(opMarkComplete, reasonUpdate, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. Entries keep retrying with
// backoff until they exceed MaxRetries, then they are parked as failed.
func (q *Queue) MarkFailed(ctx context.Context, ids []int64, errorMessage string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return newQueueError(opMarkFailed, reasonClosed, ErrQueueClosed)
	}
	if len(ids) == 0 {
		return nil
	}
	if len(errorMessage) > maxErrorMessage {
		errorMessage = errorMessage[:maxErrorMessage]
	}

	now := q.clock().UTC()
	exhausted := make([]int64, 0)
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []Entry
		if err := tx.Where(queryIDIn, ids).Where(queryStatus, StatusPending).Find(&entries).Error; err != nil {
			return err
		}
		for _, entry := range entries {
			retryCount := entry.RetryCount + 1
			updates := map[string]any{
				"retry_count":   retryCount,
				"last_error":    errorMessage,
				"updated_at_ms": now.UnixMilli(),
			}
			if retryCount > MaxRetries {
				updates["status"] = StatusFailed
				exhausted = append(exhausted, entry.ID)
			} else {
				updates["next_retry_at_ms"] = now.Add(q.backoff.Delay(retryCount)).UnixMilli()
			}
			if err := tx.Model(&Entry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Error("queue mark failed failed", zap.Int64s(fieldQueueIDs, ids), zap.Error(err))
		return newQueueError(opMarkFailed, reasonUpdate, err)
	}
	if len(exhausted) > 0 {
		q.logger.Error("queue entries exhausted retries",
			zap.Int64s(fieldQueueIDs, exhausted),
			zap.Int("max_retries", MaxRetries),
			zap.String("last_error", errorMessage))
	}
	return nil
}

// Stats reports entry counts per status and the oldest pending enqueue time.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Stats{}, newQueueError(opStats, reasonClosed, ErrQueueClosed)
	}

	type statusCount struct {
		Status Status
		Count  int64
	}
	var counts []statusCount
	if err := q.db.WithContext(ctx).
		Model(&Entry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return Stats{}, newQueueError(opStats, reasonQuery, err)
	}

	stats := Stats{}
	for _, row := range counts {
		switch row.Status {
		case StatusPending:
			stats.Pending = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		case StatusComplete:
			stats.Complete = row.Count
		}
	}

	if stats.Pending > 0 {
		var oldest sql.NullInt64
		if err := q.db.WithContext(ctx).
			Model(&Entry{}).
			Select("MIN(created_at_ms)").
			Where(queryStatus, StatusPending).
			Row().
			Scan(&oldest); err != nil {
			return Stats{}, newQueueError(opStats, reasonQuery, err)
		}
		if oldest.Valid {
			oldestAt := time.UnixMilli(oldest.Int64).UTC()
			stats.OldestPending = &oldestAt
		}
	}
	return stats, nil
}

// FailedEntries lists entries that exhausted their retries, newest first.
func (q *Queue) FailedEntries(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, newQueueError(opFailed, reasonClosed, ErrQueueClosed)
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	if err := q.db.WithContext(ctx).
		Where(queryStatus, StatusFailed).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, newQueueError(opFailed, reasonQuery, err)
	}
	return entries, nil
}

// Clear deletes every entry. Only reset tooling calls this.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return newQueueError(opClear, reasonClosed, ErrQueueClosed)
	}
	if err := q.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Entry{}).Error; err != nil {
		return newQueueError(opClear, "delete_failed", err)
	}
	q.logger.Warn("offline queue cleared")
	return nil
}

// Close releases the storage handle. Later calls fail with ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return database.Close(q.db)
}

func encodePayload(payload any) (datatypes.JSON, error) {
	switch value := payload.(type) {
	case nil:
		return datatypes.JSON("null"), nil
	case json.RawMessage:
		return encodeRaw([]byte(value))
	case []byte:
		return encodeRaw(value)
	case string:
		return encodeRaw([]byte(value))
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(encoded), nil
	}
}

// encodeRaw keeps valid JSON verbatim and wraps anything else as a JSON string.
func encodeRaw(raw []byte) (datatypes.JSON, error) {
	if json.Valid(raw) {
		return datatypes.JSON(append([]byte(nil), raw...)), nil
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}
