package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/database"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew       = "cloud.new"
	opApplyPush        = "cloud.apply_push"
	opPull             = "cloud.pull"
	opApplyRecord      = "cloud.apply_record"
	opHeartbeat        = "cloud.heartbeat"
	opScheduleUpgrade  = "cloud.schedule_upgrade"
	opListDevices      = "cloud.list_devices"
	defaultPullLimit   = 1000
	reasonUnknownType  = "unknown_type"
	reasonInvalidAct   = "invalid_action"
	reasonInvalidData  = "invalid_data"
	reasonInvalidID    = "invalid_id"
	reasonSiteMismatch = "site_mismatch"
	reasonUpsertFailed = "upsert_failed"
)

var (
	errMissingDatabase = errors.New("cloud: database handle required")
	errMissingSiteID   = errors.New("cloud: site id required")
	errMissingVersion  = errors.New("cloud: target version required")
	// ErrBatchTooLarge rejects pushes above syncwire.MaxPushBatch.
	ErrBatchTooLarge = errors.New("cloud: push batch too large")
)

// ServiceError carries an `operation.reason` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Schema returns the cloud store tables.
func Schema() database.Schema {
	return database.Schema{Models: Models()}
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database  *gorm.DB
	PullLimit int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service applies edge pushes, serves pulls and tracks the edge fleet.
type Service struct {
	db        *gorm.DB
	pullLimit int
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService validates configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	pullLimit := cfg.PullLimit
	if pullLimit <= 0 {
		pullLimit = defaultPullLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, pullLimit: pullLimit, clock: clock, logger: logger}, nil
}

// ApplyPush upserts every valid entity. Invalid entities are reported per
// index and never abort the batch.
func (s *Service) ApplyPush(ctx context.Context, request syncwire.PushRequest) (syncwire.PushResponse, error) {
	siteID := strings.TrimSpace(request.SiteID)
	if siteID == "" {
		return syncwire.PushResponse{}, newServiceError(opApplyPush, "missing_site_id", errMissingSiteID)
	}
	if len(request.Entities) > syncwire.MaxPushBatch {
		return syncwire.PushResponse{}, newServiceError(opApplyPush, "batch_too_large", ErrBatchTooLarge)
	}

	response := syncwire.PushResponse{Failures: []syncwire.PushFailure{}}
	for index, entity := range request.Entities {
		id, reason := s.applyEntity(ctx, siteID, entity)
		if reason == "" {
			response.Synced++
			continue
		}
		response.Errors++
		response.Failures = append(response.Failures, syncwire.PushFailure{
			Index:  index,
			Type:   entity.Type,
			ID:     id,
			Reason: reason,
		})
	}
	if response.Errors > 0 {
		s.logger.Warn("push entities rejected",
			zap.String("site_id", siteID),
			zap.Int("synced", response.Synced),
			zap.Int("errors", response.Errors))
	}
	return response, nil
}

func (s *Service) applyEntity(ctx context.Context, siteID string, entity syncwire.Entity) (string, string) {
	definition, ok := definitions[entity.Type]
	if !ok {
		return "", reasonUnknownType
	}
	if !entity.Action.Valid() {
		return "", reasonInvalidAct
	}
	var data map[string]any
	if err := json.Unmarshal(entity.Data, &data); err != nil || data == nil {
		return "", reasonInvalidData
	}
	rawID, _ := data["id"].(string)
	parsedID, err := uuid.Parse(rawID)
	if err != nil {
		return rawID, reasonInvalidID
	}
	id := parsedID.String()

	nowMs := s.clock().UTC().UnixMilli()
	values := map[string]any{
		"id":            id,
		"site_id":       siteID,
		"created_at_ms": nowMs,
		"updated_at_ms": nowMs,
	}
	assignments := []string{"updated_at_ms"}

	if entity.Action == syncwire.ActionDelete {
		values["deleted_at_ms"] = nowMs
		assignments = append(assignments, "deleted_at_ms")
	} else {
		for _, f := range definition.pushFields {
			raw, present := data[f.key]
			if !present {
				continue
			}
			value, err := columnValue(f, raw)
			if err != nil {
				return id, reasonInvalidData + ":" + f.key
			}
			values[f.column] = value
			assignments = append(assignments, f.column)
		}
		if entity.Action == syncwire.ActionCreate {
			values["deleted_at_ms"] = nil
			assignments = append(assignments, "deleted_at_ms")
		}
	}

	result := s.db.WithContext(ctx).
		Model(definition.model()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(assignments),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "site_id = excluded.site_id"},
			}},
		}).
		Create(values)
	if result.Error != nil {
		s.logger.Error("entity upsert failed",
			zap.String("site_id", siteID),
			zap.String("entity_type", entity.Type),
			zap.Error(result.Error))
		return id, reasonUpsertFailed
	}
	if result.RowsAffected == 0 {
		return id, reasonSiteMismatch
	}
	return id, ""
}

// ApplyRecord upserts one pulled record into a local mirror of the cloud
// store. Records carrying deletedAt become tombstones.
func (s *Service) ApplyRecord(ctx context.Context, siteID, entityType string, record json.RawMessage) error {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return newServiceError(opApplyRecord, "missing_site_id", errMissingSiteID)
	}
	var probe struct {
		DeletedAt *int64 `json:"deletedAt"`
	}
	if err := json.Unmarshal(record, &probe); err != nil {
		return newServiceError(opApplyRecord, reasonInvalidData, err)
	}
	action := syncwire.ActionUpdate
	if probe.DeletedAt != nil {
		action = syncwire.ActionDelete
	}
	id, reason := s.applyEntity(ctx, siteID, syncwire.Entity{Type: entityType, Action: action, Data: record})
	if reason != "" {
		return newServiceError(opApplyRecord, reason, fmt.Errorf("%s %s", entityType, id))
	}
	return nil
}

// Pull returns rows updated at or after since for each requested type,
// selecting only whitelisted columns. When a type has more rows than the pull
// limit the page ends on a whole millisecond, HasMore is set and Timestamp
// points just past the earliest truncated page.
func (s *Service) Pull(ctx context.Context, siteID string, since time.Time, entityTypes []string) (syncwire.PullResponse, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return syncwire.PullResponse{}, newServiceError(opPull, "missing_site_id", errMissingSiteID)
	}
	response := syncwire.PullResponse{
		Changes:   make(map[string][]json.RawMessage, len(entityTypes)),
		Timestamp: s.clock().UTC(),
	}

	sinceMs := since.UTC().UnixMilli()
	nextCursorMs := int64(-1)
	for _, entityType := range uniqueSorted(entityTypes) {
		definition, ok := definitions[entityType]
		if !ok {
			continue
		}
		rows, boundaryMs, err := s.pullPage(ctx, definition, siteID, sinceMs)
		if err != nil {
			return syncwire.PullResponse{}, newServiceError(opPull, "query_failed", err)
		}
		if boundaryMs >= 0 && (nextCursorMs < 0 || boundaryMs+1 < nextCursorMs) {
			nextCursorMs = boundaryMs + 1
		}
		records := make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			encoded, err := json.Marshal(definition.outputRow(row))
			if err != nil {
				return syncwire.PullResponse{}, newServiceError(opPull, "encode_failed", err)
			}
			records = append(records, encoded)
		}
		response.Changes[entityType] = records
	}
	if nextCursorMs >= 0 {
		response.HasMore = true
		response.Timestamp = time.UnixMilli(nextCursorMs).UTC()
	}
	return response, nil
}

// pullPage returns up to pullLimit rows, extended to include every row that
// shares the last row's updated_at_ms. boundaryMs is that timestamp when the
// page was truncated and -1 otherwise.
func (s *Service) pullPage(ctx context.Context, definition entityDefinition, siteID string, sinceMs int64) ([]map[string]any, int64, error) {
	query := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Model(definition.model()).
			Select(definition.pullColumns).
			Where("site_id = ? AND updated_at_ms >= ?", siteID, sinceMs).
			Order("updated_at_ms ASC").
			Order("id ASC")
	}

	var rows []map[string]any
	if err := query().Limit(s.pullLimit + 1).Find(&rows).Error; err != nil {
		return nil, -1, err
	}
	if len(rows) <= s.pullLimit {
		return rows, -1, nil
	}

	boundaryMs, ok := int64Value(rows[s.pullLimit-1]["updated_at_ms"])
	if !ok {
		return nil, -1, errors.New("pull: row without updated_at_ms")
	}
	rows = nil
	if err := query().Where("updated_at_ms <= ?", boundaryMs).Find(&rows).Error; err != nil {
		return nil, -1, err
	}
	return rows, boundaryMs, nil
}

func int64Value(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case float64:
		return int64(typed), true
	}
	return 0, false
}

// Heartbeat records edge status and hands out a scheduled upgrade once.
func (s *Service) Heartbeat(ctx context.Context, request syncwire.HeartbeatRequest) (syncwire.HeartbeatResponse, error) {
	siteID := strings.TrimSpace(request.SiteID)
	if siteID == "" {
		return syncwire.HeartbeatResponse{}, newServiceError(opHeartbeat, "missing_site_id", errMissingSiteID)
	}
	now := s.clock().UTC()
	response := syncwire.HeartbeatResponse{OK: true, ServerTime: now}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device, err := loadOrInitDevice(tx, siteID, now)
		if err != nil {
			return err
		}
		device.OperatingMode = request.Mode
		device.PendingChanges = request.PendingChanges
		device.FailedChanges = request.FailedChanges
		device.LastHeartbeatAtMs = now.UnixMilli()
		if request.Version != "" {
			device.Version = request.Version
		}
		if request.LastSyncAt != nil {
			lastSync := request.LastSyncAt.UTC().UnixMilli()
			device.LastSyncAtMs = &lastSync
		}

		switch {
		case (device.UpgradeStatus == UpgradeScheduled || device.UpgradeStatus == UpgradeInProgress) &&
			device.UpgradeTargetVersion != "" && device.Version == device.UpgradeTargetVersion:
			device.UpgradeStatus = UpgradeComplete
			s.logger.Info("edge upgrade complete", zap.String("site_id", siteID), zap.String("version", device.Version))
		case device.UpgradeStatus == UpgradeScheduled:
			response.Upgrade = &syncwire.UpgradeDirective{
				TargetVersion: device.UpgradeTargetVersion,
				ScheduledAt:   time.UnixMilli(device.UpgradeScheduledAtMs).UTC(),
			}
			device.UpgradeStatus = UpgradeInProgress
		}
		device.UpdatedAtMs = now.UnixMilli()
		return tx.Save(&device).Error
	})
	if err != nil {
		return syncwire.HeartbeatResponse{}, newServiceError(opHeartbeat, "device_save_failed", err)
	}
	return response, nil
}

// ScheduleUpgrade marks a site's edge node for upgrade on its next heartbeat.
func (s *Service) ScheduleUpgrade(ctx context.Context, siteID, targetVersion string) (EdgeDevice, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return EdgeDevice{}, newServiceError(opScheduleUpgrade, "missing_site_id", errMissingSiteID)
	}
	targetVersion = strings.TrimSpace(targetVersion)
	if targetVersion == "" {
		return EdgeDevice{}, newServiceError(opScheduleUpgrade, "missing_version", errMissingVersion)
	}
	now := s.clock().UTC()
	var device EdgeDevice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadOrInitDevice(tx, siteID, now)
		if err != nil {
			return err
		}
		loaded.UpgradeStatus = UpgradeScheduled
		loaded.UpgradeTargetVersion = targetVersion
		loaded.UpgradeScheduledAtMs = now.UnixMilli()
		loaded.UpdatedAtMs = now.UnixMilli()
		device = loaded
		return tx.Save(&loaded).Error
	})
	if err != nil {
		return EdgeDevice{}, newServiceError(opScheduleUpgrade, "device_save_failed", err)
	}
	s.logger.Info("edge upgrade scheduled", zap.String("site_id", siteID), zap.String("target_version", targetVersion))
	return device, nil
}

// Devices lists the edge fleet ordered by site.
func (s *Service) Devices(ctx context.Context) ([]EdgeDevice, error) {
	var devices []EdgeDevice
	if err := s.db.WithContext(ctx).Order("site_id ASC").Find(&devices).Error; err != nil {
		return nil, newServiceError(opListDevices, "query_failed", err)
	}
	return devices, nil
}

func loadOrInitDevice(tx *gorm.DB, siteID string, now time.Time) (EdgeDevice, error) {
	var device EdgeDevice
	err := tx.Where("site_id = ?", siteID).Take(&device).Error
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return EdgeDevice{}, err
	}
	return EdgeDevice{
		SiteID:        siteID,
		UpgradeStatus: UpgradeNone,
		CreatedAtMs:   now.UnixMilli(),
		UpdatedAtMs:   now.UnixMilli(),
	}, nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
