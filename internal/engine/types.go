package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncqueue"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
)

var (
	// ErrEngineShutdown is returned by every operation after Shutdown.
	ErrEngineShutdown = errors.New("engine: shut down")

	ErrMissingSiteID     = errors.New("engine: site id required")
	ErrMissingClient     = errors.New("engine: cloud client required")
	ErrMissingQueue      = errors.New("engine: offline queue required")
	ErrMissingMonitor    = errors.New("engine: health monitor required")
	ErrInvalidBatchSize  = errors.New("engine: batch size out of range")
	ErrMissingEntityType = errors.New("engine: change type required")
	ErrInvalidAction     = errors.New("engine: change action must be create, update or delete")
	ErrInvalidData       = errors.New("engine: change data must be valid JSON")
)

// Status is the coarse engine state reported to dashboards.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSyncing    Status = "syncing"
	StatusSynced     Status = "synced"
	StatusStandalone Status = "standalone"
	StatusError      Status = "error"
)

// Change is one local mutation observed by the application.
type Change struct {
	Type      string          `json:"type"`
	Action    syncwire.Action `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (c Change) entity() syncwire.Entity {
	return syncwire.Entity{Type: c.Type, Action: c.Action, Data: c.Data, Timestamp: c.Timestamp}
}

// SyncState is recomputed on every call.
type SyncState struct {
	SiteID         string      `json:"siteId"`
	Status         Status      `json:"status"`
	LastSyncAt     *time.Time  `json:"lastSyncAt"`
	CloudReachable bool        `json:"cloudReachable"`
	OperatingMode  health.Mode `json:"operatingMode"`
	PendingChanges int64       `json:"pendingChanges"`
	FailedChanges  int64       `json:"failedChanges"`
	LastError      string      `json:"lastError,omitempty"`
}

// ApplyHandler applies one pulled record of a single entity type locally.
type ApplyHandler func(ctx context.Context, record json.RawMessage) error

// ApplyError records a pulled record the application could not apply.
type ApplyError struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

// PullResult summarises one pull cycle.
type PullResult struct {
	Applied int          `json:"applied"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
	Errors  []ApplyError `json:"errors,omitempty"`
}

// DrainResult summarises one drain cycle.
type DrainResult struct {
	// Skipped is set when another drain was already running.
	Skipped  bool       `json:"skipped"`
	Drained  int        `json:"drained"`
	Rejected int        `json:"rejected"`
	Failed   int        `json:"failed"`
	Pull     PullResult `json:"pull"`
}

// CloudClient is the subset of the signed sync client the engine drives.
type CloudClient interface {
	Push(ctx context.Context, entities []syncwire.Entity) (syncwire.PushResponse, error)
	Pull(ctx context.Context, since time.Time, entityTypes []string) (syncwire.PullResponse, error)
	Heartbeat(ctx context.Context, request syncwire.HeartbeatRequest) (syncwire.HeartbeatResponse, error)
}

// OfflineQueue exposes read-only queue views to dashboards.
type OfflineQueue interface {
	Stats(ctx context.Context) (syncqueue.Stats, error)
	FailedEntries(ctx context.Context, limit int) ([]syncqueue.Entry, error)
}

// queuedChange is the payload persisted for a change written while offline.
type queuedChange struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
