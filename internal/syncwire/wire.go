// Package syncwire holds the JSON contract shared by the edge sync client and
// the cloud sync endpoint.
package syncwire

import (
	"encoding/json"
	"time"
)

const (
	// MaxPushBatch is the largest entity batch the cloud accepts in one push.
	MaxPushBatch = 100

	PathPush      = "/sync/push"
	PathPull      = "/sync/pull"
	PathHeartbeat = "/sync/heartbeat"
	PathHealth    = "/health"
)

// Action is the mutation kind carried by a synced entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is create, update or delete.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Entity is one change pushed from an edge node.
type Entity struct {
	Type      string          `json:"type"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type PushRequest struct {
	SiteID   string   `json:"siteId"`
	Entities []Entity `json:"entities"`
}

// PushFailure explains why a single entity of a batch was not applied.
type PushFailure struct {
	Index  int    `json:"index"`
	Type   string `json:"type,omitempty"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

type PushResponse struct {
	Synced   int           `json:"synced"`
	Errors   int           `json:"errors"`
	Failures []PushFailure `json:"failures,omitempty"`
}

// PullResponse maps entity type to the records changed since the cursor.
// HasMore reports a truncated page; Timestamp is then the cursor for the
// next page rather than the server time.
type PullResponse struct {
	Changes   map[string][]json.RawMessage `json:"changes"`
	Timestamp time.Time                    `json:"timestamp"`
	HasMore   bool                         `json:"hasMore,omitempty"`
}

type HeartbeatRequest struct {
	SiteID         string     `json:"siteId"`
	Mode           string     `json:"mode"`
	PendingChanges int64      `json:"pendingChanges"`
	FailedChanges  int64      `json:"failedChanges"`
	Version        string     `json:"version,omitempty"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
}

// UpgradeDirective asks the edge host process to move to a new version.
type UpgradeDirective struct {
	TargetVersion string    `json:"targetVersion"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

type HeartbeatResponse struct {
	OK         bool              `json:"ok"`
	ServerTime time.Time         `json:"serverTime"`
	Upgrade    *UpgradeDirective `json:"upgrade,omitempty"`
}

// ErrorResponse is the body of every non-2xx sync response.
type ErrorResponse struct {
	Error string `json:"error"`
}
