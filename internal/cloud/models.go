package cloud

// Every synced table carries the same bookkeeping columns. Timestamps are
// unix milliseconds.

type Alert struct {
	ID          string `gorm:"column:id;primaryKey;size:36"`
	SiteID      string `gorm:"column:site_id;size:190;not null;index:idx_alerts_site_updated,priority:1"`
	Level       string `gorm:"column:level;size:32;not null;default:''"`
	Status      string `gorm:"column:status;size:32;not null;default:''"`
	Message     string `gorm:"column:message;type:text;not null;default:''"`
	Source      string `gorm:"column:source;size:64;not null;default:''"`
	TriggeredBy string `gorm:"column:triggered_by;size:190;not null;default:''"`
	Location    string `gorm:"column:location;size:190;not null;default:''"`
	ResolvedAt  *int64 `gorm:"column:resolved_at_ms"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_alerts_site_updated,priority:2"`
	DeletedAtMs *int64 `gorm:"column:deleted_at_ms"`
}

func (Alert) TableName() string { return "alerts" }

type Visitor struct {
	ID           string `gorm:"column:id;primaryKey;size:36"`
	SiteID       string `gorm:"column:site_id;size:190;not null;index:idx_visitors_site_updated,priority:1"`
	FirstName    string `gorm:"column:first_name;size:190;not null;default:''"`
	LastName     string `gorm:"column:last_name;size:190;not null;default:''"`
	Status       string `gorm:"column:status;size:32;not null;default:''"`
	Purpose      string `gorm:"column:purpose;size:190;not null;default:''"`
	HostName     string `gorm:"column:host_name;size:190;not null;default:''"`
	CheckedInAt  *int64 `gorm:"column:checked_in_at_ms"`
	CheckedOutAt *int64 `gorm:"column:checked_out_at_ms"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs  int64  `gorm:"column:updated_at_ms;not null;index:idx_visitors_site_updated,priority:2"`
	DeletedAtMs  *int64 `gorm:"column:deleted_at_ms"`
}

func (Visitor) TableName() string { return "visitors" }

type Door struct {
	ID            string `gorm:"column:id;primaryKey;size:36"`
	SiteID        string `gorm:"column:site_id;size:190;not null;index:idx_doors_site_updated,priority:1"`
	Name          string `gorm:"column:name;size:190;not null;default:''"`
	Status        string `gorm:"column:status;size:32;not null;default:''"`
	Building      string `gorm:"column:building;size:190;not null;default:''"`
	Floor         int64  `gorm:"column:floor;not null;default:0"`
	EmergencyExit bool   `gorm:"column:emergency_exit;not null;default:false"`
	CreatedAtMs   int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs   int64  `gorm:"column:updated_at_ms;not null;index:idx_doors_site_updated,priority:2"`
	DeletedAtMs   *int64 `gorm:"column:deleted_at_ms"`
}

func (Door) TableName() string { return "doors" }

type Lockdown struct {
	ID          string `gorm:"column:id;primaryKey;size:36"`
	SiteID      string `gorm:"column:site_id;size:190;not null;index:idx_lockdowns_site_updated,priority:1"`
	Scope       string `gorm:"column:scope;size:64;not null;default:''"`
	Status      string `gorm:"column:status;size:32;not null;default:''"`
	InitiatedBy string `gorm:"column:initiated_by;size:190;not null;default:''"`
	Reason      string `gorm:"column:reason;type:text;not null;default:''"`
	ReleasedAt  *int64 `gorm:"column:released_at_ms"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_lockdowns_site_updated,priority:2"`
	DeletedAtMs *int64 `gorm:"column:deleted_at_ms"`
}

func (Lockdown) TableName() string { return "lockdowns" }

type Drill struct {
	ID          string `gorm:"column:id;primaryKey;size:36"`
	SiteID      string `gorm:"column:site_id;size:190;not null;index:idx_drills_site_updated,priority:1"`
	DrillType   string `gorm:"column:drill_type;size:64;not null;default:''"`
	Status      string `gorm:"column:status;size:32;not null;default:''"`
	ScheduledAt *int64 `gorm:"column:scheduled_at_ms"`
	CompletedAt *int64 `gorm:"column:completed_at_ms"`
	Notes       string `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_drills_site_updated,priority:2"`
	DeletedAtMs *int64 `gorm:"column:deleted_at_ms"`
}

func (Drill) TableName() string { return "drills" }

// User is a staff account. PasswordHash is managed in the cloud only: it is
// neither accepted from pushes nor selected for pulls.
type User struct {
	ID           string `gorm:"column:id;primaryKey;size:36"`
	SiteID       string `gorm:"column:site_id;size:190;not null;index:idx_users_site_updated,priority:1"`
	Email        string `gorm:"column:email;size:320;not null;default:''"`
	Name         string `gorm:"column:name;size:190;not null;default:''"`
	Role         string `gorm:"column:role;size:64;not null;default:''"`
	Status       string `gorm:"column:status;size:32;not null;default:''"`
	PasswordHash string `gorm:"column:password_hash;size:255;not null;default:''"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs  int64  `gorm:"column:updated_at_ms;not null;index:idx_users_site_updated,priority:2"`
	DeletedAtMs  *int64 `gorm:"column:deleted_at_ms"`
}

func (User) TableName() string { return "users" }

// UpgradeStatus tracks a scheduled edge software upgrade.
type UpgradeStatus string

const (
	UpgradeNone       UpgradeStatus = "none"
	UpgradeScheduled  UpgradeStatus = "scheduled"
	UpgradeInProgress UpgradeStatus = "in_progress"
	UpgradeComplete   UpgradeStatus = "complete"
)

// EdgeDevice is the fleet record of one site's edge node, driven by heartbeats.
type EdgeDevice struct {
	SiteID               string        `gorm:"column:site_id;primaryKey;size:190" json:"siteId"`
	Version              string        `gorm:"column:version;size:64;not null;default:''" json:"version"`
	OperatingMode        string        `gorm:"column:operating_mode;size:32;not null;default:''" json:"operatingMode"`
	PendingChanges       int64         `gorm:"column:pending_changes;not null;default:0" json:"pendingChanges"`
	FailedChanges        int64         `gorm:"column:failed_changes;not null;default:0" json:"failedChanges"`
	LastHeartbeatAtMs    int64         `gorm:"column:last_heartbeat_at_ms;not null;default:0" json:"lastHeartbeatAtMs"`
	LastSyncAtMs         *int64        `gorm:"column:last_sync_at_ms" json:"lastSyncAtMs,omitempty"`
	UpgradeStatus        UpgradeStatus `gorm:"column:upgrade_status;size:32;not null;default:'none'" json:"upgradeStatus"`
	UpgradeTargetVersion string        `gorm:"column:upgrade_target_version;size:64;not null;default:''" json:"upgradeTargetVersion,omitempty"`
	UpgradeScheduledAtMs int64         `gorm:"column:upgrade_scheduled_at_ms;not null;default:0" json:"upgradeScheduledAtMs,omitempty"`
	CreatedAtMs          int64         `gorm:"column:created_at_ms;not null" json:"createdAtMs"`
	UpdatedAtMs          int64         `gorm:"column:updated_at_ms;not null" json:"updatedAtMs"`
}

func (EdgeDevice) TableName() string { return "edge_devices" }
