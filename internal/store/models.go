package store

import (
	"time"

	"gorm.io/datatypes"
)

// Protocols
const (
	ProtocolMQTT   = "MQTT"
	ProtocolZigbee = "ZIGBEE"
)

// Device lifecycle
const (
	LifecycleClaimed  = "CLAIMED"
	LifecycleClaiming = "CLAIMING"
	LifecycleActive   = "ACTIVE"
	LifecycleRetired  = "RETIRED"
)

// Command / reset statuses
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT" // reset requests only
	StatusAcked   = "ACKED"
	StatusFailed  = "FAILED"
	StatusTimeout = "TIMEOUT"
)

// Reset request types
const (
	ResetReconnect    = "RECONNECT"
	ResetFactoryReset = "FACTORY_RESET"
)

// Rollout statuses
const (
	RolloutDraft   = "DRAFT"
	RolloutRunning = "RUNNING"
	RolloutPaused  = "PAUSED"
	RolloutDone    = "DONE"
)

// Per-hub OTA progress states
const (
	OTAPending     = "PENDING"
	OTADownloading = "DOWNLOADING"
	OTAApplying    = "APPLYING"
	OTASuccess     = "SUCCESS"
	OTAFailed      = "FAILED"
)

// Automation deployment statuses
const (
	DeploySyncing = "SYNCING"
	DeployApplied = "APPLIED"
	DeployFailed  = "FAILED"
)

// Pairing session modes
const (
	PairLegacy      = "LEGACY"
	PairSerialFirst = "SERIAL_FIRST"
	PairTypeFirst   = "TYPE_FIRST"
)

// Discovered device statuses
const (
	DiscoveryPending   = "PENDING"
	DiscoveryConfirmed = "CONFIRMED"
	DiscoveryRejected  = "REJECTED"
)

// Device is the registry row. Exactly one of DeviceID topic addressing,
// ZigbeeIEEE or LegacyTopicBase identifies its transport address.
type Device struct {
	ID                uint    `gorm:"primaryKey" json:"id"`
	DeviceID          string  `gorm:"uniqueIndex;not null" json:"device_id"`
	HomeID            uint    `gorm:"index;not null" json:"home_id"`
	Name              string  `json:"name"`
	Protocol          string  `gorm:"not null" json:"protocol"`
	ZigbeeIEEE        *string `gorm:"uniqueIndex" json:"zigbee_ieee,omitempty"`
	LegacyTopicBase   *string `gorm:"index" json:"legacy_topic_base,omitempty"`
	HubID             string  `gorm:"index" json:"hub_id"`
	InventorySerial   *string `gorm:"uniqueIndex" json:"inventory_serial,omitempty"`
	ModelID           string  `json:"model_id"`
	LifecycleStatus   string  `gorm:"not null;default:CLAIMED" json:"lifecycle_status"`
	CredentialVersion int64   `gorm:"not null;default:0" json:"credential_version"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Device) TableName() string { return "hc_devices" }

type DeviceStateCurrent struct {
	DeviceID    uint           `gorm:"primaryKey" json:"device_id"`
	State       datatypes.JSON `gorm:"type:jsonb" json:"state"`
	Online      bool           `json:"online"`
	LastSeen    time.Time      `json:"last_seen"`
	FirstSeenAt *time.Time     `json:"first_seen_at,omitempty"`
	EverOnline  bool           `json:"ever_online"`
	UpdatedAt   time.Time
}

func (DeviceStateCurrent) TableName() string { return "hc_device_state_current" }

type DeviceStateHistory struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	DeviceID  uint           `gorm:"index:idx_hist_device_created,priority:1;not null" json:"device_id"`
	State     datatypes.JSON `gorm:"type:jsonb" json:"state"`
	Online    bool           `json:"online"`
	LastSeen  time.Time      `json:"last_seen"`
	CreatedAt time.Time      `gorm:"index:idx_hist_device_created,priority:2"`
}

func (DeviceStateHistory) TableName() string { return "hc_device_state_history" }

type DeviceEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	DeviceID  uint           `gorm:"index;not null" json:"device_id"`
	Type      string         `gorm:"not null" json:"type"`
	Data      datatypes.JSON `gorm:"type:jsonb" json:"data"`
	SourceAt  *time.Time     `json:"source_at,omitempty"`
	CreatedAt time.Time
}

func (DeviceEvent) TableName() string { return "hc_device_events" }

type Command struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	DeviceID  uint           `gorm:"index;uniqueIndex:idx_cmd_device_cmdid,priority:1;not null" json:"device_id"`
	CmdID     string         `gorm:"uniqueIndex:idx_cmd_device_cmdid,priority:2;not null" json:"cmd_id"`
	Action    string         `json:"action"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Status    string         `gorm:"index;not null;default:PENDING" json:"status"`
	SentAt    time.Time      `json:"sent_at"`
	AckedAt   *time.Time     `json:"acked_at,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Command) TableName() string { return "hc_commands" }

type ResetRequest struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	DeviceID  uint       `gorm:"index;uniqueIndex:idx_reset_device_cmdid,priority:1;not null" json:"device_id"`
	CmdID     string     `gorm:"uniqueIndex:idx_reset_device_cmdid,priority:2;not null" json:"cmd_id"`
	Type      string     `gorm:"not null" json:"type"`
	Status    string     `gorm:"index;not null;default:PENDING" json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ResetRequest) TableName() string { return "hc_reset_requests" }

// HubRuntime tracks any hub that has ever heartbeated, bound or not.
type HubRuntime struct {
	HubID       string     `gorm:"primaryKey" json:"hub_id"`
	Online      bool       `json:"online"`
	MAC         string     `json:"mac,omitempty"`
	IP          string     `json:"ip,omitempty"`
	RSSI        int        `json:"rssi,omitempty"`
	FwVersion   string     `json:"fw_version,omitempty"`
	ZBVersion   string     `json:"zb_version,omitempty"`
	FirstSeenAt *time.Time `json:"first_seen_at,omitempty"`
	EverOnline  bool       `json:"ever_online"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	UpdatedAt   time.Time
}

func (HubRuntime) TableName() string { return "hc_hub_runtime" }

type HubBinding struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	InventorySerial string    `gorm:"uniqueIndex;not null" json:"inventory_serial"`
	HubID           string    `gorm:"uniqueIndex;not null" json:"hub_id"`
	HomeID          uint      `gorm:"index;not null" json:"home_id"`
	OwnerID         uint      `json:"owner_id"`
	ActivatedAt     time.Time `json:"activated_at"`
}

func (HubBinding) TableName() string { return "hc_hub_bindings" }

type FirmwareRelease struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Version   string    `gorm:"uniqueIndex;not null" json:"version"`
	URL       string    `gorm:"not null" json:"url"`
	SHA256    string    `gorm:"not null" json:"sha256"`
	Size      int64     `json:"size,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (FirmwareRelease) TableName() string { return "hc_firmware_releases" }

type FirmwareRollout struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ReleaseID uint   `gorm:"index;not null" json:"release_id"`
	Status    string `gorm:"index;not null;default:DRAFT" json:"status"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (FirmwareRollout) TableName() string { return "hc_firmware_rollouts" }

type FirmwareRolloutTarget struct {
	RolloutID uint   `gorm:"primaryKey;autoIncrement:false" json:"rollout_id"`
	HubID     string `gorm:"primaryKey" json:"hub_id"`
}

func (FirmwareRolloutTarget) TableName() string { return "hc_firmware_rollout_targets" }

type FirmwareRolloutProgress struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	RolloutID uint       `gorm:"uniqueIndex:idx_progress_rollout_hub,priority:1;not null" json:"rollout_id"`
	HubID     string     `gorm:"uniqueIndex:idx_progress_rollout_hub,priority:2;not null" json:"hub_id"`
	State     string     `gorm:"index;not null;default:PENDING" json:"state"`
	Attempt   int        `gorm:"not null;default:0" json:"attempt"`
	CmdID     string     `gorm:"index" json:"cmd_id,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time
}

func (FirmwareRolloutProgress) TableName() string { return "hc_firmware_rollout_progress" }

type AutomationRule struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	HomeID      uint           `gorm:"index;not null" json:"home_id"`
	Name        string         `gorm:"not null" json:"name"`
	Enabled     bool           `gorm:"not null;default:true" json:"enabled"`
	TriggerType string         `gorm:"not null" json:"trigger_type"`
	Trigger     datatypes.JSON `gorm:"type:jsonb" json:"trigger"`
	Actions     datatypes.JSON `gorm:"type:jsonb" json:"actions"`
	Version     int64          `gorm:"not null;default:0" json:"version"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (AutomationRule) TableName() string { return "hc_automation_rules" }

type AutomationDeployment struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	HubID          string `gorm:"uniqueIndex:idx_deploy_hub_home,priority:1;not null" json:"hub_id"`
	HomeID         uint   `gorm:"uniqueIndex:idx_deploy_hub_home,priority:2;not null" json:"home_id"`
	DesiredVersion int64  `gorm:"not null;default:0" json:"desired_version"`
	AppliedVersion int64  `gorm:"not null;default:0" json:"applied_version"`
	Status         string `gorm:"not null;default:SYNCING" json:"status"`
	CmdID          string `json:"cmd_id,omitempty"`
	Error          string `json:"error,omitempty"`
	UpdatedAt      time.Time
}

func (AutomationDeployment) TableName() string { return "hc_automation_deployments" }

type ZigbeePairingSession struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Token           string    `gorm:"uniqueIndex;not null" json:"token"`
	HubID           string    `gorm:"index;not null" json:"hub_id"`
	HomeID          uint      `gorm:"not null" json:"home_id"`
	OwnerID         uint      `json:"owner_id"`
	Mode            string    `gorm:"not null" json:"mode"`
	ClaimedSerial   string    `json:"claimed_serial,omitempty"`
	ExpectedModelID string    `json:"expected_model_id,omitempty"`
	ExpiresAt       time.Time `gorm:"index" json:"expires_at"`
	CreatedAt       time.Time
}

func (ZigbeePairingSession) TableName() string { return "hc_zigbee_pairing_sessions" }

type ZigbeeDiscoveredDevice struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	HubID            string    `gorm:"uniqueIndex:idx_disc_hub_ieee,priority:1;not null" json:"hub_id"`
	IEEE             string    `gorm:"uniqueIndex:idx_disc_hub_ieee,priority:2;not null" json:"ieee"`
	PairingToken     string    `gorm:"index" json:"pairing_token"`
	Status           string    `gorm:"not null;default:PENDING" json:"status"`
	Manufacturer     string    `json:"manufacturer,omitempty"`
	Model            string    `json:"model,omitempty"`
	SuggestedModelID string    `json:"suggested_model_id,omitempty"`
	SuggestedType    string    `json:"suggested_type,omitempty"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

func (ZigbeeDiscoveredDevice) TableName() string { return "hc_zigbee_discovered_devices" }

// CatalogModel backs fingerprint ranking. Catalog CRUD is external; the core
// only reads it.
type CatalogModel struct {
	ModelID            string `gorm:"primaryKey" json:"model_id"`
	Vendor             string `json:"vendor,omitempty"`
	DeviceType         string `json:"device_type,omitempty"`
	ZigbeeManufacturer string `gorm:"index" json:"zigbee_manufacturer,omitempty"`
	ZigbeeModel        string `gorm:"index" json:"zigbee_model,omitempty"`
}

func (CatalogModel) TableName() string { return "hc_catalog_models" }

// DeviceCredential stores only a pre-computed hash, never the secret.
type DeviceCredential struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	DeviceID   uint   `gorm:"uniqueIndex:idx_cred_device_type_slot,priority:1;not null" json:"device_id"`
	Type       string `gorm:"uniqueIndex:idx_cred_device_type_slot,priority:2;not null" json:"type"`
	Slot       int    `gorm:"uniqueIndex:idx_cred_device_type_slot,priority:3;not null" json:"slot"`
	SecretHash string `json:"-"`
	Revoked    bool   `gorm:"not null;default:false" json:"revoked"`
	UpdatedAt  time.Time
}

func (DeviceCredential) TableName() string { return "hc_device_credentials" }
