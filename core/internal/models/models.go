package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"predictive-maintenance-core/shared/events"
)

type Regime string

const (
	RegimeIdle       Regime = "IDLE"
	RegimeNormal     Regime = "RUN_NORMAL"
	RegimeHighStress Regime = "RUN_HIGH_STRESS"
	RegimeTransient  Regime = "TRANSIENT" // reserved, never classified
	RegimeFault      Regime = "FAULT"
)

type OperationMode string

const (
	ModeContinuous OperationMode = "CONTINUOUS"
	ModeShiftBased OperationMode = "SHIFT_BASED"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

type ShiftSchedule struct {
	StartTime        string   `json:"start_time"` // HH:MM
	EndTime          string   `json:"end_time"`   // HH:MM, may be earlier than start for overnight shifts
	ActiveDays       []string `json:"active_days"`
	Timezone         string   `json:"timezone"`
	ToleranceMinutes int      `json:"tolerance_minutes"`
}

type AssetMetadata struct {
	TenantID                uuid.UUID      `json:"tenant_id"`
	AssetID                 uuid.UUID      `json:"asset_id"`
	Name                    string         `json:"name"`
	OperationMode           OperationMode  `json:"operation_mode"`
	Shift                   *ShiftSchedule `json:"shift,omitempty"`
	IdleRPMThreshold        float64        `json:"idle_rpm_threshold"`
	HighLoadThreshold       float64        `json:"high_load_threshold"`
	FaultVibrationThreshold float64        `json:"fault_vibration_threshold"`
	RatedTemperature        float64        `json:"rated_temperature"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

const (
	DefaultIdleRPMThreshold        = 100.0
	DefaultHighLoadThreshold       = 0.8
	DefaultFaultVibrationThreshold = 0.8
	DefaultRatedTemperature        = 100.0
)

// WithDefaults fills non-positive thresholds. Missing metadata degrades to
// these values instead of failing the pipeline.
func (m AssetMetadata) WithDefaults() AssetMetadata {
	if m.IdleRPMThreshold <= 0 {
		m.IdleRPMThreshold = DefaultIdleRPMThreshold
	}
	if m.HighLoadThreshold <= 0 {
		m.HighLoadThreshold = DefaultHighLoadThreshold
	}
	if m.FaultVibrationThreshold <= 0 {
		m.FaultVibrationThreshold = DefaultFaultVibrationThreshold
	}
	if m.RatedTemperature <= 0 {
		m.RatedTemperature = DefaultRatedTemperature
	}
	if m.OperationMode == "" {
		m.OperationMode = ModeContinuous
	}
	return m
}

type DamageVector struct {
	Mechanical    float64 `json:"mechanical"`
	Thermal       float64 `json:"thermal"`
	Electrical    float64 `json:"electrical"`
	Strain        float64 `json:"strain"`
	Environmental float64 `json:"environmental"`
}

func (d DamageVector) Total() float64 {
	return d.Mechanical + d.Thermal + d.Electrical + d.Strain + d.Environmental
}

type HealthScores struct {
	Mechanical    float64 `json:"mechanical"`
	Thermal       float64 `json:"thermal"`
	Electrical    float64 `json:"electrical"`
	Environmental float64 `json:"environmental"`
	Operational   float64 `json:"operational"`
}

type AssetHealthState struct {
	TenantID          uuid.UUID
	AssetID           uuid.UUID
	Cumulative        DamageVector
	ThresholdMean     float64
	ThresholdStd      float64
	Scores            HealthScores
	RateHistory       []float64 // oldest first, capped
	ViolationCount    int
	AnomalyScore      float64 // decaying shift-violation score
	Confidence        float64
	ConfidencePenalty float64 // accumulated inspection penalty
	RateModifier      float64 // multiplier on future increments
	LastRegime        Regime
	LastUpdated       time.Time
	LastReminderAt    *time.Time
	CreatedAt         time.Time
}

type OutboxEvent struct {
	EventID       uuid.UUID
	TenantID      uuid.UUID
	AggregateID   uuid.UUID // asset id, used as partition key
	Topic         string
	SchemaVersion string
	Payload       json.RawMessage
	Status        string
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextRetryAt   *time.Time
	LockedBy      string
	LockedUntil   *time.Time
}

func (e OutboxEvent) Envelope() events.Envelope {
	version := e.SchemaVersion
	if version == "" {
		version = events.SchemaVersion
	}
	return events.Envelope{
		EventID:       e.EventID,
		TenantID:      e.TenantID,
		Timestamp:     e.CreatedAt,
		SchemaVersion: version,
		Topic:         e.Topic,
		Payload:       e.Payload,
	}
}

const AlertCategoryPredictiveFailure = "PREDICTIVE_FAILURE"

type Alert struct {
	AlertID         uuid.UUID
	TenantID        uuid.UUID
	AssetID         uuid.UUID
	Title           string
	Description     string
	Severity        Severity
	Status          string
	Category        string
	RiskScore       float64
	Meta            events.AlertMeta
	EscalationLevel int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
}

func (a Alert) Payload() events.AlertRaised {
	return events.AlertRaised{
		AlertID:   a.AlertID,
		AssetID:   a.AssetID,
		Title:     a.Title,
		Severity:  string(a.Severity),
		Category:  a.Category,
		RiskScore: a.RiskScore,
		MetaData:  a.Meta,
	}
}

type EscalationStep struct {
	DelayMinutes int      `json:"delay_minutes"`
	Severity     Severity `json:"severity,omitempty"` // empty keeps the alert's severity
}

type EscalationPolicy struct {
	TenantID uuid.UUID
	Category string
	Steps    []EscalationStep
}

type NotificationPreference struct {
	TenantID              uuid.UUID
	UserID                *uuid.UUID // nil for the tenant-wide row
	WebsocketEnabled      bool
	EmailEnabled          bool
	WebhookEnabled        bool
	EmailRecipients       []string
	MinSeverity           Severity
	WebhookURL            string
	WebhookSecret         string
	DigestEnabled         bool
	DigestIntervalMinutes int
}

// DefaultPreference is the baseline when a tenant has none stored.
func DefaultPreference(tenantID uuid.UUID) NotificationPreference {
	return NotificationPreference{
		TenantID:         tenantID,
		WebsocketEnabled: true,
		MinSeverity:      SeverityLow,
	}
}

const (
	ChannelWebsocket = "websocket"
	ChannelEmail     = "email"
	ChannelWebhook   = "webhook"
	// ChannelNone marks a dispatch that found no channel enabled.
	ChannelNone = "none"
)

const (
	DeliverySent    = "SENT"
	DeliveryFailed  = "FAILED"
	DeliverySkipped = "SKIPPED"
)

type NotificationLog struct {
	LogID       uuid.UUID
	TenantID    uuid.UUID
	AssetID     uuid.UUID
	EventID     uuid.UUID
	Topic       string
	Channel     string
	Recipient   string
	Status      string
	RetryCount  int
	PayloadHash string
	Error       string
	CreatedAt   time.Time
}

const (
	InspectionMild     = "MILD"
	InspectionModerate = "MODERATE"
	InspectionSevere   = "SEVERE"
)
