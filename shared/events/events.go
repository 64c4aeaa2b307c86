package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = "1.0"

const (
	TopicSensorBatchIngested = "sensor.batch.ingested"
	TopicDegradationUpdated  = "degradation.updated"
	TopicRULUpdated          = "rul.updated"
	TopicAlertTriggered      = "alert.triggered"
	TopicAlertEscalated      = "alert.escalated"
	TopicShiftViolation      = "shift.violation.detected"
	TopicMetadataUpdated     = "metadata.updated"
	TopicInspectionSubmitted = "inspection.submitted"
	TopicDeviceReminder      = "device.health.reminder"
)

func AllTopics() []string {
	return []string{
		TopicSensorBatchIngested,
		TopicDegradationUpdated,
		TopicRULUpdated,
		TopicAlertTriggered,
		TopicAlertEscalated,
		TopicShiftViolation,
		TopicMetadataUpdated,
		TopicInspectionSubmitted,
		TopicDeviceReminder,
	}
}

// Envelope is the wire format shared by the outbox, the broker and the
// in-process router.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, errors.New("envelope topic is empty")
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e Envelope) DecodePayload(dest any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Topic)
	}
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Topic, err)
	}
	return nil
}

type SensorBatchIngested struct {
	AssetID    uuid.UUID        `json:"asset_id"`
	BatchID    uuid.UUID        `json:"batch_id"`
	RowCount   int              `json:"row_count"`
	SensorData []map[string]any `json:"sensor_data"`
}

type DegradationUpdated struct {
	AssetID        uuid.UUID `json:"asset_id"`
	NewHealthScore float64   `json:"new_health_score"`
	TotalDamage    float64   `json:"total_damage"`
}

type RULUpdated struct {
	AssetID    uuid.UUID `json:"asset_id"`
	RULMean    float64   `json:"rul_mean"`
	LowerBound float64   `json:"lower_bound"`
	UpperBound float64   `json:"upper_bound"`
	Confidence float64   `json:"confidence"`
}

type AlertMeta struct {
	Probability      float64 `json:"probability"`
	DominantVector   string  `json:"dominant_vector"`
	ConfidenceScore  float64 `json:"confidence_score"`
	PersistenceRatio float64 `json:"persistence_ratio"`
	EscalationStep   int     `json:"escalation_step,omitempty"`
}

// AlertRaised is the payload of alert.triggered and alert.escalated.
type AlertRaised struct {
	AlertID   uuid.UUID `json:"alert_id"`
	AssetID   uuid.UUID `json:"asset_id"`
	Title     string    `json:"title"`
	Severity  string    `json:"severity"`
	Category  string    `json:"category"`
	RiskScore float64   `json:"risk_score"`
	MetaData  AlertMeta `json:"meta_data"`
}

type ShiftViolation struct {
	AssetID           uuid.UUID `json:"asset_id"`
	ViolationType     string    `json:"violation_type"`
	SeverityLevel     string    `json:"severity_level"`
	MultiplierApplied float64   `json:"multiplier_applied"`
}

type MetadataUpdated struct {
	AssetID uuid.UUID `json:"asset_id"`
	Fields  []string  `json:"fields,omitempty"`
}

type InspectionSubmitted struct {
	AssetID      uuid.UUID `json:"asset_id"`
	InspectionID uuid.UUID `json:"inspection_id"`
	Severity     string    `json:"severity"`
	Notes        string    `json:"notes,omitempty"`
}

type DeviceReminder struct {
	AssetID      uuid.UUID `json:"asset_id"`
	ReminderType string    `json:"reminder_type"`
	Prompt       string    `json:"prompt"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// AssetOf extracts asset_id from any payload in this package.
func AssetOf(payload json.RawMessage) (uuid.UUID, error) {
	var ref struct {
		AssetID uuid.UUID `json:"asset_id"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return uuid.Nil, err
	}
	if ref.AssetID == uuid.Nil {
		return uuid.Nil, errors.New("payload has no asset_id")
	}
	return ref.AssetID, nil
}
