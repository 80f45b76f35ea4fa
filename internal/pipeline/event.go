// Package pipeline normalizes database observations into integrity-sealed
// events and fans them out to detection subscribers through a bounded
// in-memory buffer.
package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a normalized infrastructure event.
type EventType string

// Event types produced by the observation sources
const (
	EventDBConnection     EventType = "db_connection"
	EventSuspiciousQuery  EventType = "suspicious_query"
	EventPerfSchemaAccess EventType = "perf_schema_access"
	EventUserAnomaly      EventType = "uba_user_anomaly"
	EventBruteForce       EventType = "brute_force_attack"
	EventIntegrity        EventType = "integrity_violation"
	EventSystem           EventType = "system"
)

// Component identifies a monitored part of the infrastructure, used both
// as an event target and in detection blast-radius sets.
type Component string

// Monitored components
const (
	ComponentDatabase    Component = "database"
	ComponentUserAccount Component = "user_account"
	ComponentPerfSchema  Component = "perf_schema"
	ComponentAuditLog    Component = "audit_log"
	ComponentMonitoring  Component = "monitoring_service"
)

// Valid reports whether c names a monitored component.
func (c Component) Valid() bool {
	switch c {
	case ComponentDatabase, ComponentUserAccount, ComponentPerfSchema, ComponentAuditLog, ComponentMonitoring:
		return true
	}
	return false
}

// Event is one normalized observation of the protected database. The
// integrity hash seals every other field; consumers re-verify it before
// trusting stored events as evidence.
type Event struct {
	EventID         string                 `json:"event_id"`
	Type            EventType              `json:"event_type"`
	Timestamp       time.Time              `json:"timestamp"`
	SourceIP        string                 `json:"source_ip"`
	Principal       string                 `json:"principal"`
	TargetComponent Component              `json:"target_component"`
	RiskScore       float64                `json:"risk_score"`
	Details         map[string]interface{} `json:"details,omitempty"`
	IntegrityHash   string                 `json:"integrity_hash"`
}

// Normalizer fills event defaults and seals events with an HMAC so later
// stages can detect modification in flight or at rest.
type Normalizer struct {
	secret []byte
}

// NewNormalizer creates a normalizer sealing events under secret.
func NewNormalizer(secret []byte) (*Normalizer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("normalizer secret is required")
	}
	return &Normalizer{secret: secret}, nil
}

// Normalize fills missing defaults in place and stamps the integrity hash.
func (n *Normalizer) Normalize(event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Type == "" {
		event.Type = EventSystem
	}
	if event.RiskScore < 0 {
		event.RiskScore = 0
	}
	if event.RiskScore > 1 {
		event.RiskScore = 1
	}

	hash, err := n.seal(event)
	if err != nil {
		return err
	}
	event.IntegrityHash = hash
	return nil
}

// Verify reports whether the event's integrity hash still matches its
// contents.
func (n *Normalizer) Verify(event *Event) (bool, error) {
	if event == nil {
		return false, fmt.Errorf("event is nil")
	}
	expected, err := n.seal(event)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(event.IntegrityHash)), nil
}

// seal computes the HMAC over the canonical encoding of the event minus
// its integrity hash field.
func (n *Normalizer) seal(event *Event) (string, error) {
	canonical := struct {
		EventID         string                 `json:"event_id"`
		Type            EventType              `json:"event_type"`
		Timestamp       time.Time              `json:"timestamp"`
		SourceIP        string                 `json:"source_ip"`
		Principal       string                 `json:"principal"`
		TargetComponent Component              `json:"target_component"`
		RiskScore       float64                `json:"risk_score"`
		Details         map[string]interface{} `json:"details,omitempty"`
	}{
		EventID:         event.EventID,
		Type:            event.Type,
		Timestamp:       event.Timestamp,
		SourceIP:        event.SourceIP,
		Principal:       event.Principal,
		TargetComponent: event.TargetComponent,
		RiskScore:       event.RiskScore,
		Details:         event.Details,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal canonical event: %w", err)
	}

	mac := hmac.New(sha256.New, n.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Fingerprint identifies near-identical events for deduplication. Two
// events with the same type, source, principal and target share one
// fingerprint regardless of payload details.
func (e *Event) Fingerprint() string {
	sum := sha256.Sum256([]byte(string(e.Type) + "|" + e.SourceIP + "|" + e.Principal + "|" + string(e.TargetComponent)))
	return hex.EncodeToString(sum[:])
}
