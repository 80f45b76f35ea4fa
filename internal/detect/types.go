// Package detect defines the detection contract shared by the behavioral,
// signature and advanced-threat detectors and their downstream consumers.
package detect

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// Severity indicates how dangerous a detection is.
type Severity string

// Severity levels
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank maps a severity onto an ordinal for comparisons; unknown values
// rank below LOW.
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

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Recommended response action tags carried on detections.
const (
	ActionMonitor           = "monitor"
	ActionAlertOperators    = "alert_operators"
	ActionIsolate           = "isolate"
	ActionRotateCredentials = "rotate_credentials"
	ActionSwitchBackup      = "switch_backup"
	ActionLockdown          = "lockdown"
)

// Detection is a detector's finding: one confirmed or suspected threat.
// EvidenceChain references the sealed pipeline events that contributed,
// so findings stay verifiable against the retained event history.
// Detections are immutable once emitted.
type Detection struct {
	DetectionID        string                 `json:"detection_id"`
	Timestamp          time.Time              `json:"timestamp"`
	Type               string                 `json:"threat_type"`
	Severity           Severity               `json:"severity"`
	AffectedComponents []pipeline.Component   `json:"affected_components,omitempty"`
	Indicators         map[string]interface{} `json:"indicators,omitempty"`
	Confidence         float64                `json:"confidence"`
	RecommendedActions []string               `json:"recommended_actions,omitempty"`
	EvidenceChain      []string               `json:"evidence_chain,omitempty"`
	Detector           string                 `json:"detector"`
	SourceIP           string                 `json:"source_ip,omitempty"`
	Principal          string                 `json:"principal,omitempty"`
	Description        string                 `json:"description,omitempty"`
}

// NewDetection creates a detection with a generated id and timestamp.
func NewDetection(detector, threatType string, severity Severity, confidence float64, description string) *Detection {
	return &Detection{
		DetectionID: uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Type:        threatType,
		Severity:    severity,
		Confidence:  ClampConfidence(confidence),
		Detector:    detector,
		Indicators:  make(map[string]interface{}),
		Description: description,
	}
}

// WithEvent attributes the detection to a triggering event: the event id
// joins the evidence chain, its target component joins the blast radius,
// and unset actor fields are copied from the event.
func (d *Detection) WithEvent(event *pipeline.Event) *Detection {
	if event == nil {
		return d
	}
	d.EvidenceChain = append(d.EvidenceChain, event.EventID)
	d.AddComponent(event.TargetComponent)
	if d.SourceIP == "" {
		d.SourceIP = event.SourceIP
	}
	if d.Principal == "" {
		d.Principal = event.Principal
	}
	return d
}

// WithIndicator attaches one indicator attribute and returns the detection.
func (d *Detection) WithIndicator(key string, value interface{}) *Detection {
	if d.Indicators == nil {
		d.Indicators = make(map[string]interface{})
	}
	d.Indicators[key] = value
	return d
}

// WithActions sets the ordered recommended actions and returns the detection.
func (d *Detection) WithActions(actions ...string) *Detection {
	d.RecommendedActions = actions
	return d
}

// AddComponent adds a component to the blast radius, keeping the set
// property.
func (d *Detection) AddComponent(component pipeline.Component) {
	if component == "" {
		return
	}
	for _, c := range d.AffectedComponents {
		if c == component {
			return
		}
	}
	d.AffectedComponents = append(d.AffectedComponents, component)
}

// Affects reports whether the component is in the detection's blast radius.
func (d *Detection) Affects(component pipeline.Component) bool {
	for _, c := range d.AffectedComponents {
		if c == component {
			return true
		}
	}
	return false
}

// Detector is one analysis stage consuming normalized events.
type Detector interface {
	// Name identifies the detector in detections and health reports.
	Name() string
	// Process analyzes one event and returns zero or more detections.
	Process(ctx context.Context, event *pipeline.Event) []*Detection
	// Healthy reports whether the detector is operational.
	Healthy() bool
}

// ClampConfidence bounds a confidence score to [0, 1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IsOffHours reports whether t falls inside the low-activity window from
// startHour (inclusive) to endHour (exclusive), wrapping midnight.
func IsOffHours(t time.Time, startHour, endHour int) bool {
	h := t.Hour()
	if startHour <= endHour {
		return h >= startHour && h < endHour
	}
	return h >= startHour || h < endHour
}
