// Package alerting turns detections into operator-facing alerts:
// priority classification, duplicate suppression, notification fanout,
// and escalation of alerts nobody picks up.
package alerting

import (
	"sort"
	"strings"
	"time"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// Priority ranks an alert for operators.
type Priority string

// Alert priorities, lowest first.
const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities for threshold comparisons.
func (p Priority) Rank() int {
	switch p {
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 0
	}
}

// PriorityFromSeverity maps detection severity to alert priority 1:1.
func PriorityFromSeverity(severity detect.Severity) Priority {
	switch severity {
	case detect.SeverityCritical:
		return PriorityCritical
	case detect.SeverityHigh:
		return PriorityHigh
	case detect.SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Status is an alert's lifecycle state.
type Status string

// Alert lifecycle states.
const (
	StatusNew        Status = "NEW"
	StatusAcked      Status = "ACK"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusEscalated  Status = "ESCALATED"
)

// Alert is one operator-facing item derived from a detection. Resolved
// alerts are immutable apart from archival.
type Alert struct {
	AlertID            string               `json:"alert_id"`
	CreatedAt          time.Time            `json:"created_at"`
	Priority           Priority             `json:"priority"`
	Status             Status               `json:"status"`
	ThreatType         string               `json:"threat_type"`
	AffectedComponents []pipeline.Component `json:"affected_components,omitempty"`
	Description        string               `json:"description,omitempty"`
	SourceDetectionID  string               `json:"source_detection_id"`
	SourceEventIDs     []string             `json:"source_event_ids,omitempty"`
	AckedBy            string               `json:"acked_by,omitempty"`
	AckedAt            *time.Time           `json:"acked_at,omitempty"`
	ResolvedBy         string               `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time           `json:"resolved_at,omitempty"`
	EscalationCount    int                  `json:"escalation_count"`
	LastEscalatedAt    *time.Time           `json:"last_escalated_at,omitempty"`
	DuplicateCount     int                  `json:"duplicate_count"`
}

// open reports whether the alert still participates in suppression and
// escalation.
func (a *Alert) open() bool {
	return a.Status != StatusResolved
}

// fingerprint is the suppression identity: threat type plus the sorted
// affected components.
func fingerprint(threatType string, components []pipeline.Component) string {
	names := make([]string, len(components))
	for i, c := range components {
		names[i] = string(c)
	}
	sort.Strings(names)
	return threatType + "|" + strings.Join(names, ",")
}
