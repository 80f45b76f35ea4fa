package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// NotificationRule routes alerts at or above a priority to channels.
type NotificationRule struct {
	Name              string   `json:"name"`
	PriorityThreshold Priority `json:"priority_threshold"`
	Channels          []string `json:"channels"`
	Recipients        []string `json:"recipients"`
	// ThreatTypePrefix optionally narrows the rule to one threat family.
	ThreatTypePrefix string `json:"threat_type_prefix,omitempty"`
}

func (r *NotificationRule) matches(alert *Alert) bool {
	if alert.Priority.Rank() < r.PriorityThreshold.Rank() {
		return false
	}
	return r.ThreatTypePrefix == "" || strings.HasPrefix(alert.ThreatType, r.ThreatTypePrefix)
}

// EscalationRule re-notifies alerts nobody has picked up.
type EscalationRule struct {
	Name              string        `json:"name"`
	TriggerAfter      time.Duration `json:"trigger_after"`
	MaxEscalations    int           `json:"max_escalations"`
	Targets           []string      `json:"targets"`
	Channels          []string      `json:"channels"`
	PriorityThreshold Priority      `json:"priority_threshold"`
}

// Config tunes the alert manager.
type Config struct {
	SuppressionWindow time.Duration      `json:"suppression_window"`
	ArchiveRetention  time.Duration      `json:"archive_retention"`
	NotificationRules []NotificationRule `json:"notification_rules"`
	EscalationRules   []EscalationRule   `json:"escalation_rules"`
}

// DefaultConfig returns the stock alerting configuration. Rules are
// deployment-specific and start empty.
func DefaultConfig() *Config {
	return &Config{
		SuppressionWindow: 5 * time.Minute,
		ArchiveRetention:  30 * 24 * time.Hour,
	}
}

// Metrics is a counter snapshot.
type Metrics struct {
	AlertsRaised        int64 `json:"alerts_raised"`
	AlertsSuppressed    int64 `json:"alerts_suppressed"`
	AlertsResolved      int64 `json:"alerts_resolved"`
	Escalations         int64 `json:"escalations"`
	NotificationsSent   int64 `json:"notifications_sent"`
	NotificationsFailed int64 `json:"notifications_failed"`
}

type delivery struct {
	notifier     Notifier
	notification *Notification
}

// Manager owns the alert lifecycle. Notification delivery happens
// outside the manager lock so a slow channel cannot stall alerting.
type Manager struct {
	config      *Config
	suppression SuppressionStore
	recorder    audit.Recorder
	logger      *logrus.Logger

	mu        sync.Mutex
	now       func() time.Time
	notifiers map[string]Notifier
	alerts    map[string]*Alert
	archive   []*Alert

	alertsRaised        int64
	alertsSuppressed    int64
	alertsResolved      int64
	escalations         int64
	notificationsSent   int64
	notificationsFailed int64
}

// NewManager creates an alert manager. A nil store falls back to the
// in-process suppression store; a nil recorder disables auditing.
func NewManager(config *Config, store SuppressionStore, recorder audit.Recorder, logger *logrus.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		store = NewMemorySuppression()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		config:      config,
		suppression: store,
		recorder:    recorder,
		logger:      logger,
		now:         time.Now,
		notifiers:   make(map[string]Notifier),
		alerts:      make(map[string]*Alert),
	}
}

// RegisterNotifier installs a delivery channel, replacing any previous
// notifier with the same channel name.
func (m *Manager) RegisterNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers[n.Channel()] = n
}

// Raise creates an alert for the detection, or counts it against an
// open duplicate inside the suppression window. The returned alert is a
// copy; suppressed reports which case happened.
func (m *Manager) Raise(ctx context.Context, det *detect.Detection) (alert *Alert, suppressed bool, err error) {
	if det == nil {
		return nil, false, fmt.Errorf("nil detection")
	}
	fp := fingerprint(det.Type, det.AffectedComponents)
	recent, err := m.suppression.Seen(ctx, fp, m.config.SuppressionWindow)
	if err != nil {
		// A broken suppression store must never swallow alerts.
		m.logger.WithError(err).Warn("Suppression store unavailable; alerting without dedup")
		recent = false
	}

	m.mu.Lock()
	if recent {
		if match := m.openMatchLocked(fp); match != nil {
			match.DuplicateCount++
			atomic.AddInt64(&m.alertsSuppressed, 1)
			c := cloneAlert(match)
			m.mu.Unlock()
			m.audit("alert_suppressed", map[string]interface{}{
				"alert_id":     c.AlertID,
				"threat_type":  c.ThreatType,
				"duplicates":   c.DuplicateCount,
				"detection_id": det.DetectionID,
			})
			return c, true, nil
		}
	}

	now := m.now()
	a := &Alert{
		AlertID:            uuid.New().String(),
		CreatedAt:          now,
		Priority:           PriorityFromSeverity(det.Severity),
		Status:             StatusNew,
		ThreatType:         det.Type,
		AffectedComponents: append([]pipeline.Component(nil), det.AffectedComponents...),
		Description:        det.Description,
		SourceDetectionID:  det.DetectionID,
		SourceEventIDs:     append([]string(nil), det.EvidenceChain...),
	}
	m.alerts[a.AlertID] = a
	atomic.AddInt64(&m.alertsRaised, 1)
	pending := m.routeLocked(a, "")
	c := cloneAlert(a)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"alert_id":    c.AlertID,
		"priority":    c.Priority,
		"threat_type": c.ThreatType,
	}).Info("Alert raised")
	m.audit("alert_raised", map[string]interface{}{
		"alert_id":     c.AlertID,
		"priority":     string(c.Priority),
		"threat_type":  c.ThreatType,
		"detection_id": det.DetectionID,
	})
	m.deliver(ctx, pending)
	return c, false, nil
}

// openMatchLocked finds an unresolved alert with the same fingerprint.
func (m *Manager) openMatchLocked(fp string) *Alert {
	for _, a := range m.alerts {
		if a.open() && fingerprint(a.ThreatType, a.AffectedComponents) == fp {
			return a
		}
	}
	return nil
}

// routeLocked collects the deliveries the notification rules ask for.
// An empty subjectPrefix means a fresh alert; escalations stamp theirs.
func (m *Manager) routeLocked(a *Alert, subjectPrefix string) []delivery {
	var pending []delivery
	for i := range m.config.NotificationRules {
		rule := &m.config.NotificationRules[i]
		if !rule.matches(a) {
			continue
		}
		pending = append(pending, m.deliveriesLocked(a, rule.Channels, rule.Recipients, subjectPrefix)...)
	}
	return pending
}

func (m *Manager) deliveriesLocked(a *Alert, channels, recipients []string, subjectPrefix string) []delivery {
	var out []delivery
	for _, channel := range channels {
		notifier, ok := m.notifiers[channel]
		if !ok {
			m.logger.WithField("channel", channel).Warn("No notifier registered for channel")
			continue
		}
		out = append(out, delivery{
			notifier:     notifier,
			notification: buildNotification(a, recipients, subjectPrefix),
		})
	}
	return out
}

func buildNotification(a *Alert, recipients []string, subjectPrefix string) *Notification {
	components := make([]string, len(a.AffectedComponents))
	for i, c := range a.AffectedComponents {
		components[i] = string(c)
	}
	subject := fmt.Sprintf("[dbsentinel]%s %s: %s", subjectPrefix, a.Priority, a.ThreatType)
	text := fmt.Sprintf("%s\n\nalert: %s\ndetection: %s\ncomponents: %s\nraised: %s",
		a.Description, a.AlertID, a.SourceDetectionID,
		strings.Join(components, ", "), a.CreatedAt.UTC().Format(time.RFC3339))
	html := fmt.Sprintf("<p><strong>%s</strong> %s</p><p>%s</p><p>alert %s &middot; components: %s</p>",
		a.Priority, a.ThreatType, a.Description, a.AlertID, strings.Join(components, ", "))
	return &Notification{
		AlertID:    a.AlertID,
		Priority:   a.Priority,
		Subject:    subject,
		Text:       text,
		HTML:       html,
		Recipients: recipients,
	}
}

// deliver sends queued notifications, counting failures without ever
// surfacing them to the alert path.
func (m *Manager) deliver(ctx context.Context, pending []delivery) {
	for _, d := range pending {
		if err := d.notifier.Send(ctx, d.notification); err != nil {
			atomic.AddInt64(&m.notificationsFailed, 1)
			m.logger.WithError(err).WithFields(logrus.Fields{
				"channel":  d.notifier.Channel(),
				"alert_id": d.notification.AlertID,
			}).Warn("Alert notification failed")
			m.audit("notification_failed", map[string]interface{}{
				"alert_id": d.notification.AlertID,
				"channel":  d.notifier.Channel(),
				"error":    err.Error(),
			})
			continue
		}
		atomic.AddInt64(&m.notificationsSent, 1)
	}
}

// Acknowledge moves a NEW or ESCALATED alert to ACK.
func (m *Manager) Acknowledge(alertID, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("unknown alert %s", alertID)
	}
	if a.Status != StatusNew && a.Status != StatusEscalated {
		return fmt.Errorf("cannot acknowledge alert in state %s", a.Status)
	}
	now := m.now()
	a.Status = StatusAcked
	a.AckedBy = by
	a.AckedAt = &now
	m.audit("alert_acknowledged", map[string]interface{}{"alert_id": alertID, "by": by})
	return nil
}

// StartProgress moves an ACK alert to IN_PROGRESS.
func (m *Manager) StartProgress(alertID, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("unknown alert %s", alertID)
	}
	if a.Status != StatusAcked {
		return fmt.Errorf("cannot start progress on alert in state %s", a.Status)
	}
	a.Status = StatusInProgress
	m.audit("alert_in_progress", map[string]interface{}{"alert_id": alertID, "by": by})
	return nil
}

// Resolve closes an acknowledged or escalated alert and files it in the
// archive. Resolved alerts are immutable afterwards.
func (m *Manager) Resolve(alertID, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("unknown alert %s", alertID)
	}
	switch a.Status {
	case StatusAcked, StatusInProgress, StatusEscalated:
	case StatusNew:
		return fmt.Errorf("alert %s must be acknowledged before resolution", alertID)
	default:
		return fmt.Errorf("cannot resolve alert in state %s", a.Status)
	}
	now := m.now()
	a.Status = StatusResolved
	a.ResolvedBy = by
	a.ResolvedAt = &now
	delete(m.alerts, alertID)
	m.archive = append(m.archive, a)
	atomic.AddInt64(&m.alertsResolved, 1)
	m.audit("alert_resolved", map[string]interface{}{"alert_id": alertID, "by": by})
	return nil
}

// RunEscalations escalates unhandled alerts per the escalation rules
// and returns how many escalations fired. The supervisor calls this on
// its cycle.
func (m *Manager) RunEscalations(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var pending []delivery
	escalated := 0
	for _, a := range m.alerts {
		if a.Status != StatusNew && a.Status != StatusEscalated {
			continue
		}
		for i := range m.config.EscalationRules {
			rule := &m.config.EscalationRules[i]
			if a.Priority.Rank() < rule.PriorityThreshold.Rank() {
				continue
			}
			if a.EscalationCount >= rule.MaxEscalations {
				continue
			}
			anchor := a.CreatedAt
			if a.LastEscalatedAt != nil {
				anchor = *a.LastEscalatedAt
			}
			if now.Sub(anchor) < rule.TriggerAfter {
				continue
			}
			a.Status = StatusEscalated
			a.EscalationCount++
			t := now
			a.LastEscalatedAt = &t
			escalated++
			atomic.AddInt64(&m.escalations, 1)
			prefix := fmt.Sprintf("[escalation %d]", a.EscalationCount)
			pending = append(pending, m.deliveriesLocked(a, rule.Channels, rule.Targets, prefix)...)
			m.logger.WithFields(logrus.Fields{
				"alert_id":   a.AlertID,
				"rule":       rule.Name,
				"escalation": a.EscalationCount,
			}).Warn("Alert escalated")
			m.audit("alert_escalated", map[string]interface{}{
				"alert_id":   a.AlertID,
				"rule":       rule.Name,
				"escalation": a.EscalationCount,
			})
			break // one rule per alert per cycle
		}
	}
	m.mu.Unlock()
	m.deliver(ctx, pending)
	return escalated
}

// SweepArchive drops archived alerts past the retention window and
// returns how many were removed.
func (m *Manager) SweepArchive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.config.ArchiveRetention)
	keep := m.archive[:0]
	dropped := 0
	for _, a := range m.archive {
		if a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			dropped++
			continue
		}
		keep = append(keep, a)
	}
	m.archive = keep
	return dropped
}

// ActiveAlerts returns copies of unresolved alerts, highest priority
// first, oldest first within a priority.
func (m *Manager) ActiveAlerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ArchivedAlerts returns copies of resolved alerts still in retention.
func (m *Manager) ArchivedAlerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Alert, 0, len(m.archive))
	for _, a := range m.archive {
		out = append(out, cloneAlert(a))
	}
	return out
}

// Alert returns a copy of an alert by id, archived ones included.
func (m *Manager) Alert(alertID string) (*Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[alertID]; ok {
		return cloneAlert(a), true
	}
	for _, a := range m.archive {
		if a.AlertID == alertID {
			return cloneAlert(a), true
		}
	}
	return nil, false
}

// Metrics returns a snapshot of the manager counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		AlertsRaised:        atomic.LoadInt64(&m.alertsRaised),
		AlertsSuppressed:    atomic.LoadInt64(&m.alertsSuppressed),
		AlertsResolved:      atomic.LoadInt64(&m.alertsResolved),
		Escalations:         atomic.LoadInt64(&m.escalations),
		NotificationsSent:   atomic.LoadInt64(&m.notificationsSent),
		NotificationsFailed: atomic.LoadInt64(&m.notificationsFailed),
	}
}

func cloneAlert(a *Alert) *Alert {
	c := *a
	c.AffectedComponents = append([]pipeline.Component(nil), a.AffectedComponents...)
	c.SourceEventIDs = append([]string(nil), a.SourceEventIDs...)
	return &c
}

func (m *Manager) audit(action string, details map[string]interface{}) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Append(audit.CategoryDetection, "alert_manager", action, details); err != nil {
		m.logger.WithError(err).Warn("Failed to audit alert event")
	}
}
