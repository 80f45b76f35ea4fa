// Package emergency holds the protection state machine: it assesses the
// active threat picture into a posture level, initiates and releases
// system lockdowns, and remediates threats that keep coming back.
package emergency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
	"github.com/dbsentinel/dbsentinel/internal/response"
)

// Level is the current protection posture.
type Level string

// Posture levels, calmest first.
const (
	LevelNone     Level = "NONE"
	LevelElevated Level = "ELEVATED"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
	LevelLockdown Level = "LOCKDOWN"
)

// Rank orders levels for comparison.
func (l Level) Rank() int {
	switch l {
	case LevelElevated:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	case LevelLockdown:
		return 4
	default:
		return 0
	}
}

// Config tunes the protection state machine.
type Config struct {
	// CriticalCompromise is how many concurrently active CRITICAL
	// detections force a lockdown outright.
	CriticalCompromise int `json:"critical_compromise"`
	// Aggregate-score triggers per level. The aggregate is the mean of
	// confidence-weighted severity scores over active detections.
	LockdownTrigger float64 `json:"lockdown_trigger"`
	CriticalTrigger float64 `json:"critical_trigger"`
	HighTrigger     float64 `json:"high_trigger"`
	ElevatedTrigger float64 `json:"elevated_trigger"`
	// ActiveWindow is how long a detection stays part of the posture
	// assessment after it is observed.
	ActiveWindow time.Duration `json:"active_window"`
	// LockdownTimeout releases a lockdown after this long when the
	// timeout unlock condition is enabled.
	LockdownTimeout time.Duration `json:"lockdown_timeout"`
	// ManualUnlock controls whether operators may release lockdowns
	// without an unlock code.
	ManualUnlock bool `json:"manual_unlock"`
	// UnlockSecret signs emergency unlock codes. Empty disables the
	// code path entirely.
	UnlockSecret string `json:"-"`
	// UnlockCodeTTL bounds the validity of minted unlock codes.
	UnlockCodeTTL time.Duration `json:"unlock_code_ttl"`
	// MaxRemediationAttempts is how often a recurring threat is
	// auto-remediated before it is flagged for an operator.
	MaxRemediationAttempts int `json:"max_remediation_attempts"`
	// PersistentThreatTTL drops recurring-threat records not seen for
	// this long.
	PersistentThreatTTL time.Duration `json:"persistent_threat_ttl"`
}

// DefaultConfig returns the stock emergency configuration.
func DefaultConfig() *Config {
	return &Config{
		CriticalCompromise:     2,
		LockdownTrigger:        0.95,
		CriticalTrigger:        0.9,
		HighTrigger:            0.7,
		ElevatedTrigger:        0.4,
		ActiveWindow:           15 * time.Minute,
		LockdownTimeout:        60 * time.Minute,
		ManualUnlock:           true,
		UnlockCodeTTL:          15 * time.Minute,
		MaxRemediationAttempts: 5,
		PersistentThreatTTL:    24 * time.Hour,
	}
}

// UnlockConditions records how a lockdown may be released.
type UnlockConditions struct {
	TimeoutMinutes int  `json:"timeout_minutes"`
	ThreatResolved bool `json:"threat_resolved"`
	ManualUnlock   bool `json:"manual_unlock"`
}

// SystemLockdown records one lockdown episode.
type SystemLockdown struct {
	LockdownID       string               `json:"lockdown_id"`
	InitiatedAt      time.Time            `json:"initiated_at"`
	Reason           string               `json:"reason"`
	LockedComponents []pipeline.Component `json:"locked_components"`
	UnlockConditions UnlockConditions     `json:"unlock_conditions"`
	Active           bool                 `json:"active"`
	UnlockedAt       *time.Time           `json:"unlocked_at,omitempty"`
	UnlockedBy       string               `json:"unlocked_by,omitempty"`
}

// State is a point-in-time snapshot of the protection posture.
type State struct {
	Level             Level               `json:"level"`
	ActiveLockdowns   []*SystemLockdown   `json:"active_lockdowns"`
	PersistentThreats []*PersistentThreat `json:"persistent_threats"`
}

// Metrics is a counter snapshot.
type Metrics struct {
	LevelChanges        int64 `json:"level_changes"`
	LockdownsInitiated  int64 `json:"lockdowns_initiated"`
	LockdownsReleased   int64 `json:"lockdowns_released"`
	RemediationAttempts int64 `json:"remediation_attempts"`
	ThreatsEscalated    int64 `json:"threats_escalated"`
}

type activeDetection struct {
	det  *detect.Detection
	seen time.Time
}

// Protector is the single writer of emergency state. Detections flow in
// through ObserveDetection; the supervisor calls Assess and
// CheckUnlockConditions on its cycle.
type Protector struct {
	config   *Config
	isolator response.Isolator
	recorder audit.Recorder
	logger   *logrus.Logger

	mu        sync.Mutex
	now       func() time.Time
	level     Level
	active    []activeDetection
	lockdowns map[string]*SystemLockdown
	threats   map[string]*PersistentThreat

	levelChanges        int64
	lockdownsInitiated  int64
	lockdownsReleased   int64
	remediationAttempts int64
	threatsEscalated    int64
}

// New creates a protector. A nil isolator falls back to the in-process
// implementation; a nil recorder disables auditing.
func New(config *Config, isolator response.Isolator, recorder audit.Recorder, logger *logrus.Logger) *Protector {
	if config == nil {
		config = DefaultConfig()
	}
	if isolator == nil {
		isolator = response.NewMemoryIsolator()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Protector{
		config:    config,
		isolator:  isolator,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
		level:     LevelNone,
		lockdowns: make(map[string]*SystemLockdown),
		threats:   make(map[string]*PersistentThreat),
	}
}

// ObserveDetection feeds one detection into the posture assessment and
// the recurring-threat tracker.
func (p *Protector) ObserveDetection(ctx context.Context, det *detect.Detection) {
	if det == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.active = append(p.active, activeDetection{det: det, seen: now})
	p.trackThreatLocked(ctx, now, det)
}

// Assess recomputes the posture level from the active detections,
// initiating a lockdown when the rules demand one. Returns the
// effective level.
func (p *Protector) Assess(ctx context.Context) Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	raw := p.assessLocked(now)
	if raw == LevelLockdown && !p.hasActiveLockdownLocked() {
		p.initiateLockdownLocked(ctx, now)
	}
	p.updateLevelLocked(now, raw)
	return p.level
}

// Level returns the current effective posture level.
func (p *Protector) Level() Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// severityScore is the per-detection contribution to the aggregate.
func severityScore(det *detect.Detection) float64 {
	weight := 0.1
	switch det.Severity {
	case detect.SeverityCritical:
		weight = 1.0
	case detect.SeverityHigh:
		weight = 0.7
	case detect.SeverityMedium:
		weight = 0.4
	}
	return weight * det.Confidence
}

// assessLocked computes the raw level from detections still inside the
// active window. The aggregate is a mean so the rule ladder stays
// meaningful at any detection count.
func (p *Protector) assessLocked(now time.Time) Level {
	cutoff := now.Add(-p.config.ActiveWindow)
	keep := p.active[:0]
	var criticals, highs int
	var total float64
	for _, ad := range p.active {
		if ad.seen.Before(cutoff) {
			continue
		}
		keep = append(keep, ad)
		switch ad.det.Severity {
		case detect.SeverityCritical:
			criticals++
		case detect.SeverityHigh:
			highs++
		}
		total += severityScore(ad.det)
	}
	p.active = keep
	aggregate := 0.0
	if len(p.active) > 0 {
		aggregate = total / float64(len(p.active))
	}

	switch {
	case criticals >= p.config.CriticalCompromise || aggregate >= p.config.LockdownTrigger:
		return LevelLockdown
	case criticals >= 1 || aggregate >= p.config.CriticalTrigger:
		return LevelCritical
	case highs >= 2 || aggregate >= p.config.HighTrigger:
		return LevelHigh
	case highs >= 1 || aggregate >= p.config.ElevatedTrigger:
		return LevelElevated
	default:
		return LevelNone
	}
}

// updateLevelLocked applies the raw assessment, pinning the effective
// level to LOCKDOWN while any lockdown is active.
func (p *Protector) updateLevelLocked(now time.Time, raw Level) {
	effective := raw
	if p.hasActiveLockdownLocked() {
		effective = LevelLockdown
	}
	if effective == p.level {
		return
	}
	prev := p.level
	p.level = effective
	atomic.AddInt64(&p.levelChanges, 1)
	p.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   effective,
	}).Warn("Emergency posture level changed")
	p.audit("emergency_level_changed", map[string]interface{}{
		"from": string(prev),
		"to":   string(effective),
	})
}

func (p *Protector) hasActiveLockdownLocked() bool {
	for _, ld := range p.lockdowns {
		if ld.Active {
			return true
		}
	}
	return false
}

// initiateLockdownLocked locks every component named by the active
// detections, widening to the database and service account when a
// CRITICAL detection contributed.
func (p *Protector) initiateLockdownLocked(ctx context.Context, now time.Time) *SystemLockdown {
	componentSet := make(map[pipeline.Component]bool)
	anyCritical := false
	reason := "aggregate threat score exceeded lockdown trigger"
	for _, ad := range p.active {
		for _, c := range ad.det.AffectedComponents {
			componentSet[c] = true
		}
		if ad.det.Severity == detect.SeverityCritical {
			anyCritical = true
		}
	}
	if anyCritical {
		componentSet[pipeline.ComponentDatabase] = true
		componentSet[pipeline.ComponentUserAccount] = true
		reason = "critical component compromise"
	}
	if len(componentSet) == 0 {
		componentSet[pipeline.ComponentDatabase] = true
	}

	components := make([]pipeline.Component, 0, len(componentSet))
	for c := range componentSet {
		components = append(components, c)
		if err := p.isolator.Isolate(ctx, c, response.IsolationComplete); err != nil {
			p.logger.WithError(err).WithField("component", c).Error("Failed to lock component during lockdown")
		}
	}

	ld := &SystemLockdown{
		LockdownID:       uuid.New().String(),
		InitiatedAt:      now,
		Reason:           reason,
		LockedComponents: components,
		UnlockConditions: UnlockConditions{
			TimeoutMinutes: int(p.config.LockdownTimeout.Minutes()),
			ThreatResolved: true,
			ManualUnlock:   p.config.ManualUnlock,
		},
		Active: true,
	}
	p.lockdowns[ld.LockdownID] = ld
	atomic.AddInt64(&p.lockdownsInitiated, 1)
	p.logger.WithFields(logrus.Fields{
		"lockdown_id": ld.LockdownID,
		"components":  len(components),
		"reason":      reason,
	}).Error("System lockdown initiated")
	p.audit("system_lockdown_initiated", map[string]interface{}{
		"lockdown_id": ld.LockdownID,
		"reason":      reason,
		"components":  componentNames(components),
	})
	return ld
}

// CheckUnlockConditions releases lockdowns whose conditions are met:
// the timeout has passed, or the threat picture has calmed below HIGH
// while the threat_resolved condition is enabled. Returns how many
// lockdowns were released.
func (p *Protector) CheckUnlockConditions(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	raw := p.assessLocked(now)
	released := 0
	for _, ld := range p.lockdowns {
		if !ld.Active {
			continue
		}
		timeout := time.Duration(ld.UnlockConditions.TimeoutMinutes) * time.Minute
		switch {
		case timeout > 0 && now.Sub(ld.InitiatedAt) >= timeout:
			p.releaseLocked(ctx, now, ld, "timeout")
			released++
		case ld.UnlockConditions.ThreatResolved && raw.Rank() < LevelHigh.Rank():
			p.releaseLocked(ctx, now, ld, "threat_resolved")
			released++
		}
	}
	if released > 0 {
		p.updateLevelLocked(now, p.assessLocked(now))
	}
	return released
}

// Unlock releases a lockdown on operator authority. It fails when the
// lockdown does not allow manual unlock; those need an unlock code.
func (p *Protector) Unlock(ctx context.Context, lockdownID, operator string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ld, err := p.activeLockdownLocked(lockdownID)
	if err != nil {
		return err
	}
	if !ld.UnlockConditions.ManualUnlock {
		return errManualUnlockDisabled
	}
	now := p.now()
	p.releaseLocked(ctx, now, ld, "manual_unlock:"+operator)
	p.updateLevelLocked(now, p.assessLocked(now))
	return nil
}

// releaseLocked lifts the lockdown's isolations and closes the record.
func (p *Protector) releaseLocked(ctx context.Context, now time.Time, ld *SystemLockdown, by string) {
	for _, c := range ld.LockedComponents {
		if err := p.isolator.Lift(ctx, c); err != nil {
			p.logger.WithError(err).WithField("component", c).Error("Failed to unlock component")
		}
	}
	unlocked := now
	ld.Active = false
	ld.UnlockedAt = &unlocked
	ld.UnlockedBy = by
	atomic.AddInt64(&p.lockdownsReleased, 1)
	p.logger.WithFields(logrus.Fields{
		"lockdown_id": ld.LockdownID,
		"unlocked_by": by,
	}).Warn("System lockdown released")
	p.audit("system_lockdown_released", map[string]interface{}{
		"lockdown_id": ld.LockdownID,
		"unlocked_by": by,
	})
}

// Lockdown returns a copy of the lockdown record by id, released ones
// included.
func (p *Protector) Lockdown(lockdownID string) (*SystemLockdown, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ld, ok := p.lockdowns[lockdownID]
	if !ok {
		return nil, false
	}
	c := *ld
	return &c, true
}

// ActiveLockdowns returns copies of the open lockdown records.
func (p *Protector) ActiveLockdowns() []*SystemLockdown {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*SystemLockdown
	for _, ld := range p.lockdowns {
		if ld.Active {
			c := *ld
			out = append(out, &c)
		}
	}
	return out
}

// Snapshot returns the full emergency state for status rendering.
func (p *Protector) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := State{Level: p.level}
	for _, ld := range p.lockdowns {
		if ld.Active {
			c := *ld
			st.ActiveLockdowns = append(st.ActiveLockdowns, &c)
		}
	}
	for _, pt := range p.threats {
		c := *pt
		st.PersistentThreats = append(st.PersistentThreats, &c)
	}
	return st
}

// Metrics returns a snapshot of the protector counters.
func (p *Protector) Metrics() Metrics {
	return Metrics{
		LevelChanges:        atomic.LoadInt64(&p.levelChanges),
		LockdownsInitiated:  atomic.LoadInt64(&p.lockdownsInitiated),
		LockdownsReleased:   atomic.LoadInt64(&p.lockdownsReleased),
		RemediationAttempts: atomic.LoadInt64(&p.remediationAttempts),
		ThreatsEscalated:    atomic.LoadInt64(&p.threatsEscalated),
	}
}

func componentNames(components []pipeline.Component) []string {
	names := make([]string, len(components))
	for i, c := range components {
		names[i] = string(c)
	}
	return names
}

func (p *Protector) audit(action string, details map[string]interface{}) {
	if p.recorder == nil {
		return
	}
	if _, err := p.recorder.Append(audit.CategoryEmergency, "emergency_protector", action, details); err != nil {
		p.logger.WithError(err).Warn("Failed to audit emergency transition")
	}
}
