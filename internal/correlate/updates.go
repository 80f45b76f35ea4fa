package correlate

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/detect/advanced"
	"github.com/dbsentinel/dbsentinel/internal/detect/signature"
)

// UpdateType classifies an adaptive tuning change.
type UpdateType string

// Update types
const (
	UpdateAddPattern      UpdateType = "add_pattern"
	UpdateAdjustThreshold UpdateType = "adjust_threshold"
	UpdateOptimizeWindow  UpdateType = "optimize_window"
)

// UpdateState tracks an update through its lifecycle.
type UpdateState string

// Update states
const (
	UpdatePending    UpdateState = "pending"
	UpdateApplied    UpdateState = "applied"
	UpdateRolledBack UpdateState = "rolled_back"
	UpdateRejected   UpdateState = "rejected"
)

// TargetSelf marks updates that tune the correlation engine itself.
const TargetSelf = "correlation_engine"

// Targets references the detectors the adaptive update path tunes. Nil
// fields disable the corresponding update types.
type Targets struct {
	Signature *signature.Detector
	Advanced  *advanced.Detector
}

// SecurityUpdate is one proposed or applied tuning change. Rollback holds
// the previous values so the change reverses losslessly.
type SecurityUpdate struct {
	UpdateID   string                 `json:"update_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Type       UpdateType             `json:"update_type"`
	Target     string                 `json:"target"`
	Reason     string                 `json:"reason"`
	Confidence float64                `json:"confidence"`
	Parameters map[string]interface{} `json:"parameters"`
	State      UpdateState            `json:"state"`
	AppliedAt  *time.Time             `json:"applied_at,omitempty"`
	Rollback   map[string]interface{} `json:"rollback_data,omitempty"`
}

func newUpdate(updateType UpdateType, target, reason string, confidence float64, parameters map[string]interface{}) *SecurityUpdate {
	return &SecurityUpdate{
		UpdateID:   uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Type:       updateType,
		Target:     target,
		Reason:     reason,
		Confidence: detect.ClampConfidence(confidence),
		Parameters: parameters,
	}
}

// RunAdaptiveCycle inspects the evidence gathered since the last cycle
// and emits tuning updates. Confident updates auto-apply when enabled;
// the rest join the approval queue. Stats reset afterwards so each cycle
// judges fresh evidence.
func (e *Engine) RunAdaptiveCycle() []*SecurityUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var proposed []*SecurityUpdate
	for attackType, st := range e.stats {
		if u := e.effectivenessUpdate(attackType, st); u != nil {
			proposed = append(proposed, u)
		}
		if u := e.falsePositiveUpdate(attackType, st); u != nil {
			proposed = append(proposed, u)
		}
		if u := e.windowUpdate(attackType, st); u != nil {
			proposed = append(proposed, u)
		}
		if u := e.patternUpdate(attackType, st); u != nil {
			proposed = append(proposed, u)
		}
	}

	for _, u := range proposed {
		e.admitLocked(u)
	}

	e.stats = make(map[string]*typeStats)
	return proposed
}

// effectivenessUpdate loosens a signature gate that keeps producing real
// sequences: the pattern works, catch it earlier.
func (e *Engine) effectivenessUpdate(attackType string, st *typeStats) *SecurityUpdate {
	if e.targets.Signature == nil || st.sequences < e.config.EffectivenessMinSequences {
		return nil
	}
	category, ok := signatureCategory(attackType)
	if !ok {
		return nil
	}

	current := e.targets.Signature.Threshold(category)
	next := current - 0.05
	if next < 0.3 {
		return nil
	}

	return newUpdate(UpdateAdjustThreshold, signature.DetectorName,
		fmt.Sprintf("%d %s sequences this cycle; lowering the gate to catch the pattern earlier", st.sequences, attackType),
		0.6+0.1*float64(st.sequences),
		map[string]interface{}{"category": category, "threshold": next})
}

// falsePositiveUpdate tightens a signature gate that produces volume
// without ever correlating or escalating.
func (e *Engine) falsePositiveUpdate(attackType string, st *typeStats) *SecurityUpdate {
	if e.targets.Signature == nil || st.detections < e.config.FalsePositiveMinDetections {
		return nil
	}
	if st.sequences > 0 || st.maxSeverity.AtLeast(detect.SeverityHigh) {
		return nil
	}
	category, ok := signatureCategory(attackType)
	if !ok {
		return nil
	}

	current := e.targets.Signature.Threshold(category)
	next := current + 0.05
	if next > 0.95 {
		return nil
	}

	return newUpdate(UpdateAdjustThreshold, signature.DetectorName,
		fmt.Sprintf("%d uncorrelated low-severity %s detections this cycle; raising the gate", st.detections, attackType),
		0.5+0.02*float64(st.detections),
		map[string]interface{}{"category": category, "threshold": next})
}

// windowUpdate widens a window that evidence shows is too tight: the
// engine's own correlation window on near misses, the advanced analysis
// window when slow persistence campaigns keep forming sequences.
func (e *Engine) windowUpdate(attackType string, st *typeStats) *SecurityUpdate {
	if st.nearMisses >= e.config.NearMissMin {
		next := e.config.CorrelationWindow * 3 / 2
		if next > e.config.SequenceTimeout {
			next = e.config.SequenceTimeout
		}
		if next > e.config.CorrelationWindow {
			return newUpdate(UpdateOptimizeWindow, TargetSelf,
				fmt.Sprintf("%d %s detections just missed the correlation window", st.nearMisses, attackType),
				0.75,
				map[string]interface{}{"window_seconds": next.Seconds()})
		}
	}

	if e.targets.Advanced != nil &&
		strings.HasPrefix(attackType, "persistence_") &&
		st.sequences >= e.config.EffectivenessMinSequences {
		next := e.targets.Advanced.AnalysisWindow() * 5 / 4
		if next > 7*24*time.Hour {
			return nil
		}
		return newUpdate(UpdateOptimizeWindow, advanced.DetectorName,
			fmt.Sprintf("%d %s sequences this cycle; widening the analysis window for slower campaigns", st.sequences, attackType),
			0.6+0.1*float64(st.sequences),
			map[string]interface{}{"window_seconds": next.Seconds()})
	}

	return nil
}

// patternUpdate proposes a literal signature for recurring matched text
// behind a non-signature threat type. Proposals carry low confidence and
// queue for operator approval.
func (e *Engine) patternUpdate(attackType string, st *typeStats) *SecurityUpdate {
	if e.targets.Signature == nil || st.detections < e.config.AddPatternMinDetections {
		return nil
	}
	if _, isSignature := signatureCategory(attackType); isSignature {
		return nil
	}

	text, count := mostCommon(st.matchedTexts)
	if text == "" || count < e.config.AddPatternMinDetections/2 {
		return nil
	}

	category := attackType
	if i := strings.Index(attackType, "_"); i > 0 {
		category = attackType[:i]
	}

	h := fnv.New32a()
	h.Write([]byte(text))
	severity := detect.SeverityHigh
	if st.maxSeverity.AtLeast(detect.SeverityCritical) {
		severity = detect.SeverityCritical
	}

	return newUpdate(UpdateAddPattern, signature.DetectorName,
		fmt.Sprintf("matched text recurred %d times across %s detections", count, attackType),
		0.65,
		map[string]interface{}{
			"pattern_id":      fmt.Sprintf("adaptive_%s_%08x", category, h.Sum32()),
			"category":        category,
			"expression":      regexp.QuoteMeta(strings.ToLower(text)),
			"severity":        string(severity),
			"base_confidence": 0.7,
		})
}

// admitLocked registers an update, auto-applying when allowed and
// queueing it for approval otherwise. Caller holds the lock.
func (e *Engine) admitLocked(u *SecurityUpdate) {
	e.updates[u.UpdateID] = u
	atomic.AddInt64(&e.updatesEmitted, 1)

	if e.config.AutoApply && u.Confidence >= e.config.AutoApplyConfidence {
		if err := e.applyLocked(u); err != nil {
			u.State = UpdateRejected
			atomic.AddInt64(&e.updatesRejected, 1)
			e.logger.WithError(err).WithField("update_id", u.UpdateID).Warn("Failed to apply security update")
		}
		return
	}

	if len(e.queue) >= e.config.MaxPendingUpdates {
		u.State = UpdateRejected
		atomic.AddInt64(&e.updatesRejected, 1)
		e.logger.WithFields(logrus.Fields{
			"update_id":   u.UpdateID,
			"update_type": u.Type,
		}).Warn("Approval queue full, rejecting security update")
		return
	}

	u.State = UpdatePending
	e.queue = append(e.queue, u)
	e.logger.WithFields(logrus.Fields{
		"update_id":   u.UpdateID,
		"update_type": u.Type,
		"confidence":  u.Confidence,
	}).Info("Security update queued for approval")
}

// applyLocked performs the update and captures rollback data. Caller
// holds the lock, which serializes all applies.
func (e *Engine) applyLocked(u *SecurityUpdate) error {
	switch u.Type {
	case UpdateAdjustThreshold:
		if e.targets.Signature == nil {
			return fmt.Errorf("no signature detector registered")
		}
		category := stringParam(u.Parameters, "category")
		threshold, ok := floatParam(u.Parameters, "threshold")
		if category == "" || !ok {
			return fmt.Errorf("adjust_threshold update %s missing parameters", u.UpdateID)
		}
		prev := e.targets.Signature.SetThreshold(category, threshold)
		u.Rollback = map[string]interface{}{"category": category, "threshold": prev}

	case UpdateOptimizeWindow:
		seconds, ok := floatParam(u.Parameters, "window_seconds")
		if !ok || seconds <= 0 {
			return fmt.Errorf("optimize_window update %s missing parameters", u.UpdateID)
		}
		next := time.Duration(seconds * float64(time.Second))
		switch u.Target {
		case TargetSelf:
			prev := e.config.CorrelationWindow
			e.config.CorrelationWindow = next
			u.Rollback = map[string]interface{}{"window_seconds": prev.Seconds()}
		case advanced.DetectorName:
			if e.targets.Advanced == nil {
				return fmt.Errorf("no advanced detector registered")
			}
			prev := e.targets.Advanced.SetAnalysisWindow(next)
			u.Rollback = map[string]interface{}{"window_seconds": prev.Seconds()}
		default:
			return fmt.Errorf("optimize_window update %s has unknown target %s", u.UpdateID, u.Target)
		}

	case UpdateAddPattern:
		if e.targets.Signature == nil {
			return fmt.Errorf("no signature detector registered")
		}
		id := stringParam(u.Parameters, "pattern_id")
		expression := stringParam(u.Parameters, "expression")
		if id == "" || expression == "" {
			return fmt.Errorf("add_pattern update %s missing parameters", u.UpdateID)
		}
		base, ok := floatParam(u.Parameters, "base_confidence")
		if !ok {
			base = 0.7
		}
		pattern := &signature.Pattern{
			ID:             id,
			Category:       stringParam(u.Parameters, "category"),
			Severity:       detect.Severity(stringParam(u.Parameters, "severity")),
			BaseConfidence: base,
			Expressions:    []string{expression},
			Description:    u.Reason,
		}
		if err := e.targets.Signature.AddPattern(pattern); err != nil {
			return fmt.Errorf("install adaptive pattern %s: %w", id, err)
		}
		u.Rollback = map[string]interface{}{"pattern_id": id}

	default:
		return fmt.Errorf("unknown update type %s", u.Type)
	}

	now := time.Now().UTC()
	u.State = UpdateApplied
	u.AppliedAt = &now
	atomic.AddInt64(&e.updatesApplied, 1)

	e.audit(audit.CategoryConfig, "security_update_applied", map[string]interface{}{
		"update_id":   u.UpdateID,
		"update_type": string(u.Type),
		"target":      u.Target,
		"parameters":  u.Parameters,
	})
	e.logger.WithFields(logrus.Fields{
		"update_id":   u.UpdateID,
		"update_type": u.Type,
		"target":      u.Target,
		"confidence":  u.Confidence,
	}).Info("Security update applied")

	return nil
}

// Approve applies a pending update from the approval queue.
func (e *Engine) Approve(updateID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.updates[updateID]
	if !ok {
		return fmt.Errorf("unknown update %s", updateID)
	}
	if u.State != UpdatePending {
		return fmt.Errorf("update %s is %s, not pending", updateID, u.State)
	}

	e.dequeueLocked(updateID)
	if err := e.applyLocked(u); err != nil {
		u.State = UpdateRejected
		atomic.AddInt64(&e.updatesRejected, 1)
		return err
	}
	return nil
}

// Reject drops a pending update from the approval queue.
func (e *Engine) Reject(updateID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.updates[updateID]
	if !ok {
		return fmt.Errorf("unknown update %s", updateID)
	}
	if u.State != UpdatePending {
		return fmt.Errorf("update %s is %s, not pending", updateID, u.State)
	}

	e.dequeueLocked(updateID)
	u.State = UpdateRejected
	atomic.AddInt64(&e.updatesRejected, 1)

	e.audit(audit.CategoryConfig, "security_update_rejected", map[string]interface{}{
		"update_id":   u.UpdateID,
		"update_type": string(u.Type),
	})
	return nil
}

// Rollback reverses an applied update from its captured rollback data.
func (e *Engine) Rollback(updateID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.updates[updateID]
	if !ok {
		return fmt.Errorf("unknown update %s", updateID)
	}
	if u.State == UpdateRolledBack {
		return fmt.Errorf("update %s already rolled back", updateID)
	}
	if u.State != UpdateApplied {
		return fmt.Errorf("update %s is %s, not applied", updateID, u.State)
	}

	switch u.Type {
	case UpdateAdjustThreshold:
		if e.targets.Signature == nil {
			return fmt.Errorf("no signature detector registered")
		}
		threshold, _ := floatParam(u.Rollback, "threshold")
		e.targets.Signature.SetThreshold(stringParam(u.Rollback, "category"), threshold)

	case UpdateOptimizeWindow:
		seconds, _ := floatParam(u.Rollback, "window_seconds")
		prev := time.Duration(seconds * float64(time.Second))
		switch u.Target {
		case TargetSelf:
			e.config.CorrelationWindow = prev
		case advanced.DetectorName:
			if e.targets.Advanced == nil {
				return fmt.Errorf("no advanced detector registered")
			}
			e.targets.Advanced.SetAnalysisWindow(prev)
		}

	case UpdateAddPattern:
		if e.targets.Signature == nil {
			return fmt.Errorf("no signature detector registered")
		}
		e.targets.Signature.RemovePattern(stringParam(u.Rollback, "pattern_id"))
	}

	u.State = UpdateRolledBack
	atomic.AddInt64(&e.updatesRolledBack, 1)

	e.audit(audit.CategoryConfig, "security_update_rolled_back", map[string]interface{}{
		"update_id":   u.UpdateID,
		"update_type": string(u.Type),
		"target":      u.Target,
	})
	e.logger.WithFields(logrus.Fields{
		"update_id":   u.UpdateID,
		"update_type": u.Type,
	}).Info("Security update rolled back")

	return nil
}

// PendingUpdates returns a snapshot of the approval queue in arrival order.
func (e *Engine) PendingUpdates() []*SecurityUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*SecurityUpdate, len(e.queue))
	copy(out, e.queue)
	return out
}

// UpdateByID looks up one update.
func (e *Engine) UpdateByID(updateID string) (*SecurityUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.updates[updateID]
	return u, ok
}

func (e *Engine) dequeueLocked(updateID string) {
	for i, queued := range e.queue {
		if queued.UpdateID == updateID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// signatureCategory maps a signature threat type back to its catalog
// category.
func signatureCategory(attackType string) (string, bool) {
	const prefix = "attack_pattern_"
	if !strings.HasPrefix(attackType, prefix) {
		return "", false
	}
	return strings.TrimPrefix(attackType, prefix), true
}

func mostCommon(counts map[string]int) (string, int) {
	best, bestCount := "", 0
	for text, count := range counts {
		if count > bestCount || (count == bestCount && text < best) {
			best, bestCount = text, count
		}
	}
	return best, bestCount
}

func stringParam(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatParam(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
