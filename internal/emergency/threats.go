package emergency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
	"github.com/dbsentinel/dbsentinel/internal/response"
)

// RemediationStrategy is how hard the protector pushes back on a
// recurring threat.
type RemediationStrategy string

// Remediation strategies, applied in escalating order.
const (
	RemediationStandard   RemediationStrategy = "standard"
	RemediationEnhanced   RemediationStrategy = "enhanced"
	RemediationAggressive RemediationStrategy = "aggressive"
)

// PersistentThreat tracks a detection signature that keeps recurring.
type PersistentThreat struct {
	ThreatKey           string              `json:"threat_key"`
	ThreatType          string              `json:"threat_type"`
	FirstSeen           time.Time           `json:"first_seen"`
	LastSeen            time.Time           `json:"last_seen"`
	Count               int                 `json:"count"`
	PersistenceScore    float64             `json:"persistence_score"`
	RemediationAttempts int                 `json:"remediation_attempts"`
	Strategy            RemediationStrategy `json:"strategy,omitempty"`
	Escalated           bool                `json:"escalated"`
}

// ThreatKey derives the recurrence signature for a detection: the
// threat type plus a hash of its indicators. Numeric indicator values
// vary per event, so only the keys and stable string facets identify a
// recurring signature.
func ThreatKey(det *detect.Detection) string {
	h := sha256.New()
	h.Write([]byte(det.Type))
	keys := make([]string, 0, len(det.Indicators))
	for k := range det.Indicators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte("|"))
		h.Write([]byte(k))
		if s, ok := det.Indicators[k].(string); ok {
			h.Write([]byte("="))
			h.Write([]byte(s))
		}
	}
	return det.Type + ":" + hex.EncodeToString(h.Sum(nil)[:8])
}

// trackThreatLocked updates the recurring-threat record for the
// detection and auto-remediates repeats until the attempt budget runs
// out.
func (p *Protector) trackThreatLocked(ctx context.Context, now time.Time, det *detect.Detection) {
	key := ThreatKey(det)
	pt, ok := p.threats[key]
	if !ok {
		p.sweepThreatsLocked(now)
		p.threats[key] = &PersistentThreat{
			ThreatKey:        key,
			ThreatType:       det.Type,
			FirstSeen:        now,
			LastSeen:         now,
			Count:            1,
			PersistenceScore: 0.2,
		}
		return
	}
	pt.Count++
	pt.LastSeen = now
	pt.PersistenceScore = math.Min(1.0, float64(pt.Count)*0.2)
	if pt.Escalated {
		return
	}
	p.remediateLocked(ctx, pt, det)
}

// remediateLocked spends one remediation attempt on the threat, or
// flags it for an operator once the budget is exhausted.
func (p *Protector) remediateLocked(ctx context.Context, pt *PersistentThreat, det *detect.Detection) {
	if pt.RemediationAttempts >= p.config.MaxRemediationAttempts {
		pt.Escalated = true
		atomic.AddInt64(&p.threatsEscalated, 1)
		p.logger.WithFields(logrus.Fields{
			"threat_key":  pt.ThreatKey,
			"threat_type": pt.ThreatType,
			"count":       pt.Count,
		}).Error("Persistent threat survived auto-remediation; operator attention required")
		p.audit("persistent_threat_escalated", map[string]interface{}{
			"threat_key":  pt.ThreatKey,
			"threat_type": pt.ThreatType,
			"count":       pt.Count,
			"attempts":    pt.RemediationAttempts,
		})
		return
	}
	pt.RemediationAttempts++
	pt.Strategy = strategyForAttempt(pt.RemediationAttempts)

	targets := det.AffectedComponents
	if len(targets) == 0 {
		targets = []pipeline.Component{pipeline.ComponentDatabase}
	}
	level := remediationLevel(pt.Strategy)
	for _, c := range targets {
		if err := p.isolator.Isolate(ctx, c, level); err != nil {
			p.logger.WithError(err).WithField("component", c).Error("Remediation isolation failed")
		}
	}
	atomic.AddInt64(&p.remediationAttempts, 1)
	p.logger.WithFields(logrus.Fields{
		"threat_key": pt.ThreatKey,
		"strategy":   pt.Strategy,
		"attempt":    pt.RemediationAttempts,
	}).Warn("Remediating persistent threat")
	p.audit("persistent_threat_remediation", map[string]interface{}{
		"threat_key": pt.ThreatKey,
		"strategy":   string(pt.Strategy),
		"attempt":    pt.RemediationAttempts,
	})
}

func strategyForAttempt(attempt int) RemediationStrategy {
	switch {
	case attempt <= 2:
		return RemediationStandard
	case attempt <= 4:
		return RemediationEnhanced
	default:
		return RemediationAggressive
	}
}

func remediationLevel(strategy RemediationStrategy) response.IsolationLevel {
	switch strategy {
	case RemediationEnhanced:
		return response.IsolationService
	case RemediationAggressive:
		return response.IsolationComplete
	default:
		return response.IsolationNetwork
	}
}

// ResolveThreat clears a recurring-threat record on operator authority,
// re-arming auto-remediation should the signature return.
func (p *Protector) ResolveThreat(threatKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.threats[threatKey]
	if !ok {
		return fmt.Errorf("unknown persistent threat %s", threatKey)
	}
	delete(p.threats, threatKey)
	p.audit("persistent_threat_resolved", map[string]interface{}{
		"threat_key":  pt.ThreatKey,
		"threat_type": pt.ThreatType,
		"count":       pt.Count,
	})
	return nil
}

// PersistentThreats returns copies of the tracked recurring threats.
func (p *Protector) PersistentThreats() []*PersistentThreat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PersistentThreat, 0, len(p.threats))
	for _, pt := range p.threats {
		c := *pt
		out = append(out, &c)
	}
	return out
}

// sweepThreatsLocked drops records whose signature has not recurred
// within the retention window.
func (p *Protector) sweepThreatsLocked(now time.Time) {
	cutoff := now.Add(-p.config.PersistentThreatTTL)
	for key, pt := range p.threats {
		if pt.LastSeen.Before(cutoff) {
			delete(p.threats, key)
		}
	}
}
