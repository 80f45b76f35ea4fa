// Package correlate groups detections into attack sequences and derives
// adaptive tuning updates for the detectors from what the sequences show.
package correlate

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
)

// SequenceState marks whether a sequence still accepts members.
type SequenceState string

// Sequence states
const (
	SequenceOpen   SequenceState = "open"
	SequenceClosed SequenceState = "closed"
)

// AttackSequence is a correlated run of detections sharing source,
// principal and threat type. Confidence is the rolling average of the
// members' confidences.
type AttackSequence struct {
	SequenceID       string               `json:"sequence_id"`
	AttackType       string               `json:"attack_type"`
	Principal        string               `json:"principal,omitempty"`
	SourceIPs        []string             `json:"source_ips,omitempty"`
	TargetComponents []pipeline.Component `json:"target_components,omitempty"`
	Detections       []*detect.Detection  `json:"events"`
	StartTime        time.Time            `json:"start_time"`
	EndTime          time.Time            `json:"end_time"`
	Confidence       float64              `json:"confidence"`
	State            SequenceState        `json:"state"`
}

func (s *AttackSequence) addMember(detection *detect.Detection) {
	n := float64(len(s.Detections))
	s.Confidence = (s.Confidence*n + detection.Confidence) / (n + 1)
	s.Detections = append(s.Detections, detection)
	s.EndTime = detection.Timestamp
	s.mergeActor(detection)
}

func (s *AttackSequence) mergeActor(detection *detect.Detection) {
	if detection.SourceIP != "" {
		found := false
		for _, ip := range s.SourceIPs {
			if ip == detection.SourceIP {
				found = true
				break
			}
		}
		if !found {
			s.SourceIPs = append(s.SourceIPs, detection.SourceIP)
		}
	}
	for _, c := range detection.AffectedComponents {
		present := false
		for _, existing := range s.TargetComponents {
			if existing == c {
				present = true
				break
			}
		}
		if !present {
			s.TargetComponents = append(s.TargetComponents, c)
		}
	}
}

// Config holds correlation and adaptive-update settings.
type Config struct {
	MinSequenceEvents   int           // detections required to open a sequence
	CorrelationWindow   time.Duration // members must land this close together
	SequenceTimeout     time.Duration // idle time before a sequence closes
	CycleInterval       time.Duration // adaptive cycle cadence
	AutoApply           bool          // apply confident updates without approval
	AutoApplyConfidence float64       // minimum confidence for auto-apply
	MaxPendingUpdates   int           // approval queue bound
	MaxClosedSequences  int           // closed sequence retention bound

	// Adaptive-cycle evidence thresholds.
	EffectivenessMinSequences  int // sequences of a type before its gate loosens
	FalsePositiveMinDetections int // uncorrelated detections before its gate tightens
	NearMissMin                int // just-missed correlations before the window widens
	AddPatternMinDetections    int // recurring matches before a pattern is proposed
}

// DefaultConfig returns default correlation configuration.
func DefaultConfig() *Config {
	return &Config{
		MinSequenceEvents:          2,
		CorrelationWindow:          5 * time.Minute,
		SequenceTimeout:            time.Hour,
		CycleInterval:              time.Minute,
		AutoApply:                  true,
		AutoApplyConfidence:        0.7,
		MaxPendingUpdates:          100,
		MaxClosedSequences:         1000,
		EffectivenessMinSequences:  3,
		FalsePositiveMinDetections: 20,
		NearMissMin:                5,
		AddPatternMinDetections:    10,
	}
}

type sequenceKey struct {
	sourceIP   string
	principal  string
	attackType string
}

// typeStats accumulates per-threat-type evidence between adaptive cycles.
type typeStats struct {
	detections   int
	sequences    int
	maxSeverity  detect.Severity
	nearMisses   int
	matchedTexts map[string]int
}

// Metrics is a point-in-time copy of engine counters.
type Metrics struct {
	DetectionsIngested int64 `json:"detections_ingested"`
	SequencesOpened    int64 `json:"sequences_opened"`
	SequencesExtended  int64 `json:"sequences_extended"`
	SequencesClosed    int64 `json:"sequences_closed"`
	UpdatesEmitted     int64 `json:"updates_emitted"`
	UpdatesApplied     int64 `json:"updates_applied"`
	UpdatesRolledBack  int64 `json:"updates_rolled_back"`
	UpdatesRejected    int64 `json:"updates_rejected"`
}

// Engine correlates detections into attack sequences and runs the
// adaptive update cycle.
type Engine struct {
	config   *Config
	targets  Targets
	recorder audit.Recorder
	logger   *logrus.Logger

	mu      sync.Mutex
	pending map[sequenceKey][]*detect.Detection
	open    map[sequenceKey]*AttackSequence
	closed  []*AttackSequence
	stats   map[string]*typeStats
	updates map[string]*SecurityUpdate
	queue   []*SecurityUpdate

	detectionsIngested int64
	sequencesOpened    int64
	sequencesExtended  int64
	sequencesClosed    int64
	updatesEmitted     int64
	updatesApplied     int64
	updatesRolledBack  int64
	updatesRejected    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a correlation engine and starts its maintenance loop.
// recorder may be nil; targets fields may be nil to disable the
// corresponding update types.
func New(config *Config, targets Targets, recorder audit.Recorder, logger *logrus.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	e := &Engine{
		config:   config,
		targets:  targets,
		recorder: recorder,
		logger:   logger,
		pending:  make(map[sequenceKey][]*detect.Detection),
		open:     make(map[sequenceKey]*AttackSequence),
		stats:    make(map[string]*typeStats),
		updates:  make(map[string]*SecurityUpdate),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.run()

	return e
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.CloseIdleSequences(time.Now().UTC())
			e.RunAdaptiveCycle()
		}
	}
}

// Ingest feeds one detection into the correlator. It returns the sequence
// the detection opened or extended, or nil when the detection stays in
// the pending window.
func (e *Engine) Ingest(detection *detect.Detection) *AttackSequence {
	if detection == nil {
		return nil
	}
	atomic.AddInt64(&e.detectionsIngested, 1)

	key := sequenceKey{
		sourceIP:   detection.SourceIP,
		principal:  detection.Principal,
		attackType: detection.Type,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.statsFor(detection.Type)
	st.detections++
	if detection.Severity.Rank() > st.maxSeverity.Rank() {
		st.maxSeverity = detection.Severity
	}
	if text, ok := detection.Indicators["matched_text"].(string); ok && len(text) >= 4 {
		st.matchedTexts[text]++
	}

	if seq, ok := e.open[key]; ok {
		if detection.Timestamp.Sub(seq.EndTime) > e.config.SequenceTimeout {
			e.closeLocked(key, seq)
		} else {
			seq.addMember(detection)
			atomic.AddInt64(&e.sequencesExtended, 1)
			return seq
		}
	}

	window := e.pending[key]
	cutoff := detection.Timestamp.Add(-e.config.CorrelationWindow)
	nearMissCutoff := detection.Timestamp.Add(-2 * e.config.CorrelationWindow)
	kept := window[:0]
	for _, d := range window {
		switch {
		case d.Timestamp.After(cutoff):
			kept = append(kept, d)
		case d.Timestamp.After(nearMissCutoff):
			st.nearMisses++
		}
	}
	window = append(kept, detection)

	if len(window) >= e.config.MinSequenceEvents {
		delete(e.pending, key)
		return e.openLocked(key, window)
	}
	e.pending[key] = window
	return nil
}

// openLocked builds a sequence from the pending members; caller holds the
// lock.
func (e *Engine) openLocked(key sequenceKey, members []*detect.Detection) *AttackSequence {
	seq := &AttackSequence{
		SequenceID: uuid.New().String(),
		AttackType: key.attackType,
		Principal:  key.principal,
		StartTime:  members[0].Timestamp,
		State:      SequenceOpen,
	}
	for _, d := range members {
		n := float64(len(seq.Detections))
		seq.Confidence = (seq.Confidence*n + d.Confidence) / (n + 1)
		seq.Detections = append(seq.Detections, d)
		seq.mergeActor(d)
	}
	seq.EndTime = members[len(members)-1].Timestamp

	e.open[key] = seq
	e.statsFor(key.attackType).sequences++
	atomic.AddInt64(&e.sequencesOpened, 1)

	e.audit(audit.CategoryDetection, "attack_sequence_opened", map[string]interface{}{
		"sequence_id": seq.SequenceID,
		"attack_type": seq.AttackType,
		"source_ip":   key.sourceIP,
		"principal":   key.principal,
		"members":     len(seq.Detections),
	})
	e.logger.WithFields(logrus.Fields{
		"sequence_id": seq.SequenceID,
		"attack_type": seq.AttackType,
		"members":     len(seq.Detections),
	}).Info("Attack sequence opened")

	return seq
}

// closeLocked seals a sequence; EndTime stays at the last member's
// timestamp. Caller holds the lock.
func (e *Engine) closeLocked(key sequenceKey, seq *AttackSequence) {
	seq.State = SequenceClosed
	delete(e.open, key)

	e.closed = append(e.closed, seq)
	if len(e.closed) > e.config.MaxClosedSequences {
		e.closed = e.closed[len(e.closed)-e.config.MaxClosedSequences:]
	}
	atomic.AddInt64(&e.sequencesClosed, 1)

	e.audit(audit.CategoryDetection, "attack_sequence_closed", map[string]interface{}{
		"sequence_id": seq.SequenceID,
		"attack_type": seq.AttackType,
		"members":     len(seq.Detections),
		"end_time":    seq.EndTime.Format(time.RFC3339),
	})
	e.logger.WithFields(logrus.Fields{
		"sequence_id": seq.SequenceID,
		"attack_type": seq.AttackType,
		"members":     len(seq.Detections),
	}).Info("Attack sequence closed")
}

// CloseIdleSequences closes every open sequence idle longer than the
// sequence timeout and prunes stale pending windows. It returns the
// number of sequences closed.
func (e *Engine) CloseIdleSequences(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for key, seq := range e.open {
		if now.Sub(seq.EndTime) > e.config.SequenceTimeout {
			e.closeLocked(key, seq)
			n++
		}
	}

	cutoff := now.Add(-e.config.CorrelationWindow)
	for key, window := range e.pending {
		kept := window[:0]
		for _, d := range window {
			if d.Timestamp.After(cutoff) {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(e.pending, key)
		} else {
			e.pending[key] = kept
		}
	}

	return n
}

// ActiveSequences returns a snapshot of the open sequences.
func (e *Engine) ActiveSequences() []*AttackSequence {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*AttackSequence, 0, len(e.open))
	for _, seq := range e.open {
		out = append(out, seq)
	}
	return out
}

// ClosedSequences returns a snapshot of the retained closed sequences.
func (e *Engine) ClosedSequences() []*AttackSequence {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*AttackSequence, len(e.closed))
	copy(out, e.closed)
	return out
}

// Metrics returns a copy of the engine counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		DetectionsIngested: atomic.LoadInt64(&e.detectionsIngested),
		SequencesOpened:    atomic.LoadInt64(&e.sequencesOpened),
		SequencesExtended:  atomic.LoadInt64(&e.sequencesExtended),
		SequencesClosed:    atomic.LoadInt64(&e.sequencesClosed),
		UpdatesEmitted:     atomic.LoadInt64(&e.updatesEmitted),
		UpdatesApplied:     atomic.LoadInt64(&e.updatesApplied),
		UpdatesRolledBack:  atomic.LoadInt64(&e.updatesRolledBack),
		UpdatesRejected:    atomic.LoadInt64(&e.updatesRejected),
	}
}

// Close stops the maintenance loop.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) statsFor(attackType string) *typeStats {
	st, ok := e.stats[attackType]
	if !ok {
		st = &typeStats{matchedTexts: make(map[string]int)}
		e.stats[attackType] = st
	}
	return st
}

func (e *Engine) audit(category, action string, details map[string]interface{}) {
	if e.recorder == nil {
		return
	}
	if _, err := e.recorder.Append(category, "correlation_engine", action, details); err != nil {
		e.logger.WithError(err).Warn("Failed to audit correlation event")
	}
}
