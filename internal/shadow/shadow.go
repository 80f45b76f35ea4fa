// Package shadow is the watcher of the watcher: a minimal independent
// monitor with its own store, its own audit chain and its own
// notification channel, so a compromised primary cannot silence the
// report of its own compromise.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/alerting"
	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// MonitorName identifies the shadow in detections and chain entries.
const MonitorName = "shadow_monitor"

// ThreatPrimaryCompromise is emitted when the primary monitor stops
// answering health checks credibly.
const ThreatPrimaryCompromise = "primary_system_compromise"

// Primary is the health surface of the monitor being shadowed.
type Primary interface {
	IsHealthy(ctx context.Context) bool
}

// Sink receives shadow detections. It must not block.
type Sink func(*detect.Detection)

// Config controls the shadow's cadences and thresholds.
type Config struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	PollInterval      time.Duration `json:"poll_interval"`
	ProbeTimeout      time.Duration `json:"probe_timeout"`

	// HistorySize is the number of recent health checks assessed.
	HistorySize int `json:"history_size"`
	// FailureThreshold is the failing-check count within the history
	// that flags the primary as compromised.
	FailureThreshold int `json:"failure_threshold"`
	// SlowThreshold flags the primary when the mean response time of a
	// full history window exceeds it.
	SlowThreshold time.Duration `json:"slow_threshold"`

	StorePath        string   `json:"store_path"`
	ChainPath        string   `json:"chain_path"`
	NotifyRecipients []string `json:"notify_recipients"`
}

// DefaultConfig returns the standard shadow settings.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 60 * time.Second,
		PollInterval:      30 * time.Second,
		ProbeTimeout:      10 * time.Second,
		HistorySize:       5,
		FailureThreshold:  4,
		SlowThreshold:     5 * time.Second,
		StorePath:         "shadow.db",
		ChainPath:         "shadow_audit.log",
	}
}

// Outcome is one observed health check of the primary.
type Outcome struct {
	CheckedAt time.Time     `json:"checked_at"`
	Healthy   bool          `json:"healthy"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Status is a point-in-time view of the shadow's assessment.
type Status struct {
	PrimaryHealthy  bool      `json:"primary_healthy"`
	Compromised     bool      `json:"compromised"`
	BackupAlerting  bool      `json:"backup_alerting"`
	LastOutcomes    []Outcome `json:"last_outcomes"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Metrics is a point-in-time copy of shadow counters.
type Metrics struct {
	PollsRun            int64 `json:"polls_run"`
	Heartbeats          int64 `json:"heartbeats"`
	CompromiseSignals   int64 `json:"compromise_signals"`
	SlowSignals         int64 `json:"slow_signals"`
	NotificationsSent   int64 `json:"notifications_sent"`
	NotificationsFailed int64 `json:"notifications_failed"`
}

// Shadow polls the primary monitor and keeps independent evidence of what
// it sees.
type Shadow struct {
	config   *Config
	primary  Primary
	notifier alerting.Notifier
	sink     Sink
	logger   *logrus.Logger
	store    *store
	chain    *audit.Chain

	mu             sync.Mutex
	now            func() time.Time
	window         []Outcome
	compromised    bool
	slow           bool
	backupAlerting bool
	lastHeartbeat  time.Time

	pollsRun            int64
	heartbeats          int64
	compromiseSignals   int64
	slowSignals         int64
	notificationsSent   int64
	notificationsFailed int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the shadow's own store and audit chain (sealed under a
// scope-derived secret) and starts the poll and heartbeat loops whose
// intervals are positive. notifier and sink may be nil.
func New(config *Config, primary Primary, secret []byte, notifier alerting.Notifier, sink Sink, logger *logrus.Logger) (*Shadow, error) {
	if primary == nil {
		return nil, errors.New("shadow requires a primary to watch")
	}
	if len(secret) == 0 {
		return nil, errors.New("shadow requires a chain secret")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	st, err := openStore(config.StorePath)
	if err != nil {
		return nil, err
	}
	chain, err := audit.NewChain(audit.DefaultChainConfig(config.ChainPath), audit.DeriveSecret(secret, "shadow"), logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	s := &Shadow{
		config:   config,
		primary:  primary,
		notifier: notifier,
		sink:     sink,
		logger:   logger,
		store:    st,
		chain:    chain,
		now:      time.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Seed the window from the store so restarting the shadow does not
	// reset the assessment.
	recent, err := st.lastChecks(config.HistorySize)
	if err != nil {
		chain.Close()
		st.Close()
		return nil, err
	}
	s.window = recent

	s.startLoop(config.PollInterval, func(ctx context.Context) { s.PollPrimary(ctx) })
	s.startLoop(config.HeartbeatInterval, func(ctx context.Context) { s.Heartbeat(ctx) })

	return s, nil
}

// Close stops the loops and closes the chain and store.
func (s *Shadow) Close() error {
	s.cancel()
	s.wg.Wait()

	chainErr := s.chain.Close()
	storeErr := s.store.Close()
	if chainErr != nil {
		return chainErr
	}
	return storeErr
}

func (s *Shadow) startLoop(interval time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				tick(s.ctx)
			}
		}
	}()
}

// PollPrimary runs one health check against the primary, records the
// outcome, and returns a detection when the assessment transitions into
// a compromised or degraded state.
func (s *Shadow) PollPrimary(ctx context.Context) *detect.Detection {
	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	start := s.now()
	healthy := s.primary.IsHealthy(probeCtx)
	elapsed := s.now().Sub(start)
	cancel()

	atomic.AddInt64(&s.pollsRun, 1)

	s.mu.Lock()
	outcome := Outcome{CheckedAt: s.now(), Healthy: healthy, Elapsed: elapsed}
	s.window = append(s.window, outcome)
	if len(s.window) > s.config.HistorySize {
		s.window = s.window[len(s.window)-s.config.HistorySize:]
	}
	if err := s.store.recordCheck(outcome); err != nil {
		s.logger.WithError(err).Warn("Shadow store write failed")
	}
	det := s.assessLocked()
	s.mu.Unlock()

	if det != nil {
		s.deliver(ctx, det)
	}
	return det
}

// assessLocked inspects the outcome window and reports state transitions.
func (s *Shadow) assessLocked() *detect.Detection {
	failures := 0
	var total time.Duration
	for _, o := range s.window {
		if !o.Healthy {
			failures++
		}
		total += o.Elapsed
	}
	fullWindow := s.config.HistorySize > 0 && len(s.window) == s.config.HistorySize

	switch {
	case failures >= s.config.FailureThreshold:
		if s.compromised {
			return nil
		}
		s.compromised = true
		s.slow = false
		atomic.AddInt64(&s.compromiseSignals, 1)

		det := detect.NewDetection(MonitorName, ThreatPrimaryCompromise, detect.SeverityHigh, 0.8,
			"primary monitor failed its recent health checks").
			WithIndicator("reason", "health_check_failures").
			WithIndicator("failed_checks", failures).
			WithIndicator("window_size", len(s.window)).
			WithActions(detect.ActionAlertOperators, detect.ActionSwitchBackup)
		det.AddComponent(pipeline.ComponentMonitoring)

		s.chainAppend(audit.CategoryDetection, "primary_compromise_detected", map[string]interface{}{
			"failed_checks": failures,
			"window_size":   len(s.window),
		})
		s.activateBackupLocked()
		return det

	case fullWindow && total/time.Duration(s.config.HistorySize) > s.config.SlowThreshold:
		if s.slow || s.compromised {
			return nil
		}
		s.slow = true
		atomic.AddInt64(&s.slowSignals, 1)
		avg := total / time.Duration(s.config.HistorySize)

		det := detect.NewDetection(MonitorName, ThreatPrimaryCompromise, detect.SeverityMedium, 0.6,
			"primary monitor responds, but slowly").
			WithIndicator("reason", "slow_response").
			WithIndicator("avg_response_ms", avg.Milliseconds()).
			WithIndicator("window_size", len(s.window)).
			WithActions(detect.ActionMonitor, detect.ActionAlertOperators)
		det.AddComponent(pipeline.ComponentMonitoring)

		s.chainAppend(audit.CategoryDetection, "primary_degraded", map[string]interface{}{
			"avg_response_ms": avg.Milliseconds(),
		})
		return det

	default:
		if (s.compromised || s.slow) && fullWindow && failures == 0 {
			s.compromised = false
			s.slow = false
			s.chainAppend(audit.CategoryDetection, "primary_recovered", map[string]interface{}{
				"window_size": len(s.window),
			})
			s.deactivateBackupLocked()
		}
		return nil
	}
}

func (s *Shadow) activateBackupLocked() {
	if s.backupAlerting {
		return
	}
	s.backupAlerting = true
	s.chainAppend(audit.CategoryEmergency, "backup_alerting_activated", map[string]interface{}{
		"reason": "primary compromise",
	})
	s.logger.Warn("Backup alerting activated; primary monitor is unreliable")
}

func (s *Shadow) deactivateBackupLocked() {
	if !s.backupAlerting {
		return
	}
	s.backupAlerting = false
	s.chainAppend(audit.CategoryEmergency, "backup_alerting_deactivated", map[string]interface{}{
		"reason": "primary recovered",
	})
	s.logger.Info("Backup alerting deactivated; primary monitor recovered")
}

// Heartbeat proves the shadow's own liveness in its store and chain.
func (s *Shadow) Heartbeat(_ context.Context) {
	s.mu.Lock()
	healthy := len(s.window) > 0 && s.window[len(s.window)-1].Healthy
	backup := s.backupAlerting
	now := s.now()
	s.lastHeartbeat = now
	s.mu.Unlock()

	atomic.AddInt64(&s.heartbeats, 1)
	if err := s.store.recordHeartbeat(now, healthy, backup); err != nil {
		s.logger.WithError(err).Warn("Shadow heartbeat write failed")
	}
	s.chainAppend(audit.CategoryLifecycle, "shadow_heartbeat", map[string]interface{}{
		"primary_healthy": healthy,
		"backup_alerting": backup,
		"polls_run":       atomic.LoadInt64(&s.pollsRun),
	})
}

// deliver fans a transition detection out to the sink and, for HIGH and
// above, to the shadow's own notification channel.
func (s *Shadow) deliver(ctx context.Context, det *detect.Detection) {
	if s.sink != nil {
		s.sink(det)
	}
	if s.notifier == nil || !det.Severity.AtLeast(detect.SeverityHigh) {
		return
	}

	priority := alerting.PriorityFromSeverity(det.Severity)
	n := &alerting.Notification{
		AlertID:    det.DetectionID,
		Priority:   priority,
		Subject:    fmt.Sprintf("[dbsentinel-shadow] %s: primary monitor unreliable", priority),
		Text:       det.Description,
		Recipients: s.config.NotifyRecipients,
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		atomic.AddInt64(&s.notificationsFailed, 1)
		s.logger.WithError(err).Warn("Backup notification failed")
		return
	}
	atomic.AddInt64(&s.notificationsSent, 1)
}

func (s *Shadow) chainAppend(category, action string, details map[string]interface{}) {
	if _, err := s.chain.Append(category, MonitorName, action, details); err != nil {
		s.logger.WithError(err).Warn("Shadow chain write failed")
	}
}

// Chain exposes the shadow's own audit chain for independent
// verification.
func (s *Shadow) Chain() *audit.Chain {
	return s.chain
}

// Status returns the current assessment.
func (s *Shadow) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]Outcome, len(s.window))
	copy(outcomes, s.window)
	return Status{
		PrimaryHealthy:  len(s.window) > 0 && s.window[len(s.window)-1].Healthy,
		Compromised:     s.compromised,
		BackupAlerting:  s.backupAlerting,
		LastOutcomes:    outcomes,
		LastHeartbeatAt: s.lastHeartbeat,
	}
}

// Metrics returns a snapshot of shadow counters.
func (s *Shadow) Metrics() Metrics {
	return Metrics{
		PollsRun:            atomic.LoadInt64(&s.pollsRun),
		Heartbeats:          atomic.LoadInt64(&s.heartbeats),
		CompromiseSignals:   atomic.LoadInt64(&s.compromiseSignals),
		SlowSignals:         atomic.LoadInt64(&s.slowSignals),
		NotificationsSent:   atomic.LoadInt64(&s.notificationsSent),
		NotificationsFailed: atomic.LoadInt64(&s.notificationsFailed),
	}
}
