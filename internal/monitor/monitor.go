// Package monitor is the orchestration layer: it owns the three bounded
// processing queues (events, threats, responses), the worker pools that
// drain them, the component registry, and the supervisor loop that keeps
// score on everything else.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/alerting"
	"github.com/dbsentinel/dbsentinel/internal/audit"
	cfg "github.com/dbsentinel/dbsentinel/internal/config"
	"github.com/dbsentinel/dbsentinel/internal/correlate"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/emergency"
	"github.com/dbsentinel/dbsentinel/internal/integrity"
	"github.com/dbsentinel/dbsentinel/internal/metrics"
	"github.com/dbsentinel/dbsentinel/internal/observer"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
	"github.com/dbsentinel/dbsentinel/internal/response"
	"github.com/dbsentinel/dbsentinel/internal/shadow"
)

// SupervisorName tags detections the supervisor itself raises.
const SupervisorName = "supervisor"

// Threat types raised by the orchestration layer.
const (
	ThreatComponentFailure = "critical_component_failure"
	ThreatResponseFailure  = "response_action_failure"
)

// Config holds the monitor's runtime knobs. These are process-shape
// settings (queue sizes, worker counts, timeouts), distinct from the
// file-backed configuration that tunes the components.
type Config struct {
	EventQueueSize    int
	ThreatQueueSize   int
	ResponseQueueSize int
	// EventWorkers above 1 trades per-source event ordering for
	// throughput; the default preserves emission order end to end.
	EventWorkers    int
	ThreatWorkers   int
	ResponseWorkers int
	// PutTimeout bounds the brief block before the event queue falls
	// back to dropping its oldest entry.
	PutTimeout time.Duration
	// NotifyTimeout bounds alert delivery inside the threat worker.
	NotifyTimeout      time.Duration
	SupervisorInterval time.Duration
	// DrainTimeout bounds how long Close waits for the queues to empty
	// after the observation sources stop.
	DrainTimeout time.Duration
	// AdminAddr serves /health, /status and /metrics; empty disables
	// the admin surface.
	AdminAddr string
}

// DefaultConfig returns production queue and worker sizing.
func DefaultConfig() *Config {
	return &Config{
		EventQueueSize:     10000,
		ThreatQueueSize:    1000,
		ResponseQueueSize:  500,
		EventWorkers:       1,
		ThreatWorkers:      1,
		ResponseWorkers:    2,
		PutTimeout:         2 * time.Second,
		NotifyTimeout:      10 * time.Second,
		SupervisorInterval: 5 * time.Second,
		DrainTimeout:       10 * time.Second,
	}
}

// Monitor wires every component together and runs the processing
// pipelines. The audit chain, HMAC secret and configuration are created
// once at startup and passed in; the monitor owns everything else.
type Monitor struct {
	config    *Config
	settings  *cfg.Config
	logger    *logrus.Logger
	now       func() time.Time
	startedAt time.Time

	chain     *audit.Chain
	collector *metrics.Collector

	pipe       *pipeline.Pipeline
	obs        *observer.Observer
	detectors  []detect.Detector
	correlator *correlate.Engine
	alerts     *alerting.Manager
	responder  *response.Orchestrator
	protector  *emergency.Protector
	validator  *integrity.Validator
	shadowMon  *shadow.Shadow

	registry  *registry
	flow      flowStats
	closePipe func() error

	events    chan *pipeline.Event
	threats   chan *detect.Detection
	responses chan *detect.Detection

	eventsProcessed  int64
	eventsDropped    int64
	threatsProcessed int64

	// counter bridges owned by the supervisor goroutine
	seenLockdowns  int64
	seenViolations int64

	healthMu  sync.Mutex
	unhealthy map[Handle]bool

	adminSrv *adminServer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds and starts the monitor: components are constructed, wired
// through the registry, and the worker pools, supervisor and admin
// surface begin running. db is the protected database handle; the caller
// keeps ownership of chain and db.
func New(config *Config, settings *cfg.Config, configStore *cfg.Store, chain *audit.Chain, secret []byte, db *sql.DB, logger *logrus.Logger) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if settings == nil {
		settings = cfg.SecureDefaults()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if chain == nil {
		return nil, fmt.Errorf("monitor: nil audit chain")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("monitor: empty secret")
	}
	if db == nil {
		return nil, fmt.Errorf("monitor: nil database handle")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		config:    config,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
		chain:     chain,
		collector: metrics.NewCollector(),
		registry:  &registry{},
		events:    make(chan *pipeline.Event, config.EventQueueSize),
		threats:   make(chan *detect.Detection, config.ThreatQueueSize),
		responses: make(chan *detect.Detection, config.ResponseQueueSize),
		unhealthy: make(map[Handle]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.startedAt = m.now()

	if err := m.build(configStore, secret, db); err != nil {
		cancel()
		m.registry.closeAll(logger)
		return nil, err
	}
	m.start()
	m.audit("monitor_started", map[string]interface{}{
		"detectors":    len(m.detectors),
		"event_queue":  config.EventQueueSize,
		"threat_queue": config.ThreatQueueSize,
		"shadow":       m.shadowMon != nil,
	})
	return m, nil
}

// Submit ingests one raw observation event. The event queue blocks
// briefly when full and then drops its oldest entry: stale observations
// are worth less than fresh ones, and ingestion must never stall the
// sources. Dropped events are counted and visible in metrics.
func (m *Monitor) Submit(event *pipeline.Event) {
	if event == nil {
		return
	}
	m.collector.EventsIngested.WithLabelValues(string(event.Type)).Inc()
	select {
	case m.events <- event:
		return
	default:
	}

	timer := time.NewTimer(m.config.PutTimeout)
	defer timer.Stop()
	select {
	case m.events <- event:
		return
	case <-m.ctx.Done():
		return
	case <-timer.C:
	}

	// Still full after the grace period: evict the oldest entry and
	// take its slot. A racing consumer can beat us to the slot, in
	// which case the new event is the one dropped.
	select {
	case <-m.events:
		m.countDrop()
	default:
	}
	select {
	case m.events <- event:
	default:
		m.countDrop()
	}
}

func (m *Monitor) countDrop() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.collector.EventsDropped.Inc()
}

// ReportDetection queues one detection for threat processing. Unlike
// event puts this blocks until there is room: dropping a threat is worse
// than back-pressuring whoever found it.
func (m *Monitor) ReportDetection(det *detect.Detection) {
	if det == nil {
		return
	}
	select {
	case m.threats <- det:
	case <-m.ctx.Done():
	}
}

func (m *Monitor) enqueueResponse(det *detect.Detection) {
	select {
	case m.responses <- det:
	case <-m.ctx.Done():
	}
}

// start launches the worker pools, the per-detector fan-out consumers,
// the supervisor and the admin surface.
func (m *Monitor) start() {
	for i := 0; i < m.config.EventWorkers; i++ {
		m.wg.Add(1)
		go m.runEventWorker()
	}
	for i := 0; i < m.config.ThreatWorkers; i++ {
		m.wg.Add(1)
		go m.runThreatWorker()
	}
	for i := 0; i < m.config.ResponseWorkers; i++ {
		m.wg.Add(1)
		go m.runResponseWorker()
	}
	for _, det := range m.detectors {
		ch := m.pipe.Subscribe(det.Name())
		m.wg.Add(1)
		go m.runDetector(det, ch)
	}
	if m.config.SupervisorInterval > 0 {
		m.wg.Add(1)
		go m.runSupervisor()
	}
	if m.config.AdminAddr != "" {
		m.adminSrv = newAdminServer(m.config.AdminAddr, m, m.logger)
		m.adminSrv.start()
	}
}

func (m *Monitor) runEventWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.events:
			m.processEvent(event)
		}
	}
}

// processEvent runs one observation through normalization and fan-out.
// Rejected events are logged and skipped; nothing an observation does
// may stop the pipeline.
func (m *Monitor) processEvent(event *pipeline.Event) {
	start := time.Now()
	ok, err := m.pipe.Ingest(event)
	elapsed := time.Since(start)
	m.collector.StageLatency.WithLabelValues("ingest").Observe(elapsed.Seconds())
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"source_ip":  event.SourceIP,
		}).Warn("Event rejected")
		return
	}
	if !ok {
		return // deduplicated
	}
	atomic.AddInt64(&m.eventsProcessed, 1)
	m.flow.record(elapsed)
}

// runDetector consumes one detector's subscription until the pipeline
// bus closes it at shutdown. An event that makes a detector panic is
// contained here: the detector is the unit of failure, not the process.
func (m *Monitor) runDetector(det detect.Detector, ch <-chan *pipeline.Event) {
	defer m.wg.Done()
	for event := range ch {
		m.detectOne(det, event)
	}
}

func (m *Monitor) detectOne(det detect.Detector, event *pipeline.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"detector": det.Name(),
				"panic":    fmt.Sprint(r),
			}).Error("Detector panicked on event")
			m.audit("detector_panic", map[string]interface{}{
				"detector": det.Name(),
				"event_id": event.EventID,
			})
		}
	}()

	start := time.Now()
	found := det.Process(m.ctx, event)
	m.collector.StageLatency.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	for _, d := range found {
		m.collector.DetectionsTotal.WithLabelValues(d.Detector, string(d.Severity)).Inc()
		m.ReportDetection(d)
	}
}

func (m *Monitor) runThreatWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case det := <-m.threats:
			m.processThreat(det)
		}
	}
}

// processThreat runs one detection through correlation, emergency
// assessment and alerting, then queues the response if the plan calls
// for action.
func (m *Monitor) processThreat(det *detect.Detection) {
	start := time.Now()
	m.correlator.Ingest(det)
	m.protector.ObserveDetection(m.ctx, det)

	notifyCtx, cancel := context.WithTimeout(m.ctx, m.config.NotifyTimeout)
	alert, suppressed, err := m.alerts.Raise(notifyCtx, det)
	cancel()
	switch {
	case err != nil:
		// Alerting failures degrade delivery, never processing.
		m.logger.WithError(err).WithField("detection_id", det.DetectionID).Warn("Alert raise failed")
	case suppressed:
		m.collector.AlertsSuppressed.Inc()
	case alert != nil:
		m.collector.AlertsTotal.WithLabelValues(string(alert.Priority)).Inc()
	}

	if planActs(m.responder.PlanFor(det)) {
		m.enqueueResponse(det)
	}
	atomic.AddInt64(&m.threatsProcessed, 1)
	m.collector.StageLatency.WithLabelValues("threat").Observe(time.Since(start).Seconds())
}

// planActs reports whether a plan contains anything to execute.
func planActs(p *response.Plan) bool {
	return p != nil && (p.Isolation != response.IsolationNone || p.RotateCredentials || p.SwitchBackup)
}

func (m *Monitor) runResponseWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case det := <-m.responses:
			m.processResponse(det)
		}
	}
}

func (m *Monitor) processResponse(det *detect.Detection) {
	start := time.Now()
	actions, err := m.responder.Respond(m.ctx, det)
	m.collector.StageLatency.WithLabelValues("respond").Observe(time.Since(start).Seconds())
	if err != nil {
		m.logger.WithError(err).WithField("detection_id", det.DetectionID).Warn("Response dispatch failed")
		return
	}
	for _, a := range actions {
		outcome := "success"
		if !a.Success {
			outcome = "failed"
		}
		m.collector.ResponseActions.WithLabelValues(string(a.Type), outcome).Inc()
	}
}

// responseFailed surfaces an executed-but-failed action back to the
// operators as a detection. Runs on its own goroutine because the
// orchestrator invokes the hook while holding its lock and the threat
// queue may be full.
func (m *Monitor) responseFailed(det *detect.Detection, act *response.Action) {
	failure := detect.NewDetection(SupervisorName, ThreatResponseFailure, detect.SeverityHigh, 0.9,
		fmt.Sprintf("response action %s against %s failed: %s", act.Type, act.Target, act.ErrorMessage)).
		WithIndicator("action_id", act.ActionID).
		WithIndicator("action_type", string(act.Type)).
		WithIndicator("source_detection_id", det.DetectionID).
		WithActions(detect.ActionAlertOperators)
	for _, component := range det.AffectedComponents {
		failure.AddComponent(component)
	}
	go m.ReportDetection(failure)
}

// Close shuts the monitor down in dependency order: observation sources
// first so the queues stop refilling, then a bounded drain, then the
// workers, then the passive components in reverse registration order.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.audit("monitor_stopping", nil)

		// Stop everything that produces events or detections.
		for _, reg := range m.registry.byCapability(CapSource | CapIntegrity) {
			if reg.close != nil {
				if err := reg.close(); err != nil {
					m.logger.WithError(err).WithField("component", reg.name).Warn("Source close failed")
				}
			}
		}

		m.drainQueues()

		m.cancel()
		// Closing the pipeline closes the bus subscriptions, which ends
		// the detector consumers.
		if err := m.closePipe(); err != nil {
			m.closeErr = err
		}
		m.wg.Wait()

		m.registry.closeAll(m.logger)

		if m.adminSrv != nil {
			m.adminSrv.stop()
		}
		m.audit("monitor_stopped", map[string]interface{}{
			"events_processed": atomic.LoadInt64(&m.eventsProcessed),
			"events_dropped":   atomic.LoadInt64(&m.eventsDropped),
			"uptime_seconds":   m.now().Sub(m.startedAt).Seconds(),
		})
	})
	return m.closeErr
}

// drainQueues waits for the three queues to empty, bounded by the drain
// deadline. Sources are already stopped, so depth only goes down; the
// grace pass catches items in flight between queues.
func (m *Monitor) drainQueues() {
	deadline := time.Now().Add(m.config.DrainTimeout)
	settled := 0
	for time.Now().Before(deadline) {
		if len(m.events)+len(m.threats)+len(m.responses) == 0 {
			settled++
			if settled >= 3 {
				return
			}
		} else {
			settled = 0
		}
		time.Sleep(10 * time.Millisecond)
	}
	m.logger.WithFields(logrus.Fields{
		"events":    len(m.events),
		"threats":   len(m.threats),
		"responses": len(m.responses),
	}).Warn("Shutdown drain deadline reached with queued work")
}

func (m *Monitor) audit(action string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	if _, err := m.chain.Append(audit.CategoryLifecycle, "monitor", action, details); err != nil {
		m.logger.WithError(err).WithField("action", action).Error("Lifecycle audit append failed")
	}
}

// Chain exposes the primary audit chain for verification surfaces.
func (m *Monitor) Chain() *audit.Chain { return m.chain }

// Protector exposes emergency state for the admin surface.
func (m *Monitor) Protector() *emergency.Protector { return m.protector }

// Alerts exposes the alert manager for the admin surface.
func (m *Monitor) Alerts() *alerting.Manager { return m.alerts }

// Responder exposes the response orchestrator for rollback surfaces.
func (m *Monitor) Responder() *response.Orchestrator { return m.responder }

// Correlator exposes the correlation engine for the update approval
// surface.
func (m *Monitor) Correlator() *correlate.Engine { return m.correlator }
