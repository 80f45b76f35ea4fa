package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/emergency"
)

const flowSampleSize = 512

// flowStats keeps a bounded latency sample and the smoothed event rate.
// record runs on the hot path; everything else runs in the supervisor.
type flowStats struct {
	mu        sync.Mutex
	samples   []float64 // milliseconds, ring buffer
	next      int
	filled    bool
	rate      float64
	lastCount int64
	lastAt    time.Time
}

func (f *flowStats) record(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples == nil {
		f.samples = make([]float64, flowSampleSize)
	}
	f.samples[f.next] = float64(d.Microseconds()) / 1000.0
	f.next++
	if f.next == len(f.samples) {
		f.next = 0
		f.filled = true
	}
}

func (f *flowStats) p50() float64 {
	f.mu.Lock()
	n := f.next
	if f.filled {
		n = len(f.samples)
	}
	if n == 0 {
		f.mu.Unlock()
		return 0
	}
	window := make([]float64, n)
	copy(window, f.samples[:n])
	f.mu.Unlock()

	sort.Float64s(window)
	return window[n/2]
}

// tick updates the event rate from the processed-count delta since the
// previous tick and returns it.
func (f *flowStats) tick(now time.Time, processed int64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lastAt.IsZero() {
		if elapsed := now.Sub(f.lastAt).Seconds(); elapsed > 0 {
			f.rate = float64(processed-f.lastCount) / elapsed
		}
	}
	f.lastAt = now
	f.lastCount = processed
	return f.rate
}

func (f *flowStats) currentRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (m *Monitor) runSupervisor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.SupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.superviseOnce()
		}
	}
}

// superviseOnce is one supervisor cycle: component health, flow metrics,
// emergency posture, deferred work, escalations. Every step tolerates
// failure; supervision itself must never take the process down.
func (m *Monitor) superviseOnce() {
	m.checkComponents(m.ctx)

	rate := m.flow.tick(m.now(), atomic.LoadInt64(&m.eventsProcessed))
	m.collector.EventRate.Set(rate)
	m.collector.QueueDepth.WithLabelValues("events").Set(float64(len(m.events)))
	m.collector.QueueDepth.WithLabelValues("threats").Set(float64(len(m.threats)))
	m.collector.QueueDepth.WithLabelValues("responses").Set(float64(len(m.responses)))

	prev := m.protector.Level()
	level := m.protector.Assess(m.ctx)
	if level != prev {
		m.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   level,
		}).Warn("Emergency level changed")
	}
	m.collector.EmergencyLevel.Set(float64(level.Rank()))
	m.protector.CheckUnlockConditions(m.ctx)

	m.responder.DrainDeferred(m.ctx)
	m.alerts.RunEscalations(m.ctx)
	m.alerts.SweepArchive()

	m.collector.ChainEntries.Set(float64(m.chain.Entries()))
	m.syncCounters()
}

// syncCounters forwards component-internal counters into the prometheus
// counters as deltas. Only the supervisor goroutine touches the seen
// values.
func (m *Monitor) syncCounters() {
	em := m.protector.Metrics()
	if d := em.LockdownsInitiated - m.seenLockdowns; d > 0 {
		m.collector.LockdownsTotal.Add(float64(d))
		m.seenLockdowns = em.LockdownsInitiated
	}
	iv := m.validator.Metrics().ViolationsFound
	if d := iv - m.seenViolations; d > 0 {
		m.collector.IntegrityViolations.Add(float64(d))
		m.seenViolations = iv
	}
}

func (m *Monitor) checkComponents(ctx context.Context) {
	for _, reg := range m.registry.all() {
		if reg.healthy == nil {
			continue
		}
		ok := reg.healthy(ctx)
		val := 0.0
		if ok {
			val = 1
		}
		m.collector.ComponentHealthy.WithLabelValues(reg.name).Set(val)
		m.noteHealth(reg, ok)
	}
}

// noteHealth records a component's health-check outcome and acts on
// transitions. A critical component going unhealthy raises a CRITICAL
// detection so the emergency protector weighs it; everything else only
// degrades reported status.
func (m *Monitor) noteHealth(reg *registration, ok bool) {
	m.healthMu.Lock()
	was := m.unhealthy[reg.handle]
	if was == !ok {
		m.healthMu.Unlock()
		return
	}
	if ok {
		delete(m.unhealthy, reg.handle)
	} else {
		m.unhealthy[reg.handle] = true
	}
	m.healthMu.Unlock()

	if ok {
		m.logger.WithField("component", reg.name).Info("Component recovered")
		if _, err := m.chain.Append(audit.CategoryLifecycle, SupervisorName, "component_recovered", map[string]interface{}{
			"component": reg.name,
		}); err != nil {
			m.logger.WithError(err).Warn("Recovery audit append failed")
		}
		return
	}

	m.logger.WithField("component", reg.name).Error("Component health check failed")
	if _, err := m.chain.Append(audit.CategoryError, SupervisorName, "component_unhealthy", map[string]interface{}{
		"component": reg.name,
		"critical":  reg.critical,
	}); err != nil {
		m.logger.WithError(err).Warn("Health audit append failed")
	}
	if reg.critical {
		det := detect.NewDetection(SupervisorName, ThreatComponentFailure, detect.SeverityCritical, 0.9,
			"critical component "+reg.name+" failed its health check").
			WithIndicator("component", reg.name).
			WithActions(detect.ActionAlertOperators, detect.ActionIsolate)
		det.AddComponent(reg.affected)
		// Own goroutine: the supervisor must not park on a full queue.
		go m.ReportDetection(det)
	}
}

// ComponentStatus is one registry entry's health in the status report.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// Status is the operator-facing state summary served by the admin
// surface and the CLI.
type Status struct {
	State            string            `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	EventsProcessed  int64             `json:"events_processed"`
	EventsDropped    int64             `json:"events_dropped"`
	ThreatsProcessed int64             `json:"threats_processed"`
	EventsPerSecond  float64           `json:"events_per_second"`
	P50LatencyMs     float64           `json:"p50_latency_ms"`
	ActiveAlerts     int               `json:"active_alerts"`
	ActiveSequences  int               `json:"active_sequences"`
	PendingUpdates   int               `json:"pending_updates"`
	EmergencyLevel   string            `json:"emergency_level"`
	ActiveLockdowns  int               `json:"active_lockdowns"`
	FailedComponents []string          `json:"failed_components,omitempty"`
	Components       []ComponentStatus `json:"components"`
	QueueDepths      map[string]int    `json:"queue_depths"`
	AuditEntries     int64             `json:"audit_entries"`
}

// Status reports overall state: healthy, degraded (with the failed
// components listed), or lockdown. There is no silent failure mode.
func (m *Monitor) Status() Status {
	level := m.protector.Level()
	components, failed := m.componentHealth()

	state := "healthy"
	switch {
	case level == emergency.LevelLockdown:
		state = "lockdown"
	case len(failed) > 0:
		state = "degraded"
	}

	snap := m.protector.Snapshot()
	return Status{
		State:            state,
		StartedAt:        m.startedAt,
		UptimeSeconds:    m.now().Sub(m.startedAt).Seconds(),
		EventsProcessed:  atomic.LoadInt64(&m.eventsProcessed),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
		ThreatsProcessed: atomic.LoadInt64(&m.threatsProcessed),
		EventsPerSecond:  m.flow.currentRate(),
		P50LatencyMs:     m.flow.p50(),
		ActiveAlerts:     len(m.alerts.ActiveAlerts()),
		ActiveSequences:  len(m.correlator.ActiveSequences()),
		PendingUpdates:   len(m.correlator.PendingUpdates()),
		EmergencyLevel:   string(level),
		ActiveLockdowns:  len(snap.ActiveLockdowns),
		FailedComponents: failed,
		Components:       components,
		QueueDepths: map[string]int{
			"events":    len(m.events),
			"threats":   len(m.threats),
			"responses": len(m.responses),
		},
		AuditEntries: m.chain.Entries(),
	}
}

func (m *Monitor) componentHealth() ([]ComponentStatus, []string) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	var components []ComponentStatus
	var failed []string
	for _, reg := range m.registry.all() {
		if reg.healthy == nil {
			continue
		}
		bad := m.unhealthy[reg.handle]
		components = append(components, ComponentStatus{Name: reg.name, Healthy: !bad})
		if bad {
			failed = append(failed, reg.name)
		}
	}
	return components, failed
}
