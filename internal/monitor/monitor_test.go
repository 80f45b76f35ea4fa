package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dbsentinel/dbsentinel/internal/alerting"
	"github.com/dbsentinel/dbsentinel/internal/audit"
	cfg "github.com/dbsentinel/dbsentinel/internal/config"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/emergency"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
	"github.com/dbsentinel/dbsentinel/internal/response"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type testMonitor struct {
	*Monitor
	mock  sqlmock.Sqlmock
	chain *audit.Chain
}

// newTestMonitor builds a running monitor with every periodic loop
// disabled, so tests drive each cycle explicitly.
func newTestMonitor(t *testing.T, mutate func(*Config, *cfg.Config)) *testMonitor {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()
	secret := []byte("monitor-test-secret-0123456789")

	chain, err := audit.NewChain(audit.DefaultChainConfig(filepath.Join(dir, "audit_chain.log")), secret, logger)
	require.NoError(t, err)

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	settings := cfg.SecureDefaults()
	settings.Monitoring.SessionScanSeconds = 0
	settings.Monitoring.QueryScanSeconds = 0
	settings.Monitoring.PerfScanSeconds = 0
	settings.Integrity.RescanSeconds = 0
	settings.Integrity.StorePath = filepath.Join(dir, "integrity.db")
	settings.Shadow.Enabled = false

	config := DefaultConfig()
	config.SupervisorInterval = 0
	config.AdminAddr = ""
	config.PutTimeout = 30 * time.Millisecond
	config.DrainTimeout = 2 * time.Second
	if mutate != nil {
		mutate(config, settings)
	}

	m, err := New(config, settings, nil, chain, secret, db, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, m.Close())
		assert.NoError(t, chain.Close())
		db.Close()
	})
	return &testMonitor{Monitor: m, mock: mock, chain: chain}
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	logger := testLogger()
	dir := t.TempDir()
	secret := []byte("secret")

	chain, err := audit.NewChain(audit.DefaultChainConfig(filepath.Join(dir, "chain.log")), secret, logger)
	require.NoError(t, err)
	defer chain.Close()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(nil, nil, nil, nil, secret, db, logger)
	assert.ErrorContains(t, err, "audit chain")

	_, err = New(nil, nil, nil, chain, nil, db, logger)
	assert.ErrorContains(t, err, "secret")

	_, err = New(nil, nil, nil, chain, secret, nil, logger)
	assert.ErrorContains(t, err, "database")
}

func TestMonitor_DetectionFlowEndToEnd(t *testing.T) {
	tm := newTestMonitor(t, func(_ *Config, s *cfg.Config) {
		// With a standby configured, the critical containment plan has
		// somewhere to switch traffic.
		s.Response.BackupEndpoint = "replica-1:3306"
	})

	// Local source and business hours keep the signature score at its
	// base 0.9: one critical detection, posture CRITICAL, no lockdown.
	tm.Submit(&pipeline.Event{
		Type:      pipeline.EventSuspiciousQuery,
		Timestamp: time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC),
		SourceIP:  "127.0.0.1",
		Principal: "app_service",
		Details: map[string]interface{}{
			"query": "CREATE USER 'intruder'@'10.9.8.7'",
		},
	})

	require.Eventually(t, func() bool {
		st := tm.Status()
		return st.EventsProcessed == 1 && st.ThreatsProcessed >= 1
	}, 5*time.Second, 10*time.Millisecond, "event should travel submit -> detect -> threat")

	// Critical detections get the full containment plan executed.
	require.Eventually(t, func() bool {
		return tm.responder.Metrics().ActionsExecuted >= 3
	}, 5*time.Second, 10*time.Millisecond, "isolate, rotate and switch should all run")

	alerts := tm.alerts.ActiveAlerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, alerting.PriorityCritical, alerts[0].Priority)
	assert.Contains(t, alerts[0].ThreatType, "attack_pattern_")

	// One supervisor cycle folds the detection into the emergency posture.
	tm.mock.ExpectPing()
	tm.superviseOnce()
	assert.Equal(t, emergency.LevelCritical, tm.protector.Level())

	st := tm.Status()
	assert.Equal(t, "healthy", st.State)
	assert.Equal(t, string(emergency.LevelCritical), st.EmergencyLevel)
	assert.Zero(t, st.EventsDropped)
	assert.Greater(t, st.AuditEntries, int64(0))
}

func TestMonitor_DuplicateEventsCountOnce(t *testing.T) {
	tm := newTestMonitor(t, nil)

	event := func() *pipeline.Event {
		return &pipeline.Event{
			Type:      pipeline.EventDBConnection,
			SourceIP:  "10.0.0.5",
			Principal: "app_service",
		}
	}
	tm.Submit(event())
	tm.Submit(event())

	require.Eventually(t, func() bool {
		return tm.Status().EventsProcessed == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The duplicate is absorbed, not dropped.
	assert.Zero(t, tm.Status().EventsDropped)
}

func TestMonitor_EventQueueDropsOldestWhenFull(t *testing.T) {
	tm := newTestMonitor(t, func(c *Config, _ *cfg.Config) {
		// No event workers: the queue only fills, so overflow behavior
		// is deterministic.
		c.EventWorkers = 0
		c.EventQueueSize = 2
		c.PutTimeout = 20 * time.Millisecond
		c.DrainTimeout = 100 * time.Millisecond
	})

	for i := 0; i < 3; i++ {
		tm.Submit(&pipeline.Event{
			Type:     pipeline.EventDBConnection,
			SourceIP: "10.0.0.5",
			Details:  map[string]interface{}{"seq": i},
		})
	}

	st := tm.Status()
	assert.Equal(t, int64(1), st.EventsDropped)
	assert.Equal(t, 2, st.QueueDepths["events"])

	// The survivor slots hold the two newest events.
	first := <-tm.events
	second := <-tm.events
	assert.Equal(t, 1, first.Details["seq"])
	assert.Equal(t, 2, second.Details["seq"])
}

func TestMonitor_TwoCriticalDetectionsLockDown(t *testing.T) {
	tm := newTestMonitor(t, nil)

	tm.ReportDetection(detect.NewDetection("test_probe", "unauthorized_access",
		detect.SeverityCritical, 0.95, "session hijack against the monitored account"))
	tm.ReportDetection(detect.NewDetection("test_probe", "privilege_escalation",
		detect.SeverityCritical, 0.95, "grant all detected"))

	require.Eventually(t, func() bool {
		return tm.Status().ThreatsProcessed >= 2
	}, 5*time.Second, 10*time.Millisecond)

	tm.superviseOnce()

	st := tm.Status()
	assert.Equal(t, "lockdown", st.State)
	assert.Equal(t, string(emergency.LevelLockdown), st.EmergencyLevel)
	assert.GreaterOrEqual(t, st.ActiveLockdowns, 1)
}

func TestMonitor_ResponseFailureSurfacesAsDetection(t *testing.T) {
	tm := newTestMonitor(t, nil)

	det := detect.NewDetection("test_probe", "unauthorized_access",
		detect.SeverityHigh, 0.9, "probe")
	act := &response.Action{
		ActionID:     "act-1",
		DetectionID:  det.DetectionID,
		Type:         response.ActionRotate,
		Target:       "uba_user",
		ErrorMessage: "vault sealed",
	}
	tm.responseFailed(det, act)

	require.Eventually(t, func() bool {
		for _, a := range tm.alerts.ActiveAlerts() {
			if a.ThreatType == ThreatResponseFailure {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "failed action should come back as an alert")
}

func TestMonitor_CloseIsIdempotent(t *testing.T) {
	tm := newTestMonitor(t, nil)

	require.NoError(t, tm.Close())
	require.NoError(t, tm.Close())

	// The lifecycle trail survives shutdown intact.
	result, err := tm.chain.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestMonitor_SubmitNilIsNoop(t *testing.T) {
	tm := newTestMonitor(t, nil)
	tm.Submit(nil)
	tm.ReportDetection(nil)
	assert.Zero(t, tm.Status().EventsProcessed)
}

func TestPlanActs(t *testing.T) {
	assert.False(t, planActs(nil))
	assert.False(t, planActs(&response.Plan{Isolation: response.IsolationNone}))
	assert.True(t, planActs(&response.Plan{Isolation: response.IsolationNetwork}))
	assert.True(t, planActs(&response.Plan{Isolation: response.IsolationNone, RotateCredentials: true}))
	assert.True(t, planActs(&response.Plan{Isolation: response.IsolationNone, SwitchBackup: true}))
}
