package shadow

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dbsentinel/dbsentinel/internal/alerting"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// scriptedPrimary fakes the primary monitor; each probe advances the
// shared clock by the scripted delay to simulate response time.
type scriptedPrimary struct {
	mu      sync.Mutex
	clock   *time.Time
	delay   time.Duration
	healthy bool
}

func (p *scriptedPrimary) IsHealthy(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.clock = p.clock.Add(p.delay)
	return p.healthy
}

func (p *scriptedPrimary) set(healthy bool, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
	p.delay = delay
}

type collectingNotifier struct {
	mu   sync.Mutex
	sent []*alerting.Notification
}

func (c *collectingNotifier) Channel() string { return "email" }

func (c *collectingNotifier) Send(_ context.Context, n *alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *collectingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type failingNotifier struct{}

func (failingNotifier) Channel() string { return "email" }

func (failingNotifier) Send(_ context.Context, _ *alerting.Notification) error {
	return errors.New("smtp down")
}

type sinkCollector struct {
	mu   sync.Mutex
	dets []*detect.Detection
}

func (s *sinkCollector) add(det *detect.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dets = append(s.dets, det)
}

func (s *sinkCollector) all() []*detect.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*detect.Detection, len(s.dets))
	copy(out, s.dets)
	return out
}

func quietShadowConfig(dir string) *Config {
	config := DefaultConfig()
	config.HeartbeatInterval = 0
	config.PollInterval = 0
	config.StorePath = filepath.Join(dir, "shadow.db")
	config.ChainPath = filepath.Join(dir, "shadow_audit.log")
	config.NotifyRecipients = []string{"oncall@example.com"}
	return config
}

func newTestShadow(t *testing.T, config *Config, notifier alerting.Notifier) (*Shadow, *scriptedPrimary, *sinkCollector, *time.Time) {
	t.Helper()
	clock := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	primary := &scriptedPrimary{clock: &clock, healthy: true}
	sink := &sinkCollector{}

	s, err := New(config, primary, []byte("shadow-test-secret"), notifier, sink.add, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	s.now = func() time.Time { return clock }
	return s, primary, sink, &clock
}

func chainActions(t *testing.T, s *Shadow) []string {
	t.Helper()
	entries, err := s.Chain().ReadSince(time.Time{}, 1000)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestShadow_ConsecutiveFailuresFlagCompromise(t *testing.T) {
	dir := t.TempDir()
	notifier := &collectingNotifier{}
	s, primary, sink, clock := newTestShadow(t, quietShadowConfig(dir), notifier)

	primary.set(false, 50*time.Millisecond)
	for i := 0; i < 5; i++ {
		s.PollPrimary(context.Background())
		*clock = clock.Add(30 * time.Second)
	}

	dets := sink.all()
	require.Len(t, dets, 1, "transition fires once, not per poll")
	det := dets[0]
	assert.Equal(t, ThreatPrimaryCompromise, det.Type)
	assert.Equal(t, detect.SeverityHigh, det.Severity)
	assert.InDelta(t, 0.8, det.Confidence, 0.001)
	assert.Equal(t, "health_check_failures", det.Indicators["reason"])
	assert.True(t, det.Affects(pipeline.ComponentMonitoring))

	status := s.Status()
	assert.True(t, status.Compromised)
	assert.True(t, status.BackupAlerting)
	assert.False(t, status.PrimaryHealthy)

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, alerting.PriorityHigh, notifier.sent[0].Priority)
	assert.Equal(t, []string{"oncall@example.com"}, notifier.sent[0].Recipients)

	actions := chainActions(t, s)
	assert.Contains(t, actions, "primary_compromise_detected")
	assert.Contains(t, actions, "backup_alerting_activated")

	result, err := s.Chain().VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestShadow_SlowPrimaryFlagsDegraded(t *testing.T) {
	dir := t.TempDir()
	notifier := &collectingNotifier{}
	s, primary, sink, clock := newTestShadow(t, quietShadowConfig(dir), notifier)

	primary.set(true, 6*time.Second)
	for i := 0; i < 6; i++ {
		s.PollPrimary(context.Background())
		*clock = clock.Add(30 * time.Second)
	}

	dets := sink.all()
	require.Len(t, dets, 1, "degraded state fires once the window is full")
	det := dets[0]
	assert.Equal(t, detect.SeverityMedium, det.Severity)
	assert.InDelta(t, 0.6, det.Confidence, 0.001)
	assert.Equal(t, "slow_response", det.Indicators["reason"])
	assert.EqualValues(t, 6000, det.Indicators["avg_response_ms"])

	// MEDIUM does not switch to backup alerting or notify.
	assert.False(t, s.Status().BackupAlerting)
	assert.Equal(t, 0, notifier.count())
	assert.Equal(t, int64(1), s.Metrics().SlowSignals)
}

func TestShadow_RecoveryRearmsDetection(t *testing.T) {
	dir := t.TempDir()
	notifier := &collectingNotifier{}
	s, primary, sink, clock := newTestShadow(t, quietShadowConfig(dir), notifier)

	poll := func(n int) {
		for i := 0; i < n; i++ {
			s.PollPrimary(context.Background())
			*clock = clock.Add(30 * time.Second)
		}
	}

	primary.set(false, 50*time.Millisecond)
	poll(4)
	require.Len(t, sink.all(), 1)
	require.True(t, s.Status().BackupAlerting)

	// A full window of healthy checks clears the state.
	primary.set(true, 50*time.Millisecond)
	poll(5)
	status := s.Status()
	assert.False(t, status.Compromised)
	assert.False(t, status.BackupAlerting)
	actions := chainActions(t, s)
	assert.Contains(t, actions, "primary_recovered")
	assert.Contains(t, actions, "backup_alerting_deactivated")

	// A fresh failure burst is a new transition.
	primary.set(false, 50*time.Millisecond)
	poll(4)
	assert.Len(t, sink.all(), 2)
	assert.Equal(t, int64(2), s.Metrics().CompromiseSignals)
	assert.Equal(t, 2, notifier.count())
}

func TestShadow_HistorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	config := quietShadowConfig(dir)

	clock := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	primary := &scriptedPrimary{clock: &clock, healthy: false, delay: 50 * time.Millisecond}

	first, err := New(config, primary, []byte("shadow-test-secret"), nil, nil, testLogger())
	require.NoError(t, err)
	first.now = func() time.Time { return clock }
	for i := 0; i < 3; i++ {
		first.PollPrimary(context.Background())
		clock = clock.Add(30 * time.Second)
	}
	require.NoError(t, first.Close())

	// The restarted shadow inherits three failures from its store; one
	// more crosses the threshold immediately.
	sink := &sinkCollector{}
	second, err := New(config, primary, []byte("shadow-test-secret"), nil, sink.add, testLogger())
	require.NoError(t, err)
	defer second.Close()
	second.now = func() time.Time { return clock }

	det := second.PollPrimary(context.Background())
	require.NotNil(t, det)
	assert.Equal(t, ThreatPrimaryCompromise, det.Type)
	assert.Len(t, sink.all(), 1)
}

func TestShadow_HeartbeatWritesOwnChain(t *testing.T) {
	dir := t.TempDir()
	s, primary, _, clock := newTestShadow(t, quietShadowConfig(dir), nil)

	primary.set(true, 50*time.Millisecond)
	s.PollPrimary(context.Background())
	*clock = clock.Add(time.Minute)
	s.Heartbeat(context.Background())

	assert.Equal(t, int64(1), s.Metrics().Heartbeats)
	assert.Equal(t, *clock, s.Status().LastHeartbeatAt)
	assert.Contains(t, chainActions(t, s), "shadow_heartbeat")
}

func TestShadow_ChainTamperIsEvident(t *testing.T) {
	dir := t.TempDir()
	config := quietShadowConfig(dir)
	s, primary, _, clock := newTestShadow(t, config, nil)

	primary.set(true, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		s.PollPrimary(context.Background())
		*clock = clock.Add(30 * time.Second)
	}
	s.Heartbeat(context.Background())

	result, err := s.Chain().VerifyChain()
	require.NoError(t, err)
	require.True(t, result.Valid)

	// Flip one byte in the first entry line.
	content, err := os.ReadFile(config.ChainPath)
	require.NoError(t, err)
	lines := bytes.Split(content, []byte("\n"))
	require.Greater(t, len(lines), 1)
	mid := len(lines[1]) / 2
	if lines[1][mid] == 'x' {
		lines[1][mid] = 'y'
	} else {
		lines[1][mid] = 'x'
	}
	require.NoError(t, os.WriteFile(config.ChainPath, bytes.Join(lines, []byte("\n")), 0o600))

	result, err = s.Chain().VerifyChain()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Greater(t, result.FirstInvalidOffset, int64(0))
}

func TestShadow_NotifierFailureDoesNotBlockDetection(t *testing.T) {
	dir := t.TempDir()
	s, primary, sink, clock := newTestShadow(t, quietShadowConfig(dir), failingNotifier{})

	primary.set(false, 50*time.Millisecond)
	for i := 0; i < 4; i++ {
		s.PollPrimary(context.Background())
		*clock = clock.Add(30 * time.Second)
	}

	assert.Len(t, sink.all(), 1)
	assert.Equal(t, int64(1), s.Metrics().NotificationsFailed)
	assert.Equal(t, int64(0), s.Metrics().NotificationsSent)
}
