package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

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

type collectingNotifier struct {
	mu      sync.Mutex
	channel string
	sent    []*Notification
}

func (c *collectingNotifier) Channel() string { return c.channel }

func (c *collectingNotifier) Send(_ context.Context, n *Notification) error {
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

func (c *collectingNotifier) last() *Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

type failingNotifier struct{ channel string }

func (f *failingNotifier) Channel() string { return f.channel }

func (f *failingNotifier) Send(context.Context, *Notification) error {
	return fmt.Errorf("smtp relay down")
}

func newTestManager(t *testing.T, config *Config) (*Manager, *time.Time) {
	t.Helper()
	if config == nil {
		config = DefaultConfig()
	}
	store := NewMemorySuppression()
	m := NewManager(config, store, nil, testLogger())
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	m.now = now
	store.now = now
	return m, &clock
}

func alertDetection(severity detect.Severity, threatType string, components ...pipeline.Component) *detect.Detection {
	det := detect.NewDetection("signature", threatType, severity, 0.9, "crafted for tests")
	det.EvidenceChain = []string{"ev-1", "ev-2"}
	for _, c := range components {
		det.AddComponent(c)
	}
	return det
}

func TestManager_RaiseMapsSeverityToPriority(t *testing.T) {
	cases := []struct {
		severity detect.Severity
		priority Priority
	}{
		{detect.SeverityLow, PriorityLow},
		{detect.SeverityMedium, PriorityMedium},
		{detect.SeverityHigh, PriorityHigh},
		{detect.SeverityCritical, PriorityCritical},
	}
	for _, tc := range cases {
		t.Run(string(tc.severity), func(t *testing.T) {
			m, _ := newTestManager(t, nil)
			det := alertDetection(tc.severity, "attack_pattern_sql_injection", pipeline.ComponentDatabase)
			alert, suppressed, err := m.Raise(context.Background(), det)
			require.NoError(t, err)
			assert.False(t, suppressed)
			assert.Equal(t, tc.priority, alert.Priority)
			assert.Equal(t, StatusNew, alert.Status)
			assert.Equal(t, det.DetectionID, alert.SourceDetectionID)
			assert.Equal(t, []string{"ev-1", "ev-2"}, alert.SourceEventIDs)
		})
	}
}

func TestManager_SuppressionWindow(t *testing.T) {
	config := DefaultConfig()
	config.NotificationRules = []NotificationRule{{
		Name:              "ops",
		PriorityThreshold: PriorityLow,
		Channels:          []string{"collect"},
		Recipients:        []string{"ops@example.com"},
	}}
	m, clock := newTestManager(t, config)
	sink := &collectingNotifier{channel: "collect"}
	m.RegisterNotifier(sink)

	first, suppressed, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "exfiltration_bulk_select", pipeline.ComponentDatabase))
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.Equal(t, 1, sink.count())

	// Same threat type and components inside the window: counted, not
	// re-notified, and no second alert exists.
	*clock = clock.Add(1 * time.Minute)
	dup, suppressed, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "exfiltration_bulk_select", pipeline.ComponentDatabase))
	require.NoError(t, err)
	assert.True(t, suppressed)
	assert.Equal(t, first.AlertID, dup.AlertID)
	assert.Equal(t, 1, dup.DuplicateCount)
	assert.Equal(t, 1, sink.count())
	assert.Len(t, m.ActiveAlerts(), 1)
	assert.Equal(t, int64(1), m.Metrics().AlertsSuppressed)

	// A different component set is a different fingerprint.
	other, suppressed, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "exfiltration_bulk_select", pipeline.ComponentDatabase, pipeline.ComponentUserAccount))
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.NotEqual(t, first.AlertID, other.AlertID)
	assert.Equal(t, 2, sink.count())

	// Past the window the same fingerprint alerts again.
	*clock = clock.Add(5 * time.Minute)
	again, suppressed, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "exfiltration_bulk_select", pipeline.ComponentDatabase))
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.NotEqual(t, first.AlertID, again.AlertID)
	assert.Equal(t, 3, sink.count())
}

func TestManager_ResolvedAlertsDoNotSuppress(t *testing.T) {
	m, clock := newTestManager(t, nil)

	first, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "attack_pattern_reconnaissance", pipeline.ComponentPerfSchema))
	require.NoError(t, err)
	require.NoError(t, m.Acknowledge(first.AlertID, "oncall"))
	require.NoError(t, m.Resolve(first.AlertID, "oncall"))

	*clock = clock.Add(1 * time.Minute)
	second, suppressed, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "attack_pattern_reconnaissance", pipeline.ComponentPerfSchema))
	require.NoError(t, err)
	assert.False(t, suppressed, "resolved alerts must not suppress fresh ones")
	assert.NotEqual(t, first.AlertID, second.AlertID)
}

func TestManager_LifecycleTransitions(t *testing.T) {
	m, _ := newTestManager(t, nil)

	alert, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityMedium, "behavioral_new_host", pipeline.ComponentDatabase))
	require.NoError(t, err)

	// Resolution demands acknowledgement first.
	err = m.Resolve(alert.AlertID, "oncall")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acknowledged")

	require.NoError(t, m.Acknowledge(alert.AlertID, "oncall"))
	got, ok := m.Alert(alert.AlertID)
	require.True(t, ok)
	assert.Equal(t, StatusAcked, got.Status)
	assert.Equal(t, "oncall", got.AckedBy)
	require.NotNil(t, got.AckedAt)

	// Double-ack is refused.
	assert.Error(t, m.Acknowledge(alert.AlertID, "oncall"))

	require.NoError(t, m.StartProgress(alert.AlertID, "oncall"))
	require.NoError(t, m.Resolve(alert.AlertID, "oncall"))

	got, ok = m.Alert(alert.AlertID)
	require.True(t, ok)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "oncall", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.Empty(t, m.ActiveAlerts())
	assert.Len(t, m.ArchivedAlerts(), 1)

	// Resolved alerts accept no further transitions.
	assert.Error(t, m.Acknowledge(alert.AlertID, "oncall"))
	assert.Error(t, m.Resolve(alert.AlertID, "oncall"))
}

func TestManager_EscalationReNotifies(t *testing.T) {
	config := DefaultConfig()
	config.EscalationRules = []EscalationRule{{
		Name:              "unhandled-high",
		TriggerAfter:      10 * time.Minute,
		MaxEscalations:    2,
		Targets:           []string{"oncall@example.com"},
		Channels:          []string{"collect"},
		PriorityThreshold: PriorityHigh,
	}}
	m, clock := newTestManager(t, config)
	sink := &collectingNotifier{channel: "collect"}
	m.RegisterNotifier(sink)

	alert, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "attack_pattern_privilege_escalation", pipeline.ComponentUserAccount))
	require.NoError(t, err)

	*clock = clock.Add(5 * time.Minute)
	assert.Equal(t, 0, m.RunEscalations(context.Background()), "too early to escalate")

	*clock = clock.Add(6 * time.Minute)
	assert.Equal(t, 1, m.RunEscalations(context.Background()))
	got, _ := m.Alert(alert.AlertID)
	assert.Equal(t, StatusEscalated, got.Status)
	assert.Equal(t, 1, got.EscalationCount)
	require.NotNil(t, got.LastEscalatedAt)
	require.Equal(t, 1, sink.count())
	n := sink.last()
	assert.Contains(t, n.Subject, "escalation 1")
	assert.Equal(t, []string{"oncall@example.com"}, n.Recipients)

	// The next interval anchors at the previous escalation.
	*clock = clock.Add(1 * time.Minute)
	assert.Equal(t, 0, m.RunEscalations(context.Background()))

	*clock = clock.Add(10 * time.Minute)
	assert.Equal(t, 1, m.RunEscalations(context.Background()))
	got, _ = m.Alert(alert.AlertID)
	assert.Equal(t, 2, got.EscalationCount)

	// The escalation budget is spent.
	*clock = clock.Add(11 * time.Minute)
	assert.Equal(t, 0, m.RunEscalations(context.Background()))

	// Escalated alerts can still be picked up and closed.
	require.NoError(t, m.Acknowledge(alert.AlertID, "oncall"))
	require.NoError(t, m.Resolve(alert.AlertID, "oncall"))
}

func TestManager_EscalationSkipsHandledAlerts(t *testing.T) {
	config := DefaultConfig()
	config.EscalationRules = []EscalationRule{{
		Name:              "unhandled",
		TriggerAfter:      10 * time.Minute,
		MaxEscalations:    3,
		Targets:           []string{"oncall@example.com"},
		Channels:          []string{"collect"},
		PriorityThreshold: PriorityLow,
	}}
	m, clock := newTestManager(t, config)
	m.RegisterNotifier(&collectingNotifier{channel: "collect"})

	alert, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityMedium, "behavioral_unusual_hour", pipeline.ComponentDatabase))
	require.NoError(t, err)
	require.NoError(t, m.Acknowledge(alert.AlertID, "oncall"))

	*clock = clock.Add(30 * time.Minute)
	assert.Equal(t, 0, m.RunEscalations(context.Background()))
}

func TestManager_NotificationRuleFiltering(t *testing.T) {
	config := DefaultConfig()
	config.NotificationRules = []NotificationRule{
		{
			Name:              "high-email",
			PriorityThreshold: PriorityHigh,
			Channels:          []string{"email"},
			Recipients:        []string{"sec@example.com"},
		},
		{
			Name:              "exfil-feed",
			PriorityThreshold: PriorityLow,
			Channels:          []string{"feed"},
			Recipients:        []string{"pipeline"},
			ThreatTypePrefix:  "exfiltration",
		},
	}
	m, _ := newTestManager(t, config)
	email := &collectingNotifier{channel: "email"}
	feed := &collectingNotifier{channel: "feed"}
	m.RegisterNotifier(email)
	m.RegisterNotifier(feed)

	_, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityMedium, "exfiltration_bulk_select", pipeline.ComponentDatabase))
	require.NoError(t, err)
	assert.Equal(t, 0, email.count(), "medium stays under the email threshold")
	assert.Equal(t, 1, feed.count())

	_, _, err = m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "attack_pattern_sql_injection", pipeline.ComponentDatabase))
	require.NoError(t, err)
	assert.Equal(t, 1, email.count())
	assert.Equal(t, 1, feed.count(), "prefix keeps non-exfiltration alerts out of the feed")
}

func TestManager_NotifierFailureDoesNotBlockAlerting(t *testing.T) {
	config := DefaultConfig()
	config.NotificationRules = []NotificationRule{{
		Name:              "ops",
		PriorityThreshold: PriorityLow,
		Channels:          []string{"email"},
		Recipients:        []string{"ops@example.com"},
	}}
	m, _ := newTestManager(t, config)
	m.RegisterNotifier(&failingNotifier{channel: "email"})

	alert, suppressed, err := m.Raise(context.Background(), alertDetection(detect.SeverityCritical, "persistence_backdoor_user", pipeline.ComponentUserAccount))
	require.NoError(t, err)
	assert.False(t, suppressed)
	require.NotNil(t, alert)
	assert.Len(t, m.ActiveAlerts(), 1)
	assert.Equal(t, int64(1), m.Metrics().NotificationsFailed)
}

func TestManager_ArchiveRetention(t *testing.T) {
	m, clock := newTestManager(t, nil)

	alert, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityLow, "behavioral_unusual_hour", pipeline.ComponentDatabase))
	require.NoError(t, err)
	require.NoError(t, m.Acknowledge(alert.AlertID, "oncall"))
	require.NoError(t, m.Resolve(alert.AlertID, "oncall"))
	require.Len(t, m.ArchivedAlerts(), 1)

	*clock = clock.Add(29 * 24 * time.Hour)
	assert.Equal(t, 0, m.SweepArchive())

	*clock = clock.Add(2 * 24 * time.Hour)
	assert.Equal(t, 1, m.SweepArchive())
	assert.Empty(t, m.ArchivedAlerts())
}

func TestManager_ActiveAlertsOrderedByPriority(t *testing.T) {
	m, clock := newTestManager(t, nil)

	_, _, err := m.Raise(context.Background(), alertDetection(detect.SeverityLow, "behavioral_unusual_hour", pipeline.ComponentDatabase))
	require.NoError(t, err)
	*clock = clock.Add(time.Second)
	_, _, err = m.Raise(context.Background(), alertDetection(detect.SeverityCritical, "persistence_backdoor_user", pipeline.ComponentUserAccount))
	require.NoError(t, err)
	*clock = clock.Add(time.Second)
	_, _, err = m.Raise(context.Background(), alertDetection(detect.SeverityHigh, "attack_pattern_sql_injection", pipeline.ComponentDatabase))
	require.NoError(t, err)

	active := m.ActiveAlerts()
	require.Len(t, active, 3)
	assert.Equal(t, PriorityCritical, active[0].Priority)
	assert.Equal(t, PriorityHigh, active[1].Priority)
	assert.Equal(t, PriorityLow, active[2].Priority)
}

func TestMemorySuppression_WindowAnchorsAtFirstSighting(t *testing.T) {
	store := NewMemorySuppression()
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	seen, err := store.Seen(context.Background(), "fp", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	clock = clock.Add(4 * time.Minute)
	seen, err = store.Seen(context.Background(), "fp", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, seen, "inside the anchored window")

	clock = clock.Add(2 * time.Minute)
	seen, err = store.Seen(context.Background(), "fp", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "window expired relative to the first sighting")
}

func TestRedisSuppression_SetNXSemantics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSuppression(client, "")
	defer store.Close()

	seen, err := store.Seen(context.Background(), "fp", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(context.Background(), "fp", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(6 * time.Minute)
	seen, err = store.Seen(context.Background(), "fp", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestBuildMIME_PrefersHTML(t *testing.T) {
	n := &Notification{
		Subject:    "[dbsentinel] HIGH: exfiltration_bulk_select",
		Text:       "plain body",
		HTML:       "<p>rich body</p>",
		Recipients: []string{"ops@example.com"},
	}
	msg := string(buildMIME("monitor@example.com", n))
	assert.Contains(t, msg, "Subject: [dbsentinel] HIGH: exfiltration_bulk_select\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "text/html")
	assert.Contains(t, msg, "<p>rich body</p>")

	n.HTML = ""
	msg = string(buildMIME("monitor@example.com", n))
	assert.Contains(t, msg, "text/plain")
	assert.Contains(t, msg, "plain body")
}
