package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dbsentinel/dbsentinel/internal/alerting"
	cfg "github.com/dbsentinel/dbsentinel/internal/config"
)

func TestWithMember(t *testing.T) {
	assert.Equal(t, []string{"a"}, withMember([]string{"a"}, "a"))
	assert.Equal(t, []string{"a", "b"}, withMember([]string{"a"}, "b"))
	assert.Equal(t, []string{"a"}, withMember([]string{"a"}, ""))
	assert.Equal(t, []string{"x"}, withMember(nil, "x"))
}

func TestConfigMappers_SettingsFlowThrough(t *testing.T) {
	s := cfg.SecureDefaults()
	s.Monitoring.EventBufferSize = 1234
	s.Monitoring.DedupWindowSeconds = 9
	s.Monitoring.MonitoredPrincipal = "watched_svc"
	s.Detection.CorrelationWindowSeconds = 120
	s.Detection.AutoApplyUpdates = false
	s.Response.LockdownTimeoutMinutes = 45
	s.Integrity.RescanSeconds = 60

	pc := pipelineConfig(s)
	assert.Equal(t, 1234, pc.RingCapacity)
	assert.Equal(t, 9*time.Second, pc.DedupWindow)

	oc := observerConfig(s)
	assert.Equal(t, "watched_svc", oc.MonitoredPrincipal)
	assert.Equal(t, 10*time.Second, oc.DBTimeout)

	// The monitored principal joins the privileged set exactly once.
	sc := signatureConfig(s)
	assert.Contains(t, sc.PrivilegedAccounts, "watched_svc")
	ac := advancedConfig(s)
	assert.Contains(t, ac.PrivilegedAccounts, "watched_svc")

	cc := correlateConfig(s)
	assert.Equal(t, 2*time.Minute, cc.CorrelationWindow)
	assert.False(t, cc.AutoApply)

	ec := emergencyConfig(s, []byte("boot-secret"))
	assert.Equal(t, 45*time.Minute, ec.LockdownTimeout)
	assert.NotEmpty(t, ec.UnlockSecret)
	assert.NotEqual(t, "boot-secret", ec.UnlockSecret, "unlock secret must be derived, not reused")

	ic := integrityConfig(s, "/etc/dbsentinel/config.json", "/var/lib/dbsentinel/audit_chain.log")
	assert.Equal(t, "/etc/dbsentinel/config.json", ic.ConfigPath)
	assert.Contains(t, ic.WatchPaths, "/var/lib/dbsentinel/audit_chain.log")
	assert.Equal(t, time.Minute, ic.RescanInterval)
}

func TestConfigMappers_MonitoredPrincipalNotDuplicated(t *testing.T) {
	s := cfg.SecureDefaults()
	// The default privileged set already carries the monitored account.
	sc := signatureConfig(s)
	count := 0
	for _, acct := range sc.PrivilegedAccounts {
		if acct == s.Monitoring.MonitoredPrincipal {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAlertingConfig_RulesRequireRecipientsAndChannels(t *testing.T) {
	s := cfg.SecureDefaults()

	// No recipients: alerts are tracked, nobody is paged.
	ac := alertingConfig(s, nil)
	assert.Empty(t, ac.NotificationRules)
	assert.Empty(t, ac.EscalationRules)

	s.Response.Recipients = []string{"oncall@example.com"}
	ac = alertingConfig(s, nil)
	assert.Empty(t, ac.NotificationRules, "recipients without a channel cannot be paged")

	ac = alertingConfig(s, []string{"email"})
	assert.Len(t, ac.NotificationRules, 1)
	assert.Equal(t, alerting.PriorityHigh, ac.NotificationRules[0].PriorityThreshold)
	assert.Len(t, ac.EscalationRules, 1)
	assert.Equal(t, alerting.PriorityCritical, ac.EscalationRules[0].PriorityThreshold)
}

func TestShadowConfig_RecipientsFallBackToResponse(t *testing.T) {
	s := cfg.SecureDefaults()
	s.Response.Recipients = []string{"oncall@example.com"}
	s.Shadow.Recipients = nil

	sc := shadowConfig(s)
	assert.Equal(t, []string{"oncall@example.com"}, sc.NotifyRecipients)

	s.Shadow.Recipients = []string{"secops@example.com"}
	sc = shadowConfig(s)
	assert.Equal(t, []string{"secops@example.com"}, sc.NotifyRecipients)
}
