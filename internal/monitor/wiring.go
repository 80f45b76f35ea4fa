package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dbsentinel/dbsentinel/internal/alerting"
	"github.com/dbsentinel/dbsentinel/internal/audit"
	cfg "github.com/dbsentinel/dbsentinel/internal/config"
	"github.com/dbsentinel/dbsentinel/internal/correlate"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/detect/advanced"
	"github.com/dbsentinel/dbsentinel/internal/detect/baseline"
	"github.com/dbsentinel/dbsentinel/internal/detect/signature"
	"github.com/dbsentinel/dbsentinel/internal/emergency"
	"github.com/dbsentinel/dbsentinel/internal/integrity"
	"github.com/dbsentinel/dbsentinel/internal/observer"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
	"github.com/dbsentinel/dbsentinel/internal/response"
	"github.com/dbsentinel/dbsentinel/internal/shadow"
)

// build constructs and registers every component. Registration order is
// significant: closeAll walks it in reverse, so infrastructure first,
// sources last.
func (m *Monitor) build(configStore *cfg.Store, secret []byte, db *sql.DB) error {
	s := m.settings

	pipe, err := pipeline.New(pipelineConfig(s), secret, m.logger)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	m.pipe = pipe
	pipeReg := &registration{name: "pipeline", impl: pipe, close: pipe.Close}
	m.registry.add(pipeReg)
	m.closePipe = pipeReg.close

	chainReg := &registration{
		name:     "audit_chain",
		caps:     CapIntegrity,
		impl:     m.chain,
		critical: true,
		affected: pipeline.ComponentAuditLog,
		healthy:  m.chainHealthy,
	}
	m.registry.add(chainReg)

	baselineDet := baseline.New(baselineConfig(s), m.logger)
	signatureDet, err := signature.New(signatureConfig(s), m.logger)
	if err != nil {
		return fmt.Errorf("signature detector: %w", err)
	}
	advancedDet := advanced.New(advancedConfig(s), m.logger)
	for _, det := range []detect.Detector{baselineDet, signatureDet, advancedDet} {
		m.detectors = append(m.detectors, det)
		m.registry.add(&registration{
			name:     det.Name(),
			caps:     CapDetector,
			impl:     det,
			affected: pipeline.ComponentMonitoring,
			healthy:  detectorHealth(det),
		})
	}

	m.correlator = correlate.New(correlateConfig(s), correlate.Targets{
		Signature: signatureDet,
		Advanced:  advancedDet,
	}, m.chain, m.logger)
	m.registry.add(&registration{
		name: "correlation_engine",
		impl: m.correlator,
		close: func() error {
			m.correlator.Close()
			return nil
		},
	})

	vault := response.NewMemoryVault()
	isolator := response.NewMemoryIsolator()
	switcher := response.NewMemorySwitcher(
		fmt.Sprintf("%s:%d", s.Database.Host, s.Database.Port),
		s.Response.BackupEndpoint,
	)
	m.responder = response.NewOrchestrator(responseConfig(s), vault, isolator, switcher, m.chain, m.logger)
	m.responder.SetFailureHandler(m.responseFailed)
	m.registry.add(&registration{
		name: "response_orchestrator",
		caps: CapResponder,
		impl: m.responder,
	})

	m.protector = emergency.New(emergencyConfig(s, secret), isolator, m.chain, m.logger)
	m.registry.add(&registration{name: "emergency_protector", impl: m.protector})

	if err := m.buildAlerting(s); err != nil {
		return err
	}

	obs, err := observer.New(observerConfig(s), db, m.Submit, m.chain, m.logger)
	if err != nil {
		return fmt.Errorf("observer: %w", err)
	}
	m.obs = obs
	m.registry.add(&registration{
		name:     observer.SourceName,
		caps:     CapSource,
		impl:     obs,
		critical: true,
		affected: pipeline.ComponentDatabase,
		healthy:  obs.IsHealthy,
		close:    obs.Close,
	})

	var configPath string
	if configStore != nil {
		configStore.SetRecorder(m.chain)
		configPath = configStore.Path()
	}
	validator, err := integrity.New(integrityConfig(s, configPath, m.chain.Path()), m.chain, m.chain, m.ReportDetection, m.logger)
	if err != nil {
		return fmt.Errorf("integrity validator: %w", err)
	}
	m.validator = validator
	m.registry.add(&registration{
		name:     integrity.DetectorName,
		caps:     CapIntegrity,
		impl:     validator,
		affected: pipeline.ComponentMonitoring,
		healthy:  func(context.Context) bool { return validator.Healthy() },
		close:    validator.Close,
	})

	if s.Shadow.Enabled {
		var notifier alerting.Notifier
		if s.Response.SMTPAddr != "" {
			notifier = alerting.NewSMTPNotifier(smtpConfig(s))
		}
		shadowMon, err := shadow.New(shadowConfig(s), obs, secret, notifier, m.ReportDetection, m.logger)
		if err != nil {
			return fmt.Errorf("shadow monitor: %w", err)
		}
		m.shadowMon = shadowMon
		m.registry.add(&registration{
			name:  shadow.MonitorName,
			caps:  CapIntegrity,
			impl:  shadowMon,
			close: shadowMon.Close,
		})
	}

	return nil
}

// buildAlerting assembles the alert manager with whichever delivery
// channels the deployment configured. No channels still means alerts are
// tracked and audited; there is just nobody to page.
func (m *Monitor) buildAlerting(s *cfg.Config) error {
	var closers []func() error

	var store alerting.SuppressionStore
	if s.Response.RedisAddr != "" {
		sup := alerting.NewRedisSuppression(redis.NewClient(&redis.Options{
			Addr: s.Response.RedisAddr,
		}), "dbsentinel:suppress")
		store = sup
		closers = append(closers, sup.Close)
	} else {
		store = alerting.NewMemorySuppression()
	}

	var channels []string
	if s.Response.SMTPAddr != "" {
		channels = append(channels, "email")
	}
	if len(s.Response.KafkaBrokers) > 0 {
		channels = append(channels, "kafka")
	}

	m.alerts = alerting.NewManager(alertingConfig(s, channels), store, m.chain, m.logger)
	if s.Response.SMTPAddr != "" {
		m.alerts.RegisterNotifier(alerting.NewSMTPNotifier(smtpConfig(s)))
	}
	if len(s.Response.KafkaBrokers) > 0 {
		kn := alerting.NewKafkaNotifier(s.Response.KafkaBrokers, s.Response.KafkaTopic)
		m.alerts.RegisterNotifier(kn)
		closers = append(closers, kn.Close)
	}

	m.registry.add(&registration{
		name: "alert_manager",
		impl: m.alerts,
		close: func() error {
			var firstErr error
			for _, c := range closers {
				if err := c(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	})
	return nil
}

// chainHealthy checks that the audit chain file is still present and the
// chain has written at least its header. Content verification is the
// integrity validator's job; this is liveness only.
func (m *Monitor) chainHealthy(context.Context) bool {
	if _, err := os.Stat(m.chain.Path()); err != nil {
		return false
	}
	return true
}

func detectorHealth(det detect.Detector) func(context.Context) bool {
	return func(context.Context) bool { return det.Healthy() }
}

// Section-to-component mapping. Each mapper starts from the component's
// own defaults so file settings override only what they name.

func pipelineConfig(s *cfg.Config) *pipeline.Config {
	c := pipeline.DefaultConfig()
	c.RingCapacity = s.Monitoring.EventBufferSize
	c.MaxEventAge = time.Duration(s.Monitoring.EventRetentionHours) * time.Hour
	c.DedupWindow = time.Duration(s.Monitoring.DedupWindowSeconds) * time.Second
	return c
}

func observerConfig(s *cfg.Config) *observer.Config {
	c := observer.DefaultConfig()
	c.SessionScanInterval = time.Duration(s.Monitoring.SessionScanSeconds) * time.Second
	c.QueryScanInterval = time.Duration(s.Monitoring.QueryScanSeconds) * time.Second
	c.PerfScanInterval = time.Duration(s.Monitoring.PerfScanSeconds) * time.Second
	c.DBTimeout = time.Duration(s.Database.TimeoutSeconds) * time.Second
	c.AuthorizedPrincipals = s.Monitoring.AuthorizedPrincipals
	c.MonitoredPrincipal = s.Monitoring.MonitoredPrincipal
	return c
}

func baselineConfig(s *cfg.Config) *baseline.Config {
	c := baseline.DefaultConfig()
	c.LearningWindow = time.Duration(s.Detection.BaselineLearningHours) * time.Hour
	c.MinEvents = s.Detection.BaselineMinEvents
	c.DeviationThreshold = s.Detection.DeviationThreshold
	return c
}

func signatureConfig(s *cfg.Config) *signature.Config {
	c := signature.DefaultConfig()
	c.PrivilegedAccounts = withMember(c.PrivilegedAccounts, s.Monitoring.MonitoredPrincipal)
	return c
}

func advancedConfig(s *cfg.Config) *advanced.Config {
	c := advanced.DefaultConfig()
	c.MinPersistenceIndicators = s.Detection.MinPersistenceIndicators
	c.PrivilegedAccounts = withMember(c.PrivilegedAccounts, s.Monitoring.MonitoredPrincipal)
	return c
}

// withMember appends v unless the list already carries it.
func withMember(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func correlateConfig(s *cfg.Config) *correlate.Config {
	c := correlate.DefaultConfig()
	c.CorrelationWindow = time.Duration(s.Detection.CorrelationWindowSeconds) * time.Second
	c.SequenceTimeout = time.Duration(s.Detection.SequenceTimeoutMinutes) * time.Minute
	c.AutoApply = s.Detection.AutoApplyUpdates
	c.AutoApplyConfidence = s.Detection.AutoApplyConfidence
	return c
}

func responseConfig(s *cfg.Config) *response.Config {
	c := response.DefaultConfig()
	c.MaxActionsPerMinute = s.Response.MaxActionsPerMinute
	c.RotationDeadline = time.Duration(s.Response.RotationDeadlineMinutes) * time.Minute
	c.BackupEndpoint = s.Response.BackupEndpoint
	return c
}

func emergencyConfig(s *cfg.Config, secret []byte) *emergency.Config {
	c := emergency.DefaultConfig()
	c.LockdownTimeout = time.Duration(s.Response.LockdownTimeoutMinutes) * time.Minute
	c.ManualUnlock = s.Response.ManualUnlock
	c.UnlockSecret = string(audit.DeriveSecret(secret, "emergency-unlock"))
	return c
}

// alertingConfig wires the deployment's recipients into one operator
// notification rule and one stalled-critical escalation rule.
func alertingConfig(s *cfg.Config, channels []string) *alerting.Config {
	c := alerting.DefaultConfig()
	c.SuppressionWindow = time.Duration(s.Response.SuppressionWindowMinutes) * time.Minute
	c.ArchiveRetention = time.Duration(s.Response.ArchiveRetentionDays) * 24 * time.Hour
	if len(s.Response.Recipients) > 0 && len(channels) > 0 {
		c.NotificationRules = []alerting.NotificationRule{{
			Name:              "operators",
			PriorityThreshold: alerting.PriorityHigh,
			Channels:          channels,
			Recipients:        s.Response.Recipients,
		}}
		c.EscalationRules = []alerting.EscalationRule{{
			Name:              "unacked_critical",
			TriggerAfter:      15 * time.Minute,
			MaxEscalations:    3,
			Targets:           s.Response.Recipients,
			Channels:          channels,
			PriorityThreshold: alerting.PriorityCritical,
		}}
	}
	return c
}

func smtpConfig(s *cfg.Config) alerting.SMTPConfig {
	return alerting.SMTPConfig{
		Addr:     s.Response.SMTPAddr,
		From:     s.Response.SMTPFrom,
		Username: s.Response.SMTPUsername,
		Password: s.Response.SMTPPassword,
	}
}

func integrityConfig(s *cfg.Config, configPath, chainPath string) *integrity.Config {
	c := integrity.DefaultConfig()
	c.ConfigPath = configPath
	c.WatchPaths = append([]string{chainPath}, s.Integrity.WatchPaths...)
	c.StorePath = s.Integrity.StorePath
	c.RescanInterval = time.Duration(s.Integrity.RescanSeconds) * time.Second
	c.AutoRestore = s.Integrity.AutoRestore
	return c
}

func shadowConfig(s *cfg.Config) *shadow.Config {
	c := shadow.DefaultConfig()
	c.HeartbeatInterval = time.Duration(s.Shadow.HeartbeatSeconds) * time.Second
	c.PollInterval = time.Duration(s.Shadow.PollSeconds) * time.Second
	c.StorePath = s.Shadow.StorePath
	c.ChainPath = s.Shadow.ChainPath
	c.NotifyRecipients = s.Shadow.Recipients
	if len(c.NotifyRecipients) == 0 {
		c.NotifyRecipients = s.Response.Recipients
	}
	return c
}
