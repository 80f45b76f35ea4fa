// Package config holds the monitor's file-backed configuration: typed
// sections, secure defaults, validation, and a store that loads and saves
// the JSON config file with audit coverage.
package config

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Config is the full configuration tree. One instance is loaded at startup
// and passed explicitly to the components that consume each section.
type Config struct {
	Monitoring MonitoringSection `json:"monitoring"`
	Detection  DetectionSection  `json:"detection"`
	Response   ResponseSection   `json:"response"`
	Integrity  IntegritySection  `json:"integrity"`
	Shadow     ShadowSection     `json:"shadow"`
	Database   DatabaseSection   `json:"database"`
	Logging    LoggingSection    `json:"logging"`
}

// MonitoringSection covers the observer scan cadence, the event pipeline
// sizing, and the monitor's own operational files.
type MonitoringSection struct {
	SessionScanSeconds   int      `json:"session_scan_seconds"`
	QueryScanSeconds     int      `json:"query_scan_seconds"`
	PerfScanSeconds      int      `json:"perf_scan_seconds"`
	EventBufferSize      int      `json:"event_buffer_size"`
	EventRetentionHours  int      `json:"event_retention_hours"`
	DedupWindowSeconds   int      `json:"dedup_window_seconds"`
	AuthorizedPrincipals []string `json:"authorized_principals"`
	MonitoredPrincipal   string   `json:"monitored_principal"`
	AdminAddr            string   `json:"admin_addr"`
	AuditChainPath       string   `json:"audit_chain_path"`
	SecretPath           string   `json:"secret_path"`
}

// DetectionSection tunes the detector stack and the correlation engine.
type DetectionSection struct {
	BaselineLearningHours    int     `json:"baseline_learning_hours"`
	BaselineMinEvents        int     `json:"baseline_min_events"`
	DeviationThreshold       float64 `json:"deviation_threshold"`
	MinPersistenceIndicators int     `json:"min_persistence_indicators"`
	CorrelationWindowSeconds int     `json:"correlation_window_seconds"`
	SequenceTimeoutMinutes   int     `json:"sequence_timeout_minutes"`
	AutoApplyUpdates         bool    `json:"auto_apply_updates"`
	AutoApplyConfidence      float64 `json:"auto_apply_confidence"`
}

// ResponseSection tunes automated response, alert delivery channels, and
// the emergency lockdown release policy.
type ResponseSection struct {
	MaxActionsPerMinute      int      `json:"max_actions_per_minute"`
	RotationDeadlineMinutes  int      `json:"rotation_deadline_minutes"`
	BackupEndpoint           string   `json:"backup_endpoint"`
	SuppressionWindowMinutes int      `json:"suppression_window_minutes"`
	ArchiveRetentionDays     int      `json:"archive_retention_days"`
	Recipients               []string `json:"recipients"`
	SMTPAddr                 string   `json:"smtp_addr"`
	SMTPFrom                 string   `json:"smtp_from"`
	SMTPUsername             string   `json:"smtp_username"`
	SMTPPassword             string   `json:"-"`
	KafkaBrokers             []string `json:"kafka_brokers"`
	KafkaTopic               string   `json:"kafka_topic"`
	RedisAddr                string   `json:"redis_addr"`
	LockdownTimeoutMinutes   int      `json:"lockdown_timeout_minutes"`
	ManualUnlock             bool     `json:"manual_unlock"`
}

// IntegritySection drives the file integrity validator.
type IntegritySection struct {
	WatchPaths    []string `json:"watch_paths"`
	RescanSeconds int      `json:"rescan_seconds"`
	AutoRestore   bool     `json:"auto_restore"`
	StorePath     string   `json:"store_path"`
}

// ShadowSection drives the independent shadow monitor.
type ShadowSection struct {
	Enabled          bool     `json:"enabled"`
	HeartbeatSeconds int      `json:"heartbeat_seconds"`
	PollSeconds      int      `json:"poll_seconds"`
	StorePath        string   `json:"store_path"`
	ChainPath        string   `json:"chain_path"`
	Recipients       []string `json:"recipients"`
}

// DatabaseSection is the connection to the protected database. The
// password never round-trips through the config file; it comes from the
// environment.
type DatabaseSection struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"-"`
	Name           string `json:"name"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LoggingSection controls the process logger.
type LoggingSection struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
	File   string `json:"file"`   // empty logs to stderr
}

// SecureDefaults returns the configuration the monitor runs with when no
// file exists. Every value errs on the safe side: auto-restore on, shadow
// on, admin surface bound to loopback, manual lockdown release required.
func SecureDefaults() *Config {
	return &Config{
		Monitoring: MonitoringSection{
			SessionScanSeconds:   5,
			QueryScanSeconds:     15,
			PerfScanSeconds:      30,
			EventBufferSize:      50000,
			EventRetentionHours:  48,
			DedupWindowSeconds:   5,
			AuthorizedPrincipals: []string{"app_service", "uba_user", "replication"},
			MonitoredPrincipal:   "uba_user",
			AdminAddr:            "127.0.0.1:9310",
			AuditChainPath:       "audit_chain.log",
			SecretPath:           "monitor_secret.key",
		},
		Detection: DetectionSection{
			BaselineLearningHours:    72,
			BaselineMinEvents:        100,
			DeviationThreshold:       2.5,
			MinPersistenceIndicators: 2,
			CorrelationWindowSeconds: 300,
			SequenceTimeoutMinutes:   60,
			AutoApplyUpdates:         true,
			AutoApplyConfidence:      0.7,
		},
		Response: ResponseSection{
			MaxActionsPerMinute:      10,
			RotationDeadlineMinutes:  30,
			SuppressionWindowMinutes: 5,
			ArchiveRetentionDays:     30,
			KafkaTopic:               "dbsentinel.alerts",
			LockdownTimeoutMinutes:   60,
			ManualUnlock:             true,
		},
		Integrity: IntegritySection{
			RescanSeconds: 300,
			AutoRestore:   true,
			StorePath:     "integrity.db",
		},
		Shadow: ShadowSection{
			Enabled:          true,
			HeartbeatSeconds: 60,
			PollSeconds:      30,
			StorePath:        "shadow.db",
			ChainPath:        "shadow_audit.log",
		},
		Database: DatabaseSection{
			Host:           "127.0.0.1",
			Port:           3306,
			User:           "dbsentinel_ro",
			TimeoutSeconds: 10,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks cfg against the same rules Load repairs with. It never
// mutates cfg; callers that want the repaired form go through Load.
func Validate(cfg *Config) (bool, []string) {
	if cfg == nil {
		return false, []string{"config: nil"}
	}
	problems := cfg.clone().repair()
	return len(problems) == 0, problems
}

// DSN builds the go-sql-driver connection string for the protected
// database.
func (d DatabaseSection) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%ds&readTimeout=%ds&parseTime=true",
		d.User, d.Password, d.Host, d.Port, d.Name, d.TimeoutSeconds, d.TimeoutSeconds)
}

// Configure applies the section to a logrus logger. Unknown levels were
// already repaired during load, so ParseLevel failing here means the
// caller bypassed Load; fall back to info rather than erroring.
func (l LoggingSection) Configure(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func (c *Config) clone() *Config {
	raw, err := json.Marshal(c)
	if err != nil {
		out := *c
		return &out
	}
	out := &Config{}
	if err := json.Unmarshal(raw, out); err != nil {
		dup := *c
		return &dup
	}
	// json:"-" fields do not survive the round trip.
	out.Response.SMTPPassword = c.Response.SMTPPassword
	out.Database.Password = c.Database.Password
	return out
}

// repair replaces every out-of-range value with its secure default and
// returns one message per replacement. Missing keys never reach repair
// (Load unmarshals onto the defaults); what arrives here is a value
// someone actually wrote, so each replacement is worth a warning.
func (c *Config) repair() []string {
	def := SecureDefaults()
	f := &fixer{}

	f.intMin("monitoring.session_scan_seconds", &c.Monitoring.SessionScanSeconds, 1, def.Monitoring.SessionScanSeconds)
	f.intMin("monitoring.query_scan_seconds", &c.Monitoring.QueryScanSeconds, 1, def.Monitoring.QueryScanSeconds)
	f.intMin("monitoring.perf_scan_seconds", &c.Monitoring.PerfScanSeconds, 1, def.Monitoring.PerfScanSeconds)
	f.intMin("monitoring.event_buffer_size", &c.Monitoring.EventBufferSize, 1, def.Monitoring.EventBufferSize)
	f.intMin("monitoring.event_retention_hours", &c.Monitoring.EventRetentionHours, 1, def.Monitoring.EventRetentionHours)
	f.intMin("monitoring.dedup_window_seconds", &c.Monitoring.DedupWindowSeconds, 0, def.Monitoring.DedupWindowSeconds)
	f.strSet("monitoring.monitored_principal", &c.Monitoring.MonitoredPrincipal, def.Monitoring.MonitoredPrincipal)
	f.hostPort("monitoring.admin_addr", &c.Monitoring.AdminAddr, def.Monitoring.AdminAddr)
	f.strSet("monitoring.audit_chain_path", &c.Monitoring.AuditChainPath, def.Monitoring.AuditChainPath)
	f.strSet("monitoring.secret_path", &c.Monitoring.SecretPath, def.Monitoring.SecretPath)
	if len(c.Monitoring.AuthorizedPrincipals) == 0 {
		f.note("monitoring.authorized_principals: empty, using defaults")
		c.Monitoring.AuthorizedPrincipals = append([]string(nil), def.Monitoring.AuthorizedPrincipals...)
	}

	f.intMin("detection.baseline_learning_hours", &c.Detection.BaselineLearningHours, 1, def.Detection.BaselineLearningHours)
	f.intMin("detection.baseline_min_events", &c.Detection.BaselineMinEvents, 1, def.Detection.BaselineMinEvents)
	f.floatMin("detection.deviation_threshold", &c.Detection.DeviationThreshold, 0.1, def.Detection.DeviationThreshold)
	f.intMin("detection.min_persistence_indicators", &c.Detection.MinPersistenceIndicators, 1, def.Detection.MinPersistenceIndicators)
	f.intMin("detection.correlation_window_seconds", &c.Detection.CorrelationWindowSeconds, 1, def.Detection.CorrelationWindowSeconds)
	f.intMin("detection.sequence_timeout_minutes", &c.Detection.SequenceTimeoutMinutes, 1, def.Detection.SequenceTimeoutMinutes)
	f.unit("detection.auto_apply_confidence", &c.Detection.AutoApplyConfidence, def.Detection.AutoApplyConfidence)

	f.intMin("response.max_actions_per_minute", &c.Response.MaxActionsPerMinute, 1, def.Response.MaxActionsPerMinute)
	f.intMin("response.rotation_deadline_minutes", &c.Response.RotationDeadlineMinutes, 1, def.Response.RotationDeadlineMinutes)
	f.intMin("response.suppression_window_minutes", &c.Response.SuppressionWindowMinutes, 0, def.Response.SuppressionWindowMinutes)
	f.intMin("response.archive_retention_days", &c.Response.ArchiveRetentionDays, 1, def.Response.ArchiveRetentionDays)
	f.intMin("response.lockdown_timeout_minutes", &c.Response.LockdownTimeoutMinutes, 1, def.Response.LockdownTimeoutMinutes)

	f.intMin("integrity.rescan_seconds", &c.Integrity.RescanSeconds, 0, def.Integrity.RescanSeconds)
	f.strSet("integrity.store_path", &c.Integrity.StorePath, def.Integrity.StorePath)

	f.intMin("shadow.heartbeat_seconds", &c.Shadow.HeartbeatSeconds, 1, def.Shadow.HeartbeatSeconds)
	f.intMin("shadow.poll_seconds", &c.Shadow.PollSeconds, 1, def.Shadow.PollSeconds)
	f.strSet("shadow.store_path", &c.Shadow.StorePath, def.Shadow.StorePath)
	f.strSet("shadow.chain_path", &c.Shadow.ChainPath, def.Shadow.ChainPath)

	f.strSet("database.host", &c.Database.Host, def.Database.Host)
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		f.note(fmt.Sprintf("database.port: %d out of range, using %d", c.Database.Port, def.Database.Port))
		c.Database.Port = def.Database.Port
	}
	f.strSet("database.user", &c.Database.User, def.Database.User)
	f.intMin("database.timeout_seconds", &c.Database.TimeoutSeconds, 1, def.Database.TimeoutSeconds)

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		f.note(fmt.Sprintf("logging.level: %q unrecognized, using %q", c.Logging.Level, def.Logging.Level))
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		f.note(fmt.Sprintf("logging.format: %q unrecognized, using %q", c.Logging.Format, def.Logging.Format))
		c.Logging.Format = def.Logging.Format
	}

	return f.problems
}

// fixer accumulates repair messages while substituting defaults in place.
type fixer struct {
	problems []string
}

func (f *fixer) note(msg string) {
	f.problems = append(f.problems, msg)
}

func (f *fixer) intMin(field string, v *int, min, def int) {
	if *v < min {
		f.note(fmt.Sprintf("%s: %d below minimum %d, using %d", field, *v, min, def))
		*v = def
	}
}

func (f *fixer) floatMin(field string, v *float64, min, def float64) {
	if *v < min {
		f.note(fmt.Sprintf("%s: %g below minimum %g, using %g", field, *v, min, def))
		*v = def
	}
}

func (f *fixer) unit(field string, v *float64, def float64) {
	if *v <= 0 || *v > 1 {
		f.note(fmt.Sprintf("%s: %g outside (0,1], using %g", field, *v, def))
		*v = def
	}
}

func (f *fixer) strSet(field string, v *string, def string) {
	if *v == "" {
		f.note(fmt.Sprintf("%s: empty, using %q", field, def))
		*v = def
	}
}

func (f *fixer) hostPort(field string, v *string, def string) {
	if _, _, err := net.SplitHostPort(*v); err != nil {
		f.note(fmt.Sprintf("%s: %q not host:port, using %q", field, *v, def))
		*v = def
	}
}
