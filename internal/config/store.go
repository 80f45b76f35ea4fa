package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
)

// Store reads and writes the config file. Load never fails: a missing
// file produces (and persists) secure defaults, a malformed one logs and
// falls back to defaults, and out-of-range values are repaired in place.
// Only Save reports errors, because a save that did not land must not be
// mistaken for one that did.
type Store struct {
	path     string
	logger   *logrus.Logger
	mu       sync.Mutex
	recorder audit.Recorder
}

// NewStore creates a store for the config file at path. The recorder may
// be nil during early startup, before the audit chain exists; wire it in
// with SetRecorder once the chain is up so saves are audited.
func NewStore(path string, recorder audit.Recorder, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{path: path, recorder: recorder, logger: logger}
}

// Path returns the config file location, for integrity watching.
func (s *Store) Path() string { return s.path }

// SetRecorder attaches the audit recorder after startup bootstrapping.
func (s *Store) SetRecorder(recorder audit.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = recorder
}

// Load returns the effective configuration. Missing file: secure defaults
// are written to disk and returned. Malformed file: defaults are returned
// and the error is logged. A parseable file has its invalid values
// replaced by defaults, one warning per replacement. Environment
// variables override the file in all cases.
func (s *Store) Load() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		cfg := SecureDefaults()
		if werr := s.writeLocked(cfg, "config_defaults_written"); werr != nil {
			s.logger.WithError(werr).WithField("path", s.path).Warn("Could not persist default config")
		} else {
			s.logger.WithField("path", s.path).Info("No config file, wrote secure defaults")
		}
		applyEnv(cfg)
		return cfg
	}
	if err != nil {
		s.logger.WithError(err).WithField("path", s.path).Error("Config unreadable, running on secure defaults")
		cfg := SecureDefaults()
		applyEnv(cfg)
		return cfg
	}

	// Unmarshal onto the defaults so sections or keys absent from the
	// file keep their secure values instead of collapsing to zero.
	cfg := SecureDefaults()
	if err := json.Unmarshal(raw, cfg); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Error("Config malformed, running on secure defaults")
		cfg = SecureDefaults()
		applyEnv(cfg)
		return cfg
	}

	applyEnv(cfg)
	for _, problem := range cfg.repair() {
		s.logger.WithField("problem", problem).Warn("Config value replaced with default")
	}
	return cfg
}

// Save validates and persists cfg, then records a config_access audit
// entry. Invalid configs are rejected rather than repaired: an explicit
// save of bad values is an operator mistake worth surfacing.
func (s *Store) Save(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if ok, problems := Validate(cfg); !ok {
		return fmt.Errorf("config: refusing to save %d invalid values: %s",
			len(problems), strings.Join(problems, "; "))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(cfg, "config_saved")
}

// writeLocked marshals cfg and replaces the config file atomically via a
// sibling temp file and rename, so the integrity watcher sees one change
// and a crash mid-write cannot truncate the live config.
func (s *Store) writeLocked(cfg *Config, action string) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("restricting config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing config: %w", err)
	}

	if s.recorder != nil {
		if _, err := s.recorder.Append(audit.CategoryConfig, "config_store", action, map[string]interface{}{
			"path":  s.path,
			"bytes": len(raw),
		}); err != nil {
			return fmt.Errorf("config saved but audit append failed: %w", err)
		}
	}
	s.logger.WithFields(logrus.Fields{"path": s.path, "action": action}).Info("Config written")
	return nil
}

// Environment overrides. The file is the source of record; these exist
// for secrets that must not live in a file and for containerized
// deployments that configure through the environment.
func applyEnv(cfg *Config) {
	cfg.Database.Host = getEnv("DBSENTINEL_DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getIntEnv("DBSENTINEL_DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DBSENTINEL_DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DBSENTINEL_DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DBSENTINEL_DB_NAME", cfg.Database.Name)

	cfg.Logging.Level = getEnv("DBSENTINEL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("DBSENTINEL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.File = getEnv("DBSENTINEL_LOG_FILE", cfg.Logging.File)

	cfg.Monitoring.AdminAddr = getEnv("DBSENTINEL_ADMIN_ADDR", cfg.Monitoring.AdminAddr)
	cfg.Monitoring.SecretPath = getEnv("DBSENTINEL_SECRET_PATH", cfg.Monitoring.SecretPath)

	cfg.Response.BackupEndpoint = getEnv("DBSENTINEL_BACKUP_ENDPOINT", cfg.Response.BackupEndpoint)
	cfg.Response.Recipients = getEnvSlice("DBSENTINEL_RECIPIENTS", cfg.Response.Recipients)
	cfg.Response.SMTPAddr = getEnv("DBSENTINEL_SMTP_ADDR", cfg.Response.SMTPAddr)
	cfg.Response.SMTPFrom = getEnv("DBSENTINEL_SMTP_FROM", cfg.Response.SMTPFrom)
	cfg.Response.SMTPUsername = getEnv("DBSENTINEL_SMTP_USERNAME", cfg.Response.SMTPUsername)
	cfg.Response.SMTPPassword = getEnv("DBSENTINEL_SMTP_PASSWORD", cfg.Response.SMTPPassword)
	cfg.Response.KafkaBrokers = getEnvSlice("DBSENTINEL_KAFKA_BROKERS", cfg.Response.KafkaBrokers)
	cfg.Response.KafkaTopic = getEnv("DBSENTINEL_KAFKA_TOPIC", cfg.Response.KafkaTopic)
	cfg.Response.RedisAddr = getEnv("DBSENTINEL_REDIS_ADDR", cfg.Response.RedisAddr)

	cfg.Integrity.AutoRestore = getBoolEnv("DBSENTINEL_AUTO_RESTORE", cfg.Integrity.AutoRestore)
	cfg.Shadow.Enabled = getBoolEnv("DBSENTINEL_SHADOW_ENABLED", cfg.Shadow.Enabled)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
