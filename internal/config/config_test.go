package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsentinel/dbsentinel/internal/audit"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []string // "category/action"
}

func (r *recordingAudit) Append(category, actor, action string, details map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, category+"/"+action)
	return fmt.Sprintf("entry-%d", len(r.entries)), nil
}

func (r *recordingAudit) has(entry string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestStore(t *testing.T) (*Store, *recordingAudit, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	rec := &recordingAudit{}
	return NewStore(path, rec, testLogger()), rec, path
}

func TestSecureDefaults_Valid(t *testing.T) {
	ok, problems := Validate(SecureDefaults())
	assert.True(t, ok)
	assert.Empty(t, problems)
}

func TestStore_LoadMissingFileWritesDefaults(t *testing.T) {
	store, rec, path := newTestStore(t)

	cfg := store.Load()
	require.NotNil(t, cfg)
	assert.Equal(t, 5, cfg.Monitoring.SessionScanSeconds)
	assert.Equal(t, 50000, cfg.Monitoring.EventBufferSize)
	assert.True(t, cfg.Integrity.AutoRestore)
	assert.True(t, cfg.Shadow.Enabled)
	assert.True(t, cfg.Response.ManualUnlock)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.True(t, rec.has(audit.CategoryConfig+"/config_defaults_written"))

	// The persisted file must load back to the same effective config.
	again := store.Load()
	assert.Equal(t, cfg, again)
}

func TestStore_LoadMalformedFallsBackToDefaults(t *testing.T) {
	store, _, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	cfg := store.Load()
	require.NotNil(t, cfg)
	assert.Equal(t, SecureDefaults().Monitoring, cfg.Monitoring)

	// The broken file is left alone for the operator to inspect.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
}

func TestStore_LoadRepairsInvalidValues(t *testing.T) {
	store, _, path := newTestStore(t)
	doc := `{
		"monitoring": {"session_scan_seconds": -3, "admin_addr": "no-port"},
		"detection": {"auto_apply_confidence": 7.5},
		"database": {"host": "db.internal", "port": 99999, "user": "sentinel"},
		"logging": {"level": "chatty"},
		"some_future_section": {"ignored": true}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg := store.Load()
	assert.Equal(t, 5, cfg.Monitoring.SessionScanSeconds)
	assert.Equal(t, "127.0.0.1:9310", cfg.Monitoring.AdminAddr)
	assert.InDelta(t, 0.7, cfg.Detection.AutoApplyConfidence, 1e-9)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Valid values from the same file survive the repair.
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "sentinel", cfg.Database.User)

	// Sections absent from the file keep their secure defaults.
	assert.True(t, cfg.Shadow.Enabled)
	assert.True(t, cfg.Integrity.AutoRestore)
	assert.True(t, cfg.Response.ManualUnlock)
}

func TestStore_SaveAuditsConfigAccess(t *testing.T) {
	store, rec, path := newTestStore(t)

	cfg := SecureDefaults()
	cfg.Database.Host = "db.prod.internal"
	require.NoError(t, store.Save(cfg))
	assert.True(t, rec.has(audit.CategoryConfig+"/config_saved"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	loaded := &Config{}
	require.NoError(t, json.Unmarshal(raw, loaded))
	assert.Equal(t, "db.prod.internal", loaded.Database.Host)
}

func TestStore_SaveRejectsInvalidConfig(t *testing.T) {
	store, rec, path := newTestStore(t)

	cfg := SecureDefaults()
	cfg.Database.Port = 0
	cfg.Logging.Level = "chatty"
	err := store.Save(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.port")
	assert.Contains(t, err.Error(), "logging.level")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "rejected save must not touch the file")
	assert.False(t, rec.has(audit.CategoryConfig+"/config_saved"))
}

func TestStore_SaveAuditFailureSurfaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, failingAudit{}, testLogger())

	err := store.Save(SecureDefaults())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit append failed")
}

type failingAudit struct{}

func (failingAudit) Append(category, actor, action string, details map[string]interface{}) (string, error) {
	return "", fmt.Errorf("chain closed")
}

func TestEnvOverrides(t *testing.T) {
	store, _, path := newTestStore(t)
	t.Setenv("DBSENTINEL_DB_HOST", "10.0.0.9")
	t.Setenv("DBSENTINEL_DB_PORT", "3307")
	t.Setenv("DBSENTINEL_DB_PASSWORD", "hunter2")
	t.Setenv("DBSENTINEL_RECIPIENTS", "oncall@example.com, dba@example.com")
	t.Setenv("DBSENTINEL_SHADOW_ENABLED", "false")

	cfg := store.Load()
	assert.Equal(t, "10.0.0.9", cfg.Database.Host)
	assert.Equal(t, 3307, cfg.Database.Port)
	assert.Equal(t, "hunter2", cfg.Database.Password)
	assert.Equal(t, []string{"oncall@example.com", "dba@example.com"}, cfg.Response.Recipients)
	assert.False(t, cfg.Shadow.Enabled)

	// Secrets come from the environment and never land in the file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}

func TestEnvOverrides_BadValuesKeepFileSettings(t *testing.T) {
	store, _, _ := newTestStore(t)
	t.Setenv("DBSENTINEL_DB_PORT", "not-a-port")
	t.Setenv("DBSENTINEL_SHADOW_ENABLED", "maybe")

	cfg := store.Load()
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.True(t, cfg.Shadow.Enabled)
}

func TestValidate_DoesNotMutate(t *testing.T) {
	cfg := SecureDefaults()
	cfg.Monitoring.SessionScanSeconds = -1

	ok, problems := Validate(cfg)
	assert.False(t, ok)
	assert.NotEmpty(t, problems)
	assert.Equal(t, -1, cfg.Monitoring.SessionScanSeconds)
}

func TestDatabaseSection_DSN(t *testing.T) {
	d := DatabaseSection{
		Host:           "127.0.0.1",
		Port:           3306,
		User:           "sentinel",
		Password:       "pw",
		Name:           "appdb",
		TimeoutSeconds: 10,
	}
	assert.Equal(t,
		"sentinel:pw@tcp(127.0.0.1:3306)/appdb?timeout=10s&readTimeout=10s&parseTime=true",
		d.DSN())
}

func TestLoggingSection_Configure(t *testing.T) {
	logger := logrus.New()
	LoggingSection{Level: "debug", Format: "json"}.Configure(logger)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	LoggingSection{Level: "bogus", Format: "text"}.Configure(logger)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
