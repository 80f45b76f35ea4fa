package signature

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(nil, testLogger())
	require.NoError(t, err)
	return d
}

func queryEvent(query, principal, sourceIP string, ts time.Time) *pipeline.Event {
	return &pipeline.Event{
		EventID:         "ev-1",
		Type:            pipeline.EventSuspiciousQuery,
		Timestamp:       ts,
		SourceIP:        sourceIP,
		Principal:       principal,
		TargetComponent: pipeline.ComponentDatabase,
		Details:         map[string]interface{}{"query": query},
	}
}

func findByType(detections []*detect.Detection, threatType string) *detect.Detection {
	for _, d := range detections {
		if d.Type == threatType {
			return d
		}
	}
	return nil
}

func TestDetector_UnionInjectionFromRemoteHost(t *testing.T) {
	d := newDetector(t)

	// Daytime so the off-hours bump stays out of the arithmetic.
	ts := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	got := d.Process(context.Background(),
		queryEvent("SELECT a FROM t UNION SELECT password FROM users", "app", "10.0.0.5", ts))

	det := findByType(got, "attack_pattern_sql_injection")
	require.NotNil(t, det, "expected a SQL injection detection")
	assert.Equal(t, detect.SeverityHigh, det.Severity)
	assert.GreaterOrEqual(t, det.Confidence, 0.9, "base 0.9 plus remote bump")
	assert.Equal(t, "sqli_union_001", det.Indicators["pattern_id"])
	assert.Contains(t, det.Indicators["confidence_bumps"], "remote_source")
}

func TestDetector_BackdoorUserByPrivilegedAccountOffHours(t *testing.T) {
	d := newDetector(t)

	ts := time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC)
	got := d.Process(context.Background(),
		queryEvent("CREATE USER 'x'@'%' IDENTIFIED BY 'y'", "uba_user", "10.0.0.5", ts))

	privesc := findByType(got, "attack_pattern_privilege_escalation")
	require.NotNil(t, privesc)
	assert.Equal(t, detect.SeverityCritical, privesc.Severity)
	assert.GreaterOrEqual(t, privesc.Confidence, 0.95)

	persistence := findByType(got, "attack_pattern_persistence")
	require.NotNil(t, persistence, "backdoor-user pattern should also match")
	assert.Equal(t, detect.SeverityCritical, persistence.Severity)
}

func TestDetector_SystemSchemaBump(t *testing.T) {
	d := newDetector(t)

	ts := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	event := queryEvent("SELECT * FROM information_schema.tables", "app", "127.0.0.1", ts)
	event.Details["database"] = "information_schema"

	got := d.Process(context.Background(), event)
	det := findByType(got, "attack_pattern_reconnaissance")
	require.NotNil(t, det)
	// base 0.7 + system schema 0.15 + long match 0.05; local source, daytime.
	assert.InDelta(t, 0.9, det.Confidence, 0.001)
	assert.Contains(t, det.Indicators["confidence_bumps"], "system_schema")
	assert.Contains(t, det.Indicators["confidence_bumps"], "long_match")
}

func TestDetector_ThresholdGatesEmission(t *testing.T) {
	config := DefaultConfig()
	config.Thresholds[CategoryReconnaissance] = 0.99
	d, err := New(config, testLogger())
	require.NoError(t, err)

	ts := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	got := d.Process(context.Background(),
		queryEvent("SHOW DATABASES", "app", "127.0.0.1", ts))

	assert.Nil(t, findByType(got, "attack_pattern_reconnaissance"),
		"below-threshold matches must not emit")
}

func TestDetector_BenignQueryNoDetections(t *testing.T) {
	d := newDetector(t)

	ts := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	got := d.Process(context.Background(),
		queryEvent("SELECT id, name FROM customers WHERE id = 7", "app", "127.0.0.1", ts))

	assert.Empty(t, got)
}

func TestDetector_OperatorCatalogMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	extra := []*Pattern{{
		ID:             "custom_001",
		Category:       CategoryReconnaissance,
		Severity:       detect.SeverityHigh,
		BaseConfidence: 0.9,
		Expressions:    []string{`select\s+secret_column`},
	}}
	data, err := json.Marshal(extra)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	config := DefaultConfig()
	config.CatalogPath = path
	d, err := New(config, testLogger())
	require.NoError(t, err)

	ts := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	got := d.Process(context.Background(),
		queryEvent("SELECT secret_column FROM t", "app", "127.0.0.1", ts))

	det := findByType(got, "attack_pattern_reconnaissance")
	require.NotNil(t, det)
	assert.Equal(t, "custom_001", det.Indicators["pattern_id"])
}

func TestDetector_StatsCountHits(t *testing.T) {
	d := newDetector(t)

	ts := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		d.Process(context.Background(),
			queryEvent("SELECT 1 UNION SELECT 2", "app", "10.0.0.5", ts))
	}

	assert.Equal(t, int64(3), d.Stats()["sqli_union_001"])
}

func TestDetector_SetThresholdReturnsPrevious(t *testing.T) {
	d := newDetector(t)

	prev := d.SetThreshold(CategorySQLInjection, 0.95)
	assert.InDelta(t, 0.7, prev, 0.001)
	assert.InDelta(t, 0.95, d.Threshold(CategorySQLInjection), 0.001)
}
