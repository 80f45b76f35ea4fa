package integrity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
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

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) Append(category, actor, action string, details map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return fmt.Sprintf("entry-%d", len(r.actions)), nil
}

func (r *recordingAudit) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a == action {
			return true
		}
	}
	return false
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

func (s *sinkCollector) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dets)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// flipByte changes one byte in the middle of the numbered line (1-based)
// without changing the file size.
func flipByte(t *testing.T, path string, lineNo int) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(content, []byte("\n"))
	require.GreaterOrEqual(t, len(lines), lineNo)
	line := lines[lineNo-1]
	require.NotEmpty(t, line)
	i := len(line) / 2
	if line[i] == 'x' {
		line[i] = 'y'
	} else {
		line[i] = 'x'
	}
	require.NoError(t, os.WriteFile(path, bytes.Join(lines, []byte("\n")), 0o600))
}

// quietConfig disables the background loops so tests drive checks
// explicitly.
func quietConfig(dir string) *Config {
	return &Config{
		StorePath:      filepath.Join(dir, "integrity.db"),
		RescanInterval: 0,
		AutoRestore:    true,
		WatchEvents:    false,
	}
}

func newTestValidator(t *testing.T, config *Config, verifier ChainVerifier) (*Validator, *recordingAudit, *time.Time) {
	t.Helper()
	rec := &recordingAudit{}
	v, err := New(config, verifier, rec, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })
	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return clock }
	return v, rec, &clock
}

func TestValidator_CleanFilesPass(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	extraPath := filepath.Join(dir, "rules.json")
	writeFile(t, configPath, `{"monitoring":{}}`)
	writeFile(t, extraPath, `{"signatures":[]}`)

	config := quietConfig(dir)
	config.ConfigPath = configPath
	config.WatchPaths = []string{extraPath}
	v, _, _ := newTestValidator(t, config, nil)

	found := v.CheckNow(context.Background())
	assert.Empty(t, found)

	sum, ok := v.Fingerprint(configPath)
	assert.True(t, ok)
	assert.Len(t, sum, 64)

	m := v.Metrics()
	assert.Equal(t, int64(1), m.ChecksRun)
	assert.Equal(t, int64(0), m.ViolationsFound)
	assert.True(t, v.Healthy())
}

func TestValidator_DetectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "rules.json")
	writeFile(t, watched, `{"signatures":["drop table"]}`)

	config := quietConfig(dir)
	config.WatchPaths = []string{watched}
	v, rec, _ := newTestValidator(t, config, nil)

	flipByte(t, watched, 1)

	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	det := found[0]
	assert.Equal(t, ThreatIntegrityViolation, det.Type)
	assert.Equal(t, detect.SeverityHigh, det.Severity)
	assert.Equal(t, DetectorName, det.Detector)
	assert.InDelta(t, 0.95, det.Confidence, 0.001)
	assert.Equal(t, "file_fingerprint", det.Indicators["check"])
	assert.Equal(t, watched, det.Indicators["path"])
	assert.NotEqual(t, det.Indicators["expected_sha256"], det.Indicators["actual_sha256"])
	assert.True(t, det.Affects(pipeline.ComponentMonitoring))
	assert.True(t, rec.has(ThreatIntegrityViolation))

	assert.Equal(t, int64(1), v.Metrics().ViolationsFound)
}

func TestValidator_AppendOnlyGrowthTolerated(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.log")
	writeFile(t, logPath, "line one\n")

	config := quietConfig(dir)
	config.WatchPaths = []string{logPath}
	v, _, _ := newTestValidator(t, config, nil)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("line two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Empty(t, v.CheckNow(context.Background()))
	assert.Equal(t, int64(1), v.Metrics().AppendsAccepted)

	// Growth that rewrites earlier content is not an append.
	writeFile(t, logPath, "LINE ONE\nline two\nline three\n")
	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, "file_fingerprint", found[0].Indicators["check"])
}

func TestValidator_MissingFileReported(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "rules.json")
	writeFile(t, watched, `{"signatures":[]}`)

	config := quietConfig(dir)
	config.WatchPaths = []string{watched}
	v, _, _ := newTestValidator(t, config, nil)

	require.NoError(t, os.Remove(watched))

	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, "file_missing", found[0].Indicators["check"])
	assert.Equal(t, detect.SeverityHigh, found[0].Severity)
}

func TestValidator_BackupAndAutoRestore(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	original := `{"monitoring":{"interval":5}}`
	writeFile(t, configPath, original)

	config := quietConfig(dir)
	config.ConfigPath = configPath
	v, rec, _ := newTestValidator(t, config, nil)

	backupPath, err := v.CreateConfigBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(backupPath, configPath+"."))
	assert.True(t, strings.HasSuffix(backupPath, ".bak"))
	copied, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Equal(t, original, string(copied))
	assert.True(t, rec.has("config_backup_created"))
	assert.Equal(t, int64(1), v.Metrics().BackupsCreated)

	// Tampering with the config triggers detection and auto-restore.
	writeFile(t, configPath, `{"monitoring":{"interval":5,"x":1}}`)
	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, true, found[0].Indicators["restored"])
	assert.True(t, rec.has("config_restored"))
	assert.Equal(t, int64(1), v.Metrics().RestoresRun)

	restored, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, string(restored))

	// Second verification passes against the restored content.
	assert.Empty(t, v.CheckNow(context.Background()))
}

func TestValidator_RestorePicksLatestVerifiedBackup(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	writeFile(t, configPath, `{"rev":1}`)

	config := quietConfig(dir)
	config.ConfigPath = configPath
	v, _, clock := newTestValidator(t, config, nil)

	_, err := v.CreateConfigBackup(context.Background())
	require.NoError(t, err)

	// The validator cannot tell a legitimate edit from tampering; an
	// unannounced rewrite is rolled back to the last verified backup.
	*clock = clock.Add(time.Minute)
	writeFile(t, configPath, `{"rev":2}`)
	v.CheckNow(context.Background())
	restored, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, `{"rev":1}`, string(restored))

	// An operator updating the config re-baselines and takes a fresh
	// backup, making the new revision the restore target.
	writeFile(t, configPath, `{"rev":2}`)
	require.NoError(t, v.recordBaseline(configPath, []byte(`{"rev":2}`)))
	*clock = clock.Add(time.Minute)
	second, err := v.CreateConfigBackup(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, second)

	writeFile(t, configPath, `{"rev":999}`)
	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, true, found[0].Indicators["restored"])
	restored, err = os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, `{"rev":2}`, string(restored))
}

func TestValidator_RestoreFailsWithoutVerifiedBackup(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	writeFile(t, configPath, `{"monitoring":{}}`)

	config := quietConfig(dir)
	config.ConfigPath = configPath
	v, _, _ := newTestValidator(t, config, nil)

	writeFile(t, configPath, `{"monitoring":{"evil":true}}`)
	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, false, found[0].Indicators["restored"])
	assert.Contains(t, found[0].Indicators["restore_error"], "no verified config backup")

	// The tampered content stays in place for forensics.
	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "evil")
}

func TestValidator_AutoRestoreDisabled(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	writeFile(t, configPath, `{"monitoring":{}}`)

	config := quietConfig(dir)
	config.ConfigPath = configPath
	config.AutoRestore = false
	v, _, _ := newTestValidator(t, config, nil)

	_, err := v.CreateConfigBackup(context.Background())
	require.NoError(t, err)

	writeFile(t, configPath, `{"monitoring":{"x":1}}`)
	found := v.CheckNow(context.Background())
	require.Len(t, found, 1)
	_, hasRestored := found[0].Indicators["restored"]
	assert.False(t, hasRestored)
	assert.Equal(t, int64(0), v.Metrics().RestoresRun)
}

func TestValidator_ChainTamperReportsFirstBadOffset(t *testing.T) {
	dir := t.TempDir()
	chainPath := filepath.Join(dir, "audit.log")
	chain, err := audit.NewChain(audit.DefaultChainConfig(chainPath), []byte("integrity-test-secret"), testLogger())
	require.NoError(t, err)
	defer chain.Close()

	for i := 0; i < 5; i++ {
		_, err := chain.Append(audit.CategoryDetection, "tester", "sample_event", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	config := quietConfig(dir)
	v, rec, _ := newTestValidator(t, config, chain)

	require.Empty(t, v.CheckNow(context.Background()))

	// Flip one byte in the first entry line (line 1 is the header).
	flipByte(t, chainPath, 2)
	content, err := os.ReadFile(chainPath)
	require.NoError(t, err)
	headerLen := int64(bytes.IndexByte(content, '\n') + 1)

	found := v.CheckNow(context.Background())
	require.Len(t, found, 2)

	var chainDet *detect.Detection
	for _, det := range found {
		if det.Indicators["check"] == "audit_chain" {
			chainDet = det
		}
	}
	require.NotNil(t, chainDet)
	assert.Equal(t, ThreatIntegrityViolation, chainDet.Type)
	assert.Equal(t, detect.SeverityHigh, chainDet.Severity)
	assert.EqualValues(t, headerLen, chainDet.Indicators["first_invalid_offset"])
	assert.True(t, chainDet.Affects(pipeline.ComponentAuditLog))
	assert.True(t, rec.has("audit_chain_violation"))
}

func TestValidator_BaselinesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "rules.json")
	writeFile(t, watched, `{"signatures":[]}`)

	config := quietConfig(dir)
	config.WatchPaths = []string{watched}

	first, err := New(config, nil, nil, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Tampering while the validator is down is caught on restart.
	flipByte(t, watched, 1)

	second, err := New(config, nil, nil, nil, testLogger())
	require.NoError(t, err)
	defer second.Close()

	found := second.CheckNow(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, "file_fingerprint", found[0].Indicators["check"])
}

func TestValidator_WatcherTriggersImmediateCheck(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "rules.json")
	writeFile(t, watched, `{"signatures":[]}`)

	sink := &sinkCollector{}
	config := quietConfig(dir)
	config.WatchPaths = []string{watched}
	config.WatchEvents = true

	v, err := New(config, nil, nil, sink.add, testLogger())
	require.NoError(t, err)
	defer v.Close()

	flipByte(t, watched, 1)

	require.Eventually(t, func() bool {
		return sink.count() >= 1
	}, 3*time.Second, 20*time.Millisecond, "watcher should re-hash on write events")
}

func TestValidator_BackupReadBackVerification(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	writeFile(t, configPath, `{"monitoring":{}}`)

	config := quietConfig(dir)
	config.ConfigPath = configPath
	v, _, clock := newTestValidator(t, config, nil)

	first, err := v.CreateConfigBackup(context.Background())
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	second, err := v.CreateConfigBackup(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "timestamped names must not collide across distinct times")

	rec, err := v.store.latestVerifiedBackup(configPath)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, second, rec.BackupPath)
	assert.True(t, rec.Verified)
}
