// Package integrity guards the monitor's own trust anchors: it keeps
// SHA-256 fingerprints of watched files in a local store, re-hashes them
// on a timer and on filesystem events, verifies the audit chain's hash
// links, and can snapshot and restore the config file. Tampering with
// any of them surfaces as an integrity_violation detection.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// DetectorName identifies this package in detections and health reports.
const DetectorName = "integrity_validator"

// ThreatIntegrityViolation is the threat type for all tamper findings.
const ThreatIntegrityViolation = "integrity_violation"

// Config controls what the validator watches and how it reacts.
type Config struct {
	// ConfigPath is the monitor's config file; it is always watched and
	// is the only file eligible for auto-restore.
	ConfigPath string `json:"config_path"`
	// WatchPaths lists additional files to fingerprint.
	WatchPaths []string `json:"watch_paths"`
	// StorePath locates the sqlite file holding baselines and backup
	// records.
	StorePath string `json:"store_path"`
	// RescanInterval is how often every watched file is re-hashed.
	RescanInterval time.Duration `json:"rescan_interval"`
	// AutoRestore copies the most recent verified backup over a
	// tampered config file.
	AutoRestore bool `json:"auto_restore"`
	// WatchEvents enables immediate re-hashing on filesystem events in
	// addition to the timer.
	WatchEvents bool `json:"watch_events"`
}

// DefaultConfig returns the standard integrity settings.
func DefaultConfig() *Config {
	return &Config{
		StorePath:      "integrity.db",
		RescanInterval: 300 * time.Second,
		AutoRestore:    true,
		WatchEvents:    true,
	}
}

// ChainVerifier is the audit-chain surface the validator checks each
// cycle. *audit.Chain satisfies it.
type ChainVerifier interface {
	VerifyChain() (*audit.VerificationResult, error)
	Path() string
}

// Sink receives tamper detections as they are found. It must not block.
type Sink func(*detect.Detection)

// Metrics is a point-in-time copy of validator counters.
type Metrics struct {
	ChecksRun          int64 `json:"checks_run"`
	ViolationsFound    int64 `json:"violations_found"`
	AppendsAccepted    int64 `json:"appends_accepted"`
	BackupsCreated     int64 `json:"backups_created"`
	RestoresRun        int64 `json:"restores_run"`
	ChainVerifications int64 `json:"chain_verifications"`
}

// Validator re-hashes watched files against stored baselines and verifies
// the audit chain.
type Validator struct {
	config   *Config
	verifier ChainVerifier
	recorder audit.Recorder
	sink     Sink
	logger   *logrus.Logger
	store    *store
	watcher  *fsnotify.Watcher

	mu  sync.Mutex
	now func() time.Time

	checksRun          int64
	violationsFound    int64
	appendsAccepted    int64
	backupsCreated     int64
	restoresRun        int64
	chainVerifications int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the baseline store, fingerprints every watched file that does
// not yet have a baseline, and starts the rescan loop. verifier, recorder
// and sink may be nil; the corresponding behavior is disabled.
func New(config *Config, verifier ChainVerifier, recorder audit.Recorder, sink Sink, logger *logrus.Logger) (*Validator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	st, err := openStore(config.StorePath)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		config:   config,
		verifier: verifier,
		recorder: recorder,
		sink:     sink,
		logger:   logger,
		store:    st,
		now:      time.Now,
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())

	if err := v.seedBaselines(); err != nil {
		st.Close()
		return nil, err
	}

	if config.WatchEvents {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("starting file watcher: %w", err)
		}
		v.watcher = watcher
		for _, dir := range v.watchedDirs() {
			if err := watcher.Add(dir); err != nil {
				v.logger.WithError(err).WithField("dir", dir).Warn("Could not watch directory")
			}
		}
		v.wg.Add(1)
		go v.watch()
	}

	if config.RescanInterval > 0 {
		v.wg.Add(1)
		go v.run()
	}

	return v, nil
}

// Close stops the rescan loop and file watcher and closes the store.
func (v *Validator) Close() error {
	v.cancel()
	if v.watcher != nil {
		v.watcher.Close()
	}
	v.wg.Wait()
	return v.store.Close()
}

func (v *Validator) run() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			v.CheckNow(v.ctx)
		}
	}
}

func (v *Validator) watch() {
	defer v.wg.Done()

	watched := make(map[string]struct{})
	for _, path := range v.watchedPaths() {
		watched[path] = struct{}{}
	}

	for {
		select {
		case <-v.ctx.Done():
			return
		case event, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, ok := watched[path]; !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			v.checkPath(path)
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// CheckNow re-hashes every watched file and verifies the audit chain,
// returning the violations found. The same detections are handed to the
// sink, so callers that only poll metrics can ignore the return value.
func (v *Validator) CheckNow(ctx context.Context) []*detect.Detection {
	var found []*detect.Detection
	for _, path := range v.watchedPaths() {
		if det := v.checkPath(path); det != nil {
			found = append(found, det)
		}
	}
	if det := v.VerifyAuditChain(ctx); det != nil {
		found = append(found, det)
	}
	atomic.AddInt64(&v.checksRun, 1)
	return found
}

// VerifyAuditChain walks the audit chain and reports the first corrupted
// entry as a detection. Returns nil when the chain is intact or no chain
// is wired.
func (v *Validator) VerifyAuditChain(_ context.Context) *detect.Detection {
	if v.verifier == nil {
		return nil
	}
	atomic.AddInt64(&v.chainVerifications, 1)

	result, err := v.verifier.VerifyChain()
	if err != nil {
		v.logger.WithError(err).Warn("Audit chain verification did not run")
		return nil
	}
	if result.Valid {
		v.logger.WithField("entries", result.TotalEntries).Debug("Audit chain verified")
		return nil
	}

	atomic.AddInt64(&v.violationsFound, 1)
	det := detect.NewDetection(DetectorName, ThreatIntegrityViolation, detect.SeverityHigh, 0.98,
		"audit chain entries no longer hash-link").
		WithIndicator("check", "audit_chain").
		WithIndicator("path", v.verifier.Path()).
		WithIndicator("first_invalid_offset", result.FirstInvalidOffset).
		WithIndicator("first_invalid_id", result.FirstInvalidID).
		WithIndicator("total_entries", result.TotalEntries).
		WithActions(detect.ActionAlertOperators, detect.ActionIsolate)
	det.AddComponent(pipeline.ComponentAuditLog)

	v.audit("audit_chain_violation", map[string]interface{}{
		"path":                 v.verifier.Path(),
		"first_invalid_offset": result.FirstInvalidOffset,
		"first_invalid_id":     result.FirstInvalidID,
	})
	v.deliver(det)
	return det
}

// CreateConfigBackup snapshots the current config beside itself with a
// timestamped name. The copy is read back and checksummed before the
// backup is marked verified; only verified backups are eligible for
// auto-restore.
func (v *Validator) CreateConfigBackup(_ context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.config.ConfigPath == "" {
		return "", errors.New("no config path configured")
	}
	source := filepath.Clean(v.config.ConfigPath)
	content, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("reading config: %w", err)
	}
	sum := hashBytes(content)

	stamp := v.now().UTC().Format("20060102T150405Z")
	backupPath := fmt.Sprintf("%s.%s.bak", source, stamp)
	if err := os.WriteFile(backupPath, content, 0o600); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	record := &backupRecord{
		BackupPath: backupPath,
		SourcePath: source,
		SHA256:     sum,
		CreatedAt:  v.now().UTC(),
	}
	if err := v.store.recordBackup(record); err != nil {
		return "", err
	}

	readBack, err := os.ReadFile(backupPath)
	if err != nil {
		return backupPath, fmt.Errorf("reading back backup: %w", err)
	}
	if hashBytes(readBack) != sum {
		return backupPath, fmt.Errorf("backup %s failed read-back verification", backupPath)
	}
	if err := v.store.markVerified(backupPath); err != nil {
		return backupPath, err
	}

	atomic.AddInt64(&v.backupsCreated, 1)
	v.audit("config_backup_created", map[string]interface{}{
		"backup_path": backupPath,
		"sha256":      sum,
	})
	v.logger.WithFields(logrus.Fields{
		"backup_path": backupPath,
		"sha256":      sum,
	}).Info("Config backup created")
	return backupPath, nil
}

// Fingerprint returns the stored baseline hash for a watched file.
func (v *Validator) Fingerprint(path string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.store.getBaseline(filepath.Clean(path))
	if err != nil || b == nil {
		return "", false
	}
	return b.SHA256, true
}

// Metrics returns a snapshot of validator counters.
func (v *Validator) Metrics() Metrics {
	return Metrics{
		ChecksRun:          atomic.LoadInt64(&v.checksRun),
		ViolationsFound:    atomic.LoadInt64(&v.violationsFound),
		AppendsAccepted:    atomic.LoadInt64(&v.appendsAccepted),
		BackupsCreated:     atomic.LoadInt64(&v.backupsCreated),
		RestoresRun:        atomic.LoadInt64(&v.restoresRun),
		ChainVerifications: atomic.LoadInt64(&v.chainVerifications),
	}
}

// Healthy reports whether the validator can reach its store.
func (v *Validator) Healthy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.store.getBaseline("healthcheck")
	return err == nil
}

// seedBaselines fingerprints watched files that have no stored baseline
// yet. Existing baselines are kept so tampering across a restart is
// still caught.
func (v *Validator) seedBaselines() error {
	for _, path := range v.watchedPaths() {
		known, err := v.store.getBaseline(path)
		if err != nil {
			return err
		}
		if known != nil {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				v.logger.WithField("path", path).Debug("Watched file absent, will baseline when it appears")
				continue
			}
			return fmt.Errorf("fingerprinting %s: %w", path, err)
		}
		if err := v.recordBaseline(path, content); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkPath(path string) *detect.Detection {
	v.mu.Lock()
	det := v.checkPathLocked(path)
	v.mu.Unlock()

	if det != nil {
		v.deliver(det)
	}
	return det
}

func (v *Validator) checkPathLocked(path string) *detect.Detection {
	known, err := v.store.getBaseline(path)
	if err != nil {
		v.logger.WithError(err).Warn("Integrity store read failed")
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if known == nil {
				return nil
			}
			return v.violationLocked(path, known, "file_missing", "", 0)
		}
		v.logger.WithError(err).WithField("path", path).Warn("Integrity check could not read file")
		return nil
	}

	sum := hashBytes(content)
	if known == nil {
		if err := v.recordBaseline(path, content); err != nil {
			v.logger.WithError(err).Warn("Integrity baseline write failed")
		}
		return nil
	}
	if sum == known.SHA256 {
		return nil
	}

	// Append-only growth keeps the old content as a prefix; accept it
	// and advance the baseline so log files do not trip the detector.
	if int64(len(content)) > known.Size && hashBytes(content[:known.Size]) == known.SHA256 {
		atomic.AddInt64(&v.appendsAccepted, 1)
		if err := v.recordBaseline(path, content); err != nil {
			v.logger.WithError(err).Warn("Integrity baseline write failed")
		}
		return nil
	}

	return v.violationLocked(path, known, "file_fingerprint", sum, int64(len(content)))
}

func (v *Validator) violationLocked(path string, known *baseline, check, actualSum string, actualSize int64) *detect.Detection {
	atomic.AddInt64(&v.violationsFound, 1)

	det := detect.NewDetection(DetectorName, ThreatIntegrityViolation, detect.SeverityHigh, 0.95,
		fmt.Sprintf("watched file %s no longer matches its recorded fingerprint", filepath.Base(path))).
		WithIndicator("check", check).
		WithIndicator("path", path).
		WithIndicator("expected_sha256", known.SHA256).
		WithIndicator("expected_size", known.Size).
		WithActions(detect.ActionAlertOperators, detect.ActionIsolate)
	if check != "file_missing" {
		det.WithIndicator("actual_sha256", actualSum).
			WithIndicator("actual_size", actualSize)
	}
	det.AddComponent(v.componentFor(path))

	v.logger.WithFields(logrus.Fields{
		"path":            path,
		"check":           check,
		"expected_sha256": known.SHA256,
	}).Warn("Integrity violation detected")
	v.audit(ThreatIntegrityViolation, map[string]interface{}{
		"path":            path,
		"check":           check,
		"expected_sha256": known.SHA256,
		"actual_sha256":   actualSum,
	})

	if v.config.AutoRestore && path == filepath.Clean(v.config.ConfigPath) {
		if err := v.restoreConfigLocked(); err != nil {
			v.logger.WithError(err).Warn("Config auto-restore failed")
			det.WithIndicator("restored", false).
				WithIndicator("restore_error", err.Error())
		} else {
			det.WithIndicator("restored", true)
		}
	}
	return det
}

// restoreConfigLocked copies the most recent verified backup over the
// config file and re-baselines to the restored content.
func (v *Validator) restoreConfigLocked() error {
	source := filepath.Clean(v.config.ConfigPath)
	record, err := v.store.latestVerifiedBackup(source)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.New("no verified config backup available")
	}

	content, err := os.ReadFile(record.BackupPath)
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", record.BackupPath, err)
	}
	if hashBytes(content) != record.SHA256 {
		return fmt.Errorf("backup %s no longer matches its recorded checksum", record.BackupPath)
	}
	if err := os.WriteFile(source, content, 0o600); err != nil {
		return fmt.Errorf("restoring config: %w", err)
	}
	if err := v.store.upsertBaseline(&baseline{
		Path:       source,
		SHA256:     record.SHA256,
		Size:       int64(len(content)),
		RecordedAt: v.now().UTC(),
	}); err != nil {
		return err
	}

	atomic.AddInt64(&v.restoresRun, 1)
	v.audit("config_restored", map[string]interface{}{
		"backup_path": record.BackupPath,
		"sha256":      record.SHA256,
	})
	v.logger.WithFields(logrus.Fields{
		"backup_path": record.BackupPath,
		"sha256":      record.SHA256,
	}).Info("Config restored from verified backup")
	return nil
}

func (v *Validator) recordBaseline(path string, content []byte) error {
	return v.store.upsertBaseline(&baseline{
		Path:       path,
		SHA256:     hashBytes(content),
		Size:       int64(len(content)),
		RecordedAt: v.now().UTC(),
	})
}

// watchedPaths merges the config file, the extra watch list and the audit
// chain file into one cleaned, deduplicated, ordered set.
func (v *Validator) watchedPaths() []string {
	seen := make(map[string]struct{})
	add := func(path string) {
		if path == "" {
			return
		}
		seen[filepath.Clean(path)] = struct{}{}
	}
	add(v.config.ConfigPath)
	for _, path := range v.config.WatchPaths {
		add(path)
	}
	if v.verifier != nil {
		add(v.verifier.Path())
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (v *Validator) watchedDirs() []string {
	seen := make(map[string]struct{})
	for _, path := range v.watchedPaths() {
		seen[filepath.Dir(path)] = struct{}{}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func (v *Validator) componentFor(path string) pipeline.Component {
	if v.verifier != nil && filepath.Clean(v.verifier.Path()) == filepath.Clean(path) {
		return pipeline.ComponentAuditLog
	}
	return pipeline.ComponentMonitoring
}

func (v *Validator) deliver(det *detect.Detection) {
	if v.sink == nil {
		return
	}
	v.sink(det)
}

func (v *Validator) audit(action string, details map[string]interface{}) {
	if v.recorder == nil {
		return
	}
	if _, err := v.recorder.Append(audit.CategoryIntegrity, DetectorName, action, details); err != nil {
		v.logger.WithError(err).Warn("Integrity audit write failed")
	}
}

func hashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
