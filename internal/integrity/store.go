package integrity

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS file_baselines (
	path        TEXT PRIMARY KEY,
	sha256      TEXT NOT NULL,
	size        INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS config_backups (
	backup_path TEXT PRIMARY KEY,
	source_path TEXT NOT NULL,
	sha256      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	verified    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_backups_source ON config_backups (source_path, created_at);
`

// baseline is the stored fingerprint of one watched file.
type baseline struct {
	Path       string
	SHA256     string
	Size       int64
	RecordedAt time.Time
}

// backupRecord describes one config snapshot and whether its read-back
// verification succeeded.
type backupRecord struct {
	BackupPath string
	SourcePath string
	SHA256     string
	CreatedAt  time.Time
	Verified   bool
}

// store persists baselines and backup records in a local sqlite file so
// fingerprints survive process restarts.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening integrity store: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY on concurrent rescan and fsnotify checks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing integrity store: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) upsertBaseline(b *baseline) error {
	_, err := s.db.Exec(`INSERT INTO file_baselines (path, sha256, size, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			sha256 = excluded.sha256,
			size = excluded.size,
			recorded_at = excluded.recorded_at`,
		b.Path, b.SHA256, b.Size, b.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording baseline for %s: %w", b.Path, err)
	}
	return nil
}

// getBaseline returns nil without error when no baseline is recorded.
func (s *store) getBaseline(path string) (*baseline, error) {
	row := s.db.QueryRow(`SELECT path, sha256, size, recorded_at FROM file_baselines WHERE path = ?`, path)
	var (
		b        baseline
		recorded string
	)
	if err := row.Scan(&b.Path, &b.SHA256, &b.Size, &recorded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading baseline for %s: %w", path, err)
	}
	b.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
	return &b, nil
}

func (s *store) recordBackup(r *backupRecord) error {
	_, err := s.db.Exec(`INSERT INTO config_backups (backup_path, source_path, sha256, created_at, verified)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(backup_path) DO UPDATE SET
			sha256 = excluded.sha256,
			created_at = excluded.created_at,
			verified = 0`,
		r.BackupPath, r.SourcePath, r.SHA256, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording backup %s: %w", r.BackupPath, err)
	}
	return nil
}

func (s *store) markVerified(backupPath string) error {
	_, err := s.db.Exec(`UPDATE config_backups SET verified = 1 WHERE backup_path = ?`, backupPath)
	if err != nil {
		return fmt.Errorf("marking backup %s verified: %w", backupPath, err)
	}
	return nil
}

// latestVerifiedBackup returns the newest verified snapshot of sourcePath,
// or nil when none exists.
func (s *store) latestVerifiedBackup(sourcePath string) (*backupRecord, error) {
	row := s.db.QueryRow(`SELECT backup_path, source_path, sha256, created_at, verified
		FROM config_backups
		WHERE source_path = ? AND verified = 1
		ORDER BY created_at DESC
		LIMIT 1`, sourcePath)
	var (
		r       backupRecord
		created string
	)
	if err := row.Scan(&r.BackupPath, &r.SourcePath, &r.SHA256, &created, &r.Verified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backups for %s: %w", sourcePath, err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &r, nil
}

func (s *store) Close() error {
	return s.db.Close()
}
