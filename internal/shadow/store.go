package shadow

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS health_checks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	checked_at  TEXT NOT NULL,
	healthy     INTEGER NOT NULL,
	response_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS heartbeats (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	beat_at         TEXT NOT NULL,
	primary_healthy INTEGER NOT NULL,
	backup_alerting INTEGER NOT NULL
);
`

// store keeps the shadow's poll history and heartbeats in its own sqlite
// file, separate from anything the primary can write to.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening shadow store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing shadow store: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) recordCheck(o Outcome) error {
	_, err := s.db.Exec(`INSERT INTO health_checks (checked_at, healthy, response_ms) VALUES (?, ?, ?)`,
		o.CheckedAt.UTC().Format(time.RFC3339Nano), boolToInt(o.Healthy), o.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording health check: %w", err)
	}
	return nil
}

// lastChecks returns up to n most recent outcomes, oldest first.
func (s *store) lastChecks(n int) ([]Outcome, error) {
	rows, err := s.db.Query(`SELECT checked_at, healthy, response_ms FROM health_checks ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("reading health checks: %w", err)
	}
	defer rows.Close()

	var recent []Outcome
	for rows.Next() {
		var checked string
		var healthy int
		var responseMS int64
		if err := rows.Scan(&checked, &healthy, &responseMS); err != nil {
			return nil, fmt.Errorf("scanning health check: %w", err)
		}
		var o Outcome
		o.CheckedAt, _ = time.Parse(time.RFC3339Nano, checked)
		o.Healthy = healthy != 0
		o.Elapsed = time.Duration(responseMS) * time.Millisecond
		recent = append(recent, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading health checks: %w", err)
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (s *store) recordHeartbeat(at time.Time, primaryHealthy, backupAlerting bool) error {
	_, err := s.db.Exec(`INSERT INTO heartbeats (beat_at, primary_healthy, backup_alerting) VALUES (?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), boolToInt(primaryHealthy), boolToInt(backupAlerting))
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
