package observer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// statementQuery reads recent statements from the server's own execution
// history. TIMER_START ordering keeps the newest statements first.
const statementQuery = `SELECT t.PROCESSLIST_USER, t.PROCESSLIST_HOST, s.CURRENT_SCHEMA, s.SQL_TEXT, s.ROWS_SENT ` +
	`FROM performance_schema.events_statements_history_long s ` +
	`JOIN performance_schema.threads t ON s.THREAD_ID = t.THREAD_ID ` +
	`WHERE s.SQL_TEXT IS NOT NULL ORDER BY s.TIMER_START DESC LIMIT ?`

// queryPattern is one precompiled hostile-statement matcher. The list is
// a cheap pre-filter; the signature detector does the deep analysis.
type queryPattern struct {
	name     string
	category string
	re       *regexp.Regexp
}

func compileQueryPatterns() []queryPattern {
	return []queryPattern{
		{"union_select", "malicious", regexp.MustCompile(`(?i)union\s+(all\s+)?select`)},
		{"stacked_drop", "malicious", regexp.MustCompile(`(?i);\s*drop\s+(table|database)`)},
		{"outfile_write", "malicious", regexp.MustCompile(`(?i)into\s+(out|dump)file`)},
		{"file_read", "malicious", regexp.MustCompile(`(?i)load_file\s*\(`)},
		{"timing_probe", "malicious", regexp.MustCompile(`(?i)\b(sleep|benchmark)\s*\(`)},
		{"schema_probe", "recon", regexp.MustCompile(`(?i)information_schema\.(tables|columns|schemata)`)},
		{"version_probe", "recon", regexp.MustCompile(`(?i)(@@version|\bversion\s*\(\s*\))`)},
		{"grants_probe", "recon", regexp.MustCompile(`(?i)show\s+grants`)},
		{"mysql_user_read", "privilege_escalation", regexp.MustCompile(`(?i)from\s+mysql\.user`)},
		{"grant_all", "privilege_escalation", regexp.MustCompile(`(?i)grant\s+all`)},
		{"create_user", "privilege_escalation", regexp.MustCompile(`(?i)create\s+user`)},
		{"identified_by", "privilege_escalation", regexp.MustCompile(`(?i)identified\s+by`)},
	}
}

// ScanStatements reads the recent-statement history and emits one
// suspicious_query event per statement matching a hostile pattern.
// Statements already reported within the dedup window are skipped, since
// consecutive history reads overlap.
func (o *Observer) ScanStatements(ctx context.Context) error {
	ctx, cancel := o.scanContext(ctx)
	defer cancel()

	rows, err := o.db.QueryContext(ctx, statementQuery, o.config.StatementBatchSize)
	if err != nil {
		return fmt.Errorf("reading statement history: %w", err)
	}
	defer rows.Close()

	type statement struct {
		principal string
		host      string
		schema    string
		text      string
		rowsSent  int64
	}
	var recent []statement
	for rows.Next() {
		var user, host, schema, text sql.NullString
		var rowsSent sql.NullInt64
		if err := rows.Scan(&user, &host, &schema, &text, &rowsSent); err != nil {
			return fmt.Errorf("scanning statement row: %w", err)
		}
		recent = append(recent, statement{
			principal: user.String,
			host:      stripPort(host.String),
			schema:    schema.String,
			text:      text.String,
			rowsSent:  rowsSent.Int64,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading statement history: %w", err)
	}

	atomic.AddInt64(&o.queryScans, 1)

	o.mu.Lock()
	now := o.now()
	o.pruneStatementsLocked(now)

	var events []*pipeline.Event
	for _, st := range recent {
		pattern, ok := o.matchStatement(st.text)
		if !ok {
			continue
		}
		key := statementKey(st.principal, st.host, st.text)
		if _, seen := o.seenStatements[key]; seen {
			continue
		}
		o.seenStatements[key] = now
		atomic.AddInt64(&o.suspiciousStatements, 1)

		risk := o.config.CategoryRisk[pattern.category]
		events = append(events, &pipeline.Event{
			Type:            pipeline.EventSuspiciousQuery,
			Timestamp:       now,
			SourceIP:        st.host,
			Principal:       st.principal,
			TargetComponent: pipeline.ComponentDatabase,
			RiskScore:       risk,
			Details: map[string]interface{}{
				"query":     st.text,
				"database":  st.schema,
				"rows_sent": st.rowsSent,
				"pattern":   pattern.name,
				"category":  pattern.category,
			},
		})
	}
	o.mu.Unlock()

	for _, ev := range events {
		o.emit(ev)
	}
	return nil
}

func (o *Observer) matchStatement(text string) (queryPattern, bool) {
	for _, p := range o.patterns {
		if p.re.MatchString(text) {
			return p, true
		}
	}
	return queryPattern{}, false
}

func (o *Observer) pruneStatementsLocked(now time.Time) {
	cutoff := now.Add(-o.config.StatementDedupWindow)
	for key, seen := range o.seenStatements {
		if seen.Before(cutoff) {
			delete(o.seenStatements, key)
		}
	}
}

func statementKey(principal, host, text string) string {
	sum := sha256.Sum256([]byte(principal + "|" + host + "|" + text))
	return hex.EncodeToString(sum[:16])
}
