package observer

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// sessionQuery enumerates live sessions. TIME is seconds in the current
// command state and serves as a lower bound on session age.
const sessionQuery = `SELECT ID, USER, HOST, DB, COMMAND, TIME FROM information_schema.PROCESSLIST`

// ScanSessions diffs the live session set against the previous scan. Each
// new session becomes a db_connection event with a per-session risk
// score; sessions that vanished shortly after appearing feed the
// brute-force tracker.
func (o *Observer) ScanSessions(ctx context.Context) error {
	ctx, cancel := o.scanContext(ctx)
	defer cancel()

	rows, err := o.db.QueryContext(ctx, sessionQuery)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	type liveSession struct {
		id        int64
		principal string
		host      string
		database  string
		command   string
		seconds   int64
	}
	var live []liveSession
	for rows.Next() {
		var s liveSession
		var user, host, db, command sql.NullString
		var seconds sql.NullInt64
		if err := rows.Scan(&s.id, &user, &host, &db, &command, &seconds); err != nil {
			return fmt.Errorf("scanning session row: %w", err)
		}
		s.principal = user.String
		s.host = stripPort(host.String)
		s.database = db.String
		s.command = command.String
		s.seconds = seconds.Int64
		live = append(live, s)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading sessions: %w", err)
	}

	atomic.AddInt64(&o.sessionScans, 1)

	o.mu.Lock()
	now := o.now()

	concurrent := make(map[string]int)
	for _, s := range live {
		concurrent[s.principal]++
	}

	current := make(map[int64]*sessionState, len(live))
	var events []*pipeline.Event
	for _, s := range live {
		if prev, ok := o.sessions[s.id]; ok {
			current[s.id] = prev
			continue
		}
		current[s.id] = &sessionState{principal: s.principal, host: s.host, firstSeen: now}
		atomic.AddInt64(&o.newSessions, 1)
		events = append(events, o.sessionEventLocked(s.id, s.principal, s.host, s.database, s.command, s.seconds, concurrent[s.principal], now))
	}

	for id, prev := range o.sessions {
		if _, ok := current[id]; ok {
			continue
		}
		atomic.AddInt64(&o.closedSessions, 1)
		if now.Sub(prev.firstSeen) <= o.config.ShortSessionMax {
			if ev := o.recordShortCloseLocked(prev.host, now); ev != nil {
				events = append(events, ev)
			}
		}
	}
	o.sessions = current
	o.mu.Unlock()

	for _, ev := range events {
		o.emit(ev)
	}
	return nil
}

func (o *Observer) sessionEventLocked(id int64, principal, host, database, command string, seconds int64, concurrent int, now time.Time) *pipeline.Event {
	risk := 0.0
	var factors []string

	if !containsFold(o.config.AuthorizedPrincipals, principal) {
		risk += o.config.Weights.UnauthorizedPrincipal
		factors = append(factors, "unauthorized_principal")
	}
	remote := !containsFold(o.config.LocalHosts, host)
	if remote {
		risk += o.config.Weights.RemoteHost
		factors = append(factors, "remote_host")
	}
	if database != "" && containsFold(o.config.SystemSchemas, database) {
		risk += o.config.Weights.SystemSchema
		factors = append(factors, "system_schema")
	}
	admin := containsFold(o.config.AdminCommands, command)
	if admin {
		risk += o.config.Weights.AdminCommand
		factors = append(factors, "admin_command")
	}
	if concurrent >= o.config.ConcurrentSessionLimit {
		risk += o.config.Weights.ConcurrentSessions
		factors = append(factors, "concurrent_sessions")
	}

	eventType := pipeline.EventDBConnection
	target := pipeline.ComponentDatabase
	duration := time.Duration(seconds) * time.Second

	// The monitoring account is held to a stricter profile; any hit
	// reclassifies the event as a user anomaly.
	if strings.EqualFold(principal, o.config.MonitoredPrincipal) {
		var uba []string
		if remote {
			risk += o.config.UBA.RemoteSource
			uba = append(uba, "uba_remote_source")
		}
		if admin {
			risk += o.config.UBA.AdminCommand
			uba = append(uba, "uba_admin_command")
		}
		if duration > o.config.UBA.SessionDuration {
			risk += o.config.UBA.LongSession
			uba = append(uba, "uba_long_session")
		}
		if concurrent > o.config.UBA.ConcurrentLimit {
			risk += o.config.UBA.ConcurrentExcess
			uba = append(uba, "uba_concurrent_excess")
		}
		if len(uba) > 0 {
			eventType = pipeline.EventUserAnomaly
			target = pipeline.ComponentUserAccount
			factors = append(factors, uba...)
		}
	}
	if risk > 1 {
		risk = 1
	}

	return &pipeline.Event{
		Type:            eventType,
		Timestamp:       now,
		SourceIP:        host,
		Principal:       principal,
		TargetComponent: target,
		RiskScore:       risk,
		Details: map[string]interface{}{
			"session_id":          id,
			"command":             command,
			"database":            database,
			"duration":            duration.Seconds(),
			"concurrent_sessions": concurrent,
			"risk_factors":        factors,
		},
	}
}

// recordShortCloseLocked counts a login-then-immediate-close for host and
// returns a brute_force_attack event once the rolling-window threshold is
// reached.
func (o *Observer) recordShortCloseLocked(host string, now time.Time) *pipeline.Event {
	cutoff := now.Add(-o.config.BruteForceWindow)
	kept := o.logins[host][:0]
	for _, ts := range o.logins[host] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	o.logins[host] = kept

	if len(kept) < o.config.BruteForceThreshold {
		return nil
	}
	atomic.AddInt64(&o.bruteForceSignals, 1)
	return &pipeline.Event{
		Type:            pipeline.EventBruteForce,
		Timestamp:       now,
		SourceIP:        host,
		TargetComponent: pipeline.ComponentDatabase,
		RiskScore:       o.config.BruteForceRisk,
		Details: map[string]interface{}{
			"failed_logins": len(kept),
			"window":        o.config.BruteForceWindow.String(),
		},
	}
}

// stripPort drops the client port from a processlist HOST value, leaving
// bare hostnames and IPv6 literals alone.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
