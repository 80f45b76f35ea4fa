// Package observer polls the protected MySQL server and turns what it
// sees into raw pipeline events: one db_connection per new session, one
// suspicious_query per statement matching a known hostile pattern, and
// one perf_schema_access per sensitive-table access. It holds the
// per-session and per-host state needed to score risk and to spot
// login-then-close bursts.
package observer

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/audit"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// SourceName identifies this package in events and health reports.
const SourceName = "db_observer"

// RiskWeights are the session scoring increments. The defaults are
// normative; deployments tune them per environment.
type RiskWeights struct {
	UnauthorizedPrincipal float64 `json:"unauthorized_principal"`
	RemoteHost            float64 `json:"remote_host"`
	SystemSchema          float64 `json:"system_schema"`
	AdminCommand          float64 `json:"admin_command"`
	ConcurrentSessions    float64 `json:"concurrent_sessions"`
}

// UBAWeights score anomalies of the privileged monitoring account, which
// is held to a stricter profile than ordinary principals.
type UBAWeights struct {
	RemoteSource     float64       `json:"remote_source"`
	AdminCommand     float64       `json:"admin_command"`
	LongSession      float64       `json:"long_session"`
	ConcurrentExcess float64       `json:"concurrent_excess"`
	SessionDuration  time.Duration `json:"session_duration"`
	ConcurrentLimit  int           `json:"concurrent_limit"`
}

// Config controls scan cadences and scoring.
type Config struct {
	SessionScanInterval time.Duration `json:"session_scan_interval"`
	QueryScanInterval   time.Duration `json:"query_scan_interval"`
	PerfScanInterval    time.Duration `json:"perf_scan_interval"`
	DBTimeout           time.Duration `json:"db_timeout"`

	AuthorizedPrincipals []string `json:"authorized_principals"`
	// MonitoredPrincipal is the privileged account the monitor itself
	// uses; its sessions get the stricter anomaly sub-check.
	MonitoredPrincipal string   `json:"monitored_principal"`
	LocalHosts         []string `json:"local_hosts"`
	SystemSchemas      []string `json:"system_schemas"`
	AdminCommands      []string `json:"admin_commands"`

	Weights    RiskWeights `json:"weights"`
	UBA        UBAWeights  `json:"uba"`
	// ConcurrentSessionLimit is the session count at or above which the
	// concurrency weight applies.
	ConcurrentSessionLimit int `json:"concurrent_session_limit"`

	// ShortSessionMax bounds the lifetime of a "login then immediate
	// close" candidate.
	ShortSessionMax     time.Duration `json:"short_session_max"`
	BruteForceThreshold int           `json:"brute_force_threshold"`
	BruteForceWindow    time.Duration `json:"brute_force_window"`
	BruteForceRisk      float64       `json:"brute_force_risk"`

	// StatementBatchSize caps rows read per query-pattern scan.
	StatementBatchSize int `json:"statement_batch_size"`
	// StatementDedupWindow suppresses re-emitting the same statement
	// from the same actor across overlapping history reads.
	StatementDedupWindow time.Duration `json:"statement_dedup_window"`
	// CategoryRisk maps a pattern category to the emitted risk score.
	CategoryRisk map[string]float64 `json:"category_risk"`

	// TableSensitivity maps "schema.table" to a sensitivity weight;
	// tables of monitored schemas not listed get DefaultSensitivity.
	TableSensitivity   map[string]float64 `json:"table_sensitivity"`
	DefaultSensitivity float64            `json:"default_sensitivity"`
}

// DefaultConfig returns the standard observation settings.
func DefaultConfig() *Config {
	return &Config{
		SessionScanInterval: 5 * time.Second,
		QueryScanInterval:   15 * time.Second,
		PerfScanInterval:    30 * time.Second,
		DBTimeout:           10 * time.Second,

		AuthorizedPrincipals: []string{"app_service", "uba_user", "replication"},
		MonitoredPrincipal:   "uba_user",
		LocalHosts:           []string{"localhost", "127.0.0.1", "::1"},
		SystemSchemas:        []string{"mysql", "information_schema", "performance_schema", "sys"},
		AdminCommands:        []string{"kill", "shutdown", "create db", "drop db", "change user", "debug", "grant"},

		Weights: RiskWeights{
			UnauthorizedPrincipal: 0.5,
			RemoteHost:            0.3,
			SystemSchema:          0.4,
			AdminCommand:          0.3,
			ConcurrentSessions:    0.4,
		},
		UBA: UBAWeights{
			RemoteSource:     0.5,
			AdminCommand:     0.5,
			LongSession:      0.3,
			ConcurrentExcess: 0.4,
			SessionDuration:  time.Hour,
			ConcurrentLimit:  2,
		},
		ConcurrentSessionLimit: 3,

		ShortSessionMax:     10 * time.Second,
		BruteForceThreshold: 5,
		BruteForceWindow:    time.Hour,
		BruteForceRisk:      0.9,

		StatementBatchSize:   200,
		StatementDedupWindow: 10 * time.Minute,
		CategoryRisk: map[string]float64{
			"malicious":            0.8,
			"recon":                0.6,
			"privilege_escalation": 0.85,
		},

		TableSensitivity: map[string]float64{
			"mysql.user":                   0.9,
			"mysql.db":                     0.7,
			"mysql.tables_priv":            0.7,
			"performance_schema.threads":   0.6,
			"performance_schema.accounts":  0.6,
			"sys.user_summary":             0.6,
		},
		DefaultSensitivity: 0.5,
	}
}

// Sink receives raw events for normalization. It must not block.
type Sink func(*pipeline.Event)

// Metrics is a point-in-time copy of observer counters.
type Metrics struct {
	SessionScans         int64 `json:"session_scans"`
	QueryScans           int64 `json:"query_scans"`
	PerfScans            int64 `json:"perf_scans"`
	EventsEmitted        int64 `json:"events_emitted"`
	NewSessions          int64 `json:"new_sessions"`
	ClosedSessions       int64 `json:"closed_sessions"`
	SuspiciousStatements int64 `json:"suspicious_statements"`
	BruteForceSignals    int64 `json:"brute_force_signals"`
	ScanFailures         int64 `json:"scan_failures"`
}

// sessionState remembers one live session between scans.
type sessionState struct {
	principal string
	host      string
	firstSeen time.Time
}

// Observer drives the session, query-pattern and performance-table scans.
type Observer struct {
	config   *Config
	db       *sql.DB
	sink     Sink
	recorder audit.Recorder
	logger   *logrus.Logger
	patterns []queryPattern

	mu             sync.Mutex
	now            func() time.Time
	sessions       map[int64]*sessionState
	logins         map[string][]time.Time
	seenStatements map[string]time.Time
	perfCounts     map[string]int64
	perfSeeded     bool

	sessionScans         int64
	queryScans           int64
	perfScans            int64
	eventsEmitted        int64
	newSessions          int64
	closedSessions       int64
	suspiciousStatements int64
	bruteForceSignals    int64
	scanFailures         int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an observer over an open database handle and starts the
// scan loops whose intervals are positive. The caller keeps ownership of
// db. recorder and sink may be nil.
func New(config *Config, db *sql.DB, sink Sink, recorder audit.Recorder, logger *logrus.Logger) (*Observer, error) {
	if db == nil {
		return nil, errors.New("observer requires a database handle")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	o := &Observer{
		config:         config,
		db:             db,
		sink:           sink,
		recorder:       recorder,
		logger:         logger,
		patterns:       compileQueryPatterns(),
		now:            time.Now,
		sessions:       make(map[int64]*sessionState),
		logins:         make(map[string][]time.Time),
		seenStatements: make(map[string]time.Time),
		perfCounts:     make(map[string]int64),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.startLoop(config.SessionScanInterval, func(ctx context.Context) { o.scanGuard(o.ScanSessions(ctx)) })
	o.startLoop(config.QueryScanInterval, func(ctx context.Context) { o.scanGuard(o.ScanStatements(ctx)) })
	o.startLoop(config.PerfScanInterval, func(ctx context.Context) { o.scanGuard(o.ScanPerfTables(ctx)) })

	return o, nil
}

// Close stops the scan loops. The database handle stays open.
func (o *Observer) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

// IsHealthy reports whether the protected database answers within the
// configured timeout. The shadow monitor times this call.
func (o *Observer) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, o.config.DBTimeout)
	defer cancel()
	return o.db.PingContext(ctx) == nil
}

// Metrics returns a snapshot of observer counters.
func (o *Observer) Metrics() Metrics {
	return Metrics{
		SessionScans:         atomic.LoadInt64(&o.sessionScans),
		QueryScans:           atomic.LoadInt64(&o.queryScans),
		PerfScans:            atomic.LoadInt64(&o.perfScans),
		EventsEmitted:        atomic.LoadInt64(&o.eventsEmitted),
		NewSessions:          atomic.LoadInt64(&o.newSessions),
		ClosedSessions:       atomic.LoadInt64(&o.closedSessions),
		SuspiciousStatements: atomic.LoadInt64(&o.suspiciousStatements),
		BruteForceSignals:    atomic.LoadInt64(&o.bruteForceSignals),
		ScanFailures:         atomic.LoadInt64(&o.scanFailures),
	}
}

func (o *Observer) startLoop(interval time.Duration, scan func(context.Context)) {
	if interval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				scan(o.ctx)
			}
		}
	}()
}

// scanGuard downgrades scan errors to counters and logs; a failing scan
// must never stop the loop.
func (o *Observer) scanGuard(err error) {
	if err == nil {
		return
	}
	atomic.AddInt64(&o.scanFailures, 1)
	o.logger.WithError(err).Warn("Database scan failed")
	o.audit(audit.CategoryError, "scan_failed", map[string]interface{}{
		"error": err.Error(),
	})
}

func (o *Observer) emit(event *pipeline.Event) {
	atomic.AddInt64(&o.eventsEmitted, 1)
	if o.sink != nil {
		o.sink(event)
	}
}

func (o *Observer) audit(category, action string, details map[string]interface{}) {
	if o.recorder == nil {
		return
	}
	if _, err := o.recorder.Append(category, SourceName, action, details); err != nil {
		o.logger.WithError(err).Warn("Observer audit write failed")
	}
}

// scanContext bounds one database round-trip.
func (o *Observer) scanContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.config.DBTimeout)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
