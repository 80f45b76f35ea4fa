// Package signature implements the pattern-matching detector: a data-driven
// catalog of named attack patterns applied to query, command and argument
// fields of incoming events, with contextual confidence scoring.
package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// DetectorName identifies this detector in detections and health reports.
const DetectorName = "signature_pattern"

// Attack pattern categories; the emitted threat type is
// "attack_pattern_<category>".
const (
	CategorySQLInjection        = "sql_injection"
	CategoryPrivilegeEscalation = "privilege_escalation"
	CategoryReconnaissance      = "reconnaissance"
	CategoryPersistence         = "persistence"
	CategoryExfiltration        = "data_exfiltration"
)

// Pattern is one named attack signature. Expressions are applied
// case-insensitively; the first match across the scanned fields wins.
// Patterns are data: extending coverage means adding a row, in code or in
// an operator catalog file.
type Pattern struct {
	ID             string          `json:"id"`
	Category       string          `json:"category"`
	Severity       detect.Severity `json:"severity"`
	BaseConfidence float64         `json:"base_confidence"`
	Expressions    []string        `json:"expressions"`
	Description    string          `json:"description,omitempty"`

	compiled []*regexp.Regexp
}

// compile builds the case-insensitive matchers for the pattern.
func (p *Pattern) compile() error {
	p.compiled = p.compiled[:0]
	for _, expr := range p.Expressions {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return fmt.Errorf("pattern %s: compile %q: %w", p.ID, expr, err)
		}
		p.compiled = append(p.compiled, re)
	}
	if len(p.compiled) == 0 {
		return fmt.Errorf("pattern %s has no expressions", p.ID)
	}
	return nil
}

// Config holds signature detector configuration.
type Config struct {
	PrivilegedAccounts []string           // principals granted the +0.2 bump
	SystemSchemas      []string           // databases granted the +0.15 bump
	LocalHosts         []string           // sources NOT granted the +0.1 remote bump
	Thresholds         map[string]float64 // per-category emission thresholds
	DefaultThreshold   float64            // used when a category has no entry
	OffHoursBefore     int                // hours strictly below get the +0.1 bump
	OffHoursAfter      int                // hours strictly above get the +0.1 bump
	CatalogPath        string             // optional operator pattern file merged at startup
}

// DefaultConfig returns default signature configuration.
func DefaultConfig() *Config {
	return &Config{
		PrivilegedAccounts: []string{"uba_user"},
		SystemSchemas:      []string{"mysql", "information_schema", "performance_schema", "sys"},
		LocalHosts:         []string{"localhost", "127.0.0.1", "::1"},
		Thresholds: map[string]float64{
			CategorySQLInjection:        0.7,
			CategoryPrivilegeEscalation: 0.7,
			CategoryReconnaissance:      0.5,
			CategoryPersistence:         0.7,
			CategoryExfiltration:        0.7,
		},
		DefaultThreshold: 0.6,
		OffHoursBefore:   6,
		OffHoursAfter:    22,
	}
}

// Detector matches events against the pattern catalog.
type Detector struct {
	config *Config

	// catalogMu guards patterns and the threshold map; the adaptive
	// update path mutates both while Process reads them.
	catalogMu sync.RWMutex
	patterns  []*Pattern

	statsMu sync.RWMutex
	hits    map[string]int64

	logger *logrus.Logger
}

// New creates a signature detector with the built-in catalog, merged with
// the operator catalog at config.CatalogPath when present.
func New(config *Config, logger *logrus.Logger) (*Detector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	d := &Detector{
		config: config,
		hits:   make(map[string]int64),
		logger: logger,
	}

	for _, p := range builtinCatalog() {
		if err := p.compile(); err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, p)
	}

	if config.CatalogPath != "" {
		if err := d.loadCatalog(config.CatalogPath); err != nil {
			return nil, err
		}
	}

	logger.WithField("patterns", len(d.patterns)).Debug("Signature catalog loaded")
	return d, nil
}

// loadCatalog merges operator-supplied patterns; entries sharing an id
// with a built-in pattern replace it.
func (d *Detector) loadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pattern catalog %s: %w", path, err)
	}

	var extra []*Pattern
	if err := json.Unmarshal(data, &extra); err != nil {
		return fmt.Errorf("parse pattern catalog %s: %w", path, err)
	}

	for _, p := range extra {
		if err := p.compile(); err != nil {
			return err
		}
		replaced := false
		for i, existing := range d.patterns {
			if existing.ID == p.ID {
				d.patterns[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			d.patterns = append(d.patterns, p)
		}
	}
	return nil
}

// Name implements detect.Detector.
func (d *Detector) Name() string { return DetectorName }

// Healthy implements detect.Detector.
func (d *Detector) Healthy() bool { return true }

// Process matches one event against every pattern in the catalog. Each
// matching pattern whose contextual confidence clears its category
// threshold yields one detection.
func (d *Detector) Process(ctx context.Context, event *pipeline.Event) []*detect.Detection {
	if event == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	fields := scanFields(event)
	if len(fields) == 0 {
		return nil
	}

	d.catalogMu.RLock()
	patterns := d.patterns
	d.catalogMu.RUnlock()

	var detections []*detect.Detection
	for _, pattern := range patterns {
		field, match := pattern.match(fields)
		if match == "" {
			continue
		}

		confidence, bumps := d.score(pattern, event, match)
		if confidence < d.Threshold(pattern.Category) {
			continue
		}

		d.recordHit(pattern.ID)

		det := detect.NewDetection(DetectorName,
			"attack_pattern_"+pattern.Category,
			pattern.Severity, confidence,
			fmt.Sprintf("pattern %s matched %s field", pattern.ID, field)).
			WithEvent(event).
			WithIndicator("pattern_id", pattern.ID).
			WithIndicator("matched_field", field).
			WithIndicator("matched_text", truncate(match, 120)).
			WithIndicator("confidence_bumps", bumps).
			WithActions(recommendedActions(pattern.Severity)...)

		detections = append(detections, det)

		d.logger.WithFields(logrus.Fields{
			"pattern_id": pattern.ID,
			"category":   pattern.Category,
			"confidence": confidence,
			"principal":  event.Principal,
		}).Debug("Signature pattern matched")
	}

	return detections
}

// match returns the first matching field name and matched substring.
func (p *Pattern) match(fields map[string]string) (string, string) {
	// Scan in a fixed order so indicator output is deterministic.
	for _, name := range []string{"query", "command", "info"} {
		value, ok := fields[name]
		if !ok {
			continue
		}
		for _, re := range p.compiled {
			if m := re.FindString(value); m != "" {
				return name, m
			}
		}
	}
	return "", ""
}

// score applies the contextual confidence bumps to a pattern's base
// weight: privileged principal +0.2, system schema +0.15, remote source
// +0.1, long match +0.05, off-hours +0.1, clamped to 1.0.
func (d *Detector) score(pattern *Pattern, event *pipeline.Event, match string) (float64, []string) {
	confidence := pattern.BaseConfidence
	var bumps []string

	if contains(d.config.PrivilegedAccounts, event.Principal) {
		confidence += 0.2
		bumps = append(bumps, "privileged_principal")
	}
	if db := detailString(event.Details, "database"); db != "" && contains(d.config.SystemSchemas, strings.ToLower(db)) {
		confidence += 0.15
		bumps = append(bumps, "system_schema")
	}
	if event.SourceIP != "" && !contains(d.config.LocalHosts, event.SourceIP) {
		confidence += 0.1
		bumps = append(bumps, "remote_source")
	}
	if len(match) > 20 {
		confidence += 0.05
		bumps = append(bumps, "long_match")
	}
	if hour := event.Timestamp.Hour(); hour < d.config.OffHoursBefore || hour > d.config.OffHoursAfter {
		confidence += 0.1
		bumps = append(bumps, "off_hours")
	}

	return detect.ClampConfidence(confidence), bumps
}

func (d *Detector) recordHit(patternID string) {
	d.statsMu.Lock()
	d.hits[patternID]++
	d.statsMu.Unlock()
}

// Stats returns per-pattern hit counts.
func (d *Detector) Stats() map[string]int64 {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()

	out := make(map[string]int64, len(d.hits))
	for id, n := range d.hits {
		out[id] = n
	}
	return out
}

// PatternCount returns the catalog size.
func (d *Detector) PatternCount() int {
	d.catalogMu.RLock()
	defer d.catalogMu.RUnlock()
	return len(d.patterns)
}

// AddPattern compiles and installs a pattern at runtime, replacing any
// existing pattern with the same id; the adaptive update path uses it
// for add_pattern updates.
func (d *Detector) AddPattern(pattern *Pattern) error {
	if err := pattern.compile(); err != nil {
		return err
	}

	d.catalogMu.Lock()
	defer d.catalogMu.Unlock()

	// Process iterates a snapshot of the slice outside the lock, so
	// mutations must build a fresh backing array.
	next := make([]*Pattern, 0, len(d.patterns)+1)
	replaced := false
	for _, existing := range d.patterns {
		if existing.ID == pattern.ID {
			next = append(next, pattern)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, pattern)
	}
	d.patterns = next
	return nil
}

// RemovePattern drops a pattern from the catalog and reports whether it
// was present; the adaptive update path uses it to roll back add_pattern
// updates.
func (d *Detector) RemovePattern(id string) bool {
	d.catalogMu.Lock()
	defer d.catalogMu.Unlock()

	found := false
	next := make([]*Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		if p.ID == id {
			found = true
			continue
		}
		next = append(next, p)
	}
	if found {
		d.patterns = next
	}
	return found
}

// SetThreshold adjusts one category's emission threshold and returns the
// previous value; the adaptive update path uses it for adjust_threshold
// updates.
func (d *Detector) SetThreshold(category string, threshold float64) float64 {
	d.catalogMu.Lock()
	defer d.catalogMu.Unlock()

	prev, ok := d.config.Thresholds[category]
	if !ok {
		prev = d.config.DefaultThreshold
	}
	d.config.Thresholds[category] = threshold
	return prev
}

// Threshold returns the current emission threshold for a category.
func (d *Detector) Threshold(category string) float64 {
	d.catalogMu.RLock()
	defer d.catalogMu.RUnlock()

	if v, ok := d.config.Thresholds[category]; ok {
		return v
	}
	return d.config.DefaultThreshold
}

func scanFields(event *pipeline.Event) map[string]string {
	fields := make(map[string]string, 3)
	if q := detailString(event.Details, "query"); q != "" {
		fields["query"] = q
	}
	if c := detailString(event.Details, "command"); c != "" {
		fields["command"] = c
	}
	if i := detailString(event.Details, "info"); i != "" {
		fields["info"] = i
	}
	return fields
}

func recommendedActions(severity detect.Severity) []string {
	switch severity {
	case detect.SeverityCritical:
		return []string{detect.ActionIsolate, detect.ActionRotateCredentials, detect.ActionSwitchBackup, detect.ActionAlertOperators}
	case detect.SeverityHigh:
		return []string{detect.ActionIsolate, detect.ActionAlertOperators}
	case detect.SeverityMedium:
		return []string{detect.ActionAlertOperators, detect.ActionMonitor}
	default:
		return []string{detect.ActionMonitor}
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func detailString(details map[string]interface{}, key string) string {
	if details == nil {
		return ""
	}
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}

// builtinCatalog returns the default attack pattern rows.
func builtinCatalog() []*Pattern {
	return []*Pattern{
		{
			ID:             "sqli_union_001",
			Category:       CategorySQLInjection,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.9,
			Description:    "union-based SQL injection",
			Expressions: []string{
				`union\s+(all\s+)?select`,
			},
		},
		{
			ID:             "sqli_bool_001",
			Category:       CategorySQLInjection,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.85,
			Description:    "boolean-based SQL injection",
			Expressions: []string{
				`(\bor\b|\band\b)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`,
				`'\s*or\s*'[^']*'\s*=\s*'`,
			},
		},
		{
			ID:             "sqli_time_001",
			Category:       CategorySQLInjection,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.85,
			Description:    "time-based blind SQL injection",
			Expressions: []string{
				`(sleep|benchmark|pg_sleep)\s*\(`,
				`waitfor\s+delay`,
			},
		},
		{
			ID:             "privesc_001",
			Category:       CategoryPrivilegeEscalation,
			Severity:       detect.SeverityCritical,
			BaseConfidence: 0.9,
			Description:    "account creation",
			Expressions: []string{
				`create\s+user`,
			},
		},
		{
			ID:             "privesc_002",
			Category:       CategoryPrivilegeEscalation,
			Severity:       detect.SeverityCritical,
			BaseConfidence: 0.9,
			Description:    "dangerous privilege grant",
			Expressions: []string{
				`grant\s+(all|super|file|process|shutdown|grant\s+option)`,
				`grant\s+.*\s+on\s+\*\.\*`,
			},
		},
		{
			ID:             "privesc_003",
			Category:       CategoryPrivilegeEscalation,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.8,
			Description:    "privilege or account modification",
			Expressions: []string{
				`revoke\s+`,
				`alter\s+user`,
				`set\s+password`,
			},
		},
		{
			ID:             "recon_schema_001",
			Category:       CategoryReconnaissance,
			Severity:       detect.SeverityMedium,
			BaseConfidence: 0.7,
			Description:    "schema enumeration",
			Expressions: []string{
				`information_schema\.(tables|columns|schemata|user_privileges|routines)`,
			},
		},
		{
			ID:             "recon_user_001",
			Category:       CategoryReconnaissance,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.8,
			Description:    "credential table enumeration",
			Expressions: []string{
				`mysql\.user`,
				`select\s+.*(password|authentication_string)`,
			},
		},
		{
			ID:             "recon_version_001",
			Category:       CategoryReconnaissance,
			Severity:       detect.SeverityLow,
			BaseConfidence: 0.5,
			Description:    "server fingerprinting",
			Expressions: []string{
				`@@version`,
				`version\s*\(\s*\)`,
				`show\s+(variables|status|processlist|grants|databases)`,
			},
		},
		{
			ID:             "persistence_trigger_001",
			Category:       CategoryPersistence,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.85,
			Description:    "trigger installation",
			Expressions: []string{
				`create\s+trigger`,
			},
		},
		{
			ID:             "persistence_proc_001",
			Category:       CategoryPersistence,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.85,
			Description:    "stored routine installation",
			Expressions: []string{
				`create\s+(procedure|function)`,
			},
		},
		{
			ID:             "persistence_event_001",
			Category:       CategoryPersistence,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.85,
			Description:    "scheduled event installation",
			Expressions: []string{
				`create\s+event`,
				`event_scheduler`,
			},
		},
		{
			ID:             "persistence_user_001",
			Category:       CategoryPersistence,
			Severity:       detect.SeverityCritical,
			BaseConfidence: 0.9,
			Description:    "backdoor account installation",
			Expressions: []string{
				`create\s+user\s+.*identified\s+by`,
			},
		},
		{
			ID:             "exfil_bulk_001",
			Category:       CategoryExfiltration,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.8,
			Description:    "bulk extraction",
			Expressions: []string{
				`select\s+.*\s+limit\s+\d{4,}`,
			},
		},
		{
			ID:             "exfil_outfile_001",
			Category:       CategoryExfiltration,
			Severity:       detect.SeverityCritical,
			BaseConfidence: 0.9,
			Description:    "file-system export",
			Expressions: []string{
				`into\s+(outfile|dumpfile)`,
			},
		},
		{
			ID:             "exfil_encode_001",
			Category:       CategoryExfiltration,
			Severity:       detect.SeverityHigh,
			BaseConfidence: 0.8,
			Description:    "covert-channel encoding",
			Expressions: []string{
				`(hex|to_base64|compress)\s*\(`,
				`unhex\s*\(`,
			},
		},
	}
}
