package advanced

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

var (
	reObfComment    = regexp.MustCompile(`(?s)/\*.*?\*/|--(\s|$)`)
	reObfHex        = regexp.MustCompile(`(?i)0x[0-9a-f]{8,}`)
	reObfChar       = regexp.MustCompile(`(?i)char\s*\(\s*\d+`)
	reObfWhitespace = regexp.MustCompile(`\s{10,}`)
	reDelay         = regexp.MustCompile(`(?i)(sleep|benchmark|get_lock)\s*\(`)
)

// maxRecentQueries bounds the per-actor history used by the variant check.
const maxRecentQueries = 20

type evasionKey struct {
	principal string
	sourceIP  string
}

type evasionEmitKey struct {
	technique string
	principal string
	sourceIP  string
}

type recentQuery struct {
	at     time.Time
	tokens map[string]struct{}
}

// evasionAnalyzer spots attempts to slip past the other detectors:
// obfuscated statements, timing probes and systematic near-duplicate
// queries. One finding per (technique, actor) per evasion window.
type evasionAnalyzer struct {
	config *Config

	mu       sync.Mutex
	recent   map[evasionKey][]recentQuery
	lastEmit map[evasionEmitKey]time.Time
}

func newEvasionAnalyzer(config *Config) *evasionAnalyzer {
	return &evasionAnalyzer{
		config:   config,
		recent:   make(map[evasionKey][]recentQuery),
		lastEmit: make(map[evasionEmitKey]time.Time),
	}
}

func (a *evasionAnalyzer) analyze(event *pipeline.Event) []*detect.Detection {
	query := detailString(event.Details, "query")
	if query == "" {
		return nil
	}

	var detections []*detect.Detection

	a.mu.Lock()
	defer a.mu.Unlock()

	if signals := obfuscationSignals(query); len(signals) > 0 {
		if det := a.finding(event, "obfuscation", detect.SeverityHigh, 0.75,
			fmt.Sprintf("statement uses %s to hide its intent", strings.Join(signals, ", "))); det != nil {
			det.WithIndicator("signals", signals)
			detections = append(detections, det)
		}
	}

	if m := reDelay.FindString(query); m != "" {
		if det := a.finding(event, "artificial_delay", detect.SeverityMedium, 0.7,
			"statement calls timing functions used to probe blind injection"); det != nil {
			det.WithIndicator("matched_text", m)
			detections = append(detections, det)
		}
	}

	if det := a.checkVariants(event, query); det != nil {
		detections = append(detections, det)
	}

	if len(a.recent) > a.config.MaxTrackedKeys {
		a.sweep(event.Timestamp)
	}

	return detections
}

// checkVariants compares the statement's token set against the actor's
// recent queries. Similarity strictly between the Jaccard bounds means a
// near-duplicate: too alike to be independent work, too different to be a
// plain retry. Caller holds the lock.
func (a *evasionAnalyzer) checkVariants(event *pipeline.Event, query string) *detect.Detection {
	key := evasionKey{principal: event.Principal, sourceIP: event.SourceIP}
	tokens := queryTokens(query)

	cutoff := event.Timestamp.Add(-a.config.EvasionWindow)
	history := a.recent[key]
	kept := history[:0]
	for _, q := range history {
		if q.at.After(cutoff) {
			kept = append(kept, q)
		}
	}
	history = kept

	variants := 0
	best := 0.0
	for _, q := range history {
		sim := jaccard(tokens, q.tokens)
		if sim > a.config.JaccardLow && sim < a.config.JaccardHigh {
			variants++
			if sim > best {
				best = sim
			}
		}
	}

	history = append(history, recentQuery{at: event.Timestamp, tokens: tokens})
	if len(history) > maxRecentQueries {
		history = history[len(history)-maxRecentQueries:]
	}
	a.recent[key] = history

	if variants == 0 {
		return nil
	}

	det := a.finding(event, "query_variation", detect.SeverityMedium, 0.7,
		fmt.Sprintf("statement is a near-duplicate of %d recent queries, a signature of systematic probing", variants))
	if det == nil {
		return nil
	}
	return det.
		WithIndicator("variant_count", variants).
		WithIndicator("best_similarity", best)
}

// finding builds an evasion detection unless the same technique from the
// same actor already fired inside the evasion window. Caller holds the
// lock. Evasion by the privileged monitoring account escalates a rank.
func (a *evasionAnalyzer) finding(event *pipeline.Event, technique string, severity detect.Severity, confidence float64, description string) *detect.Detection {
	key := evasionEmitKey{technique: technique, principal: event.Principal, sourceIP: event.SourceIP}
	if last, ok := a.lastEmit[key]; ok && event.Timestamp.Sub(last) < a.config.EvasionWindow {
		return nil
	}
	a.lastEmit[key] = event.Timestamp

	if privileged(a.config, event.Principal) {
		confidence += 0.2
		switch severity {
		case detect.SeverityMedium:
			severity = detect.SeverityHigh
		case detect.SeverityHigh:
			severity = detect.SeverityCritical
		}
	}

	actions := []string{detect.ActionMonitor, detect.ActionAlertOperators}
	if severity.AtLeast(detect.SeverityHigh) {
		actions = []string{detect.ActionIsolate, detect.ActionAlertOperators}
	}

	return detect.NewDetection(DetectorName, "evasion_"+technique, severity, confidence, description).
		WithEvent(event).
		WithIndicator("technique", technique).
		WithActions(actions...)
}

// sweep drops actor state with nothing live inside the window; caller
// holds the lock.
func (a *evasionAnalyzer) sweep(now time.Time) {
	cutoff := now.Add(-a.config.EvasionWindow)
	for key, history := range a.recent {
		live := false
		for _, q := range history {
			if q.at.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(a.recent, key)
		}
	}
	for key, at := range a.lastEmit {
		if !at.After(cutoff) {
			delete(a.lastEmit, key)
		}
	}
}

func obfuscationSignals(query string) []string {
	var signals []string
	if reObfComment.MatchString(query) {
		signals = append(signals, "inline_comments")
	}
	if reObfHex.MatchString(query) {
		signals = append(signals, "hex_literals")
	}
	if reObfChar.MatchString(query) {
		signals = append(signals, "char_assembly")
	}
	if reObfWhitespace.MatchString(query) {
		signals = append(signals, "whitespace_padding")
	}
	return signals
}

// queryTokens lowercases the statement and splits it into its identifier
// and literal tokens.
func queryTokens(query string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens[b.String()] = struct{}{}
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens[b.String()] = struct{}{}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
