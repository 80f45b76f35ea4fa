package advanced

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// mechanism describes one way an attacker survives across restarts.
// Critical mechanisms grant direct control (a backdoor account, disabled
// auditing); the rest are HIGH.
type mechanism struct {
	Type     string
	Critical bool
	patterns []*regexp.Regexp
}

func persistenceMechanisms() []*mechanism {
	mk := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, regexp.MustCompile("(?i)"+e))
		}
		return out
	}

	return []*mechanism{
		{
			Type: "trigger_installation",
			patterns: mk(
				`create\s+trigger`,
				`(after|before)\s+(insert|update|delete)\s+on`,
			),
		},
		{
			Type: "stored_procedure",
			patterns: mk(
				`create\s+(procedure|function)`,
				`definer\s*=`,
			),
		},
		{
			Type: "scheduled_event",
			patterns: mk(
				`create\s+event`,
				`on\s+schedule\s+every`,
			),
		},
		{
			Type:     "backdoor_user",
			Critical: true,
			patterns: mk(
				`create\s+user`,
				`identified\s+by`,
			),
		},
		{
			Type:     "configuration_modification",
			Critical: true,
			patterns: mk(
				`set\s+global\s+(general_log|audit_log|log_output|event_scheduler)`,
				`(general_log|audit_log)\s*=\s*('?off'?|0)`,
			),
		},
	}
}

// indicator is one pattern hit inside the analysis window.
type indicator struct {
	at      time.Time
	pattern string
	eventID string
}

type persistenceKey struct {
	mechanism string
	sourceIP  string
	principal string
}

// persistenceAnalyzer accumulates mechanism indicators per
// (mechanism, source_ip, principal) and promotes a detection once enough
// indicators land inside the analysis window. The window and promotion
// threshold are read through the detector so adaptive updates take
// effect immediately.
type persistenceAnalyzer struct {
	det        *Detector
	config     *Config
	mechanisms []*mechanism

	mu      sync.Mutex
	windows map[persistenceKey][]indicator
}

func newPersistenceAnalyzer(det *Detector) *persistenceAnalyzer {
	return &persistenceAnalyzer{
		det:        det,
		config:     det.config,
		mechanisms: persistenceMechanisms(),
		windows:    make(map[persistenceKey][]indicator),
	}
}

func (a *persistenceAnalyzer) analyze(event *pipeline.Event) []*detect.Detection {
	query := detailString(event.Details, "query")
	if query == "" {
		return nil
	}

	var detections []*detect.Detection

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, mech := range a.mechanisms {
		var hits []string
		for _, re := range mech.patterns {
			if re.MatchString(query) {
				hits = append(hits, re.String())
			}
		}
		if len(hits) == 0 {
			continue
		}

		key := persistenceKey{mechanism: mech.Type, sourceIP: event.SourceIP, principal: event.Principal}
		window := a.windows[key]

		// Expire indicators that fell out of the window.
		cutoff := event.Timestamp.Add(-a.det.AnalysisWindow())
		kept := window[:0]
		for _, ind := range window {
			if ind.at.After(cutoff) {
				kept = append(kept, ind)
			}
		}
		window = kept

		for _, pat := range hits {
			window = append(window, indicator{at: event.Timestamp, pattern: pat, eventID: event.EventID})
		}

		if len(window) >= a.det.MinPersistenceIndicators() {
			detections = append(detections, a.promote(event, mech, window))
			// Promotion consumes the window; accumulation restarts.
			window = nil
		}

		a.windows[key] = window
	}

	if len(a.windows) > a.config.MaxTrackedKeys {
		a.sweep(event.Timestamp)
	}

	return detections
}

func (a *persistenceAnalyzer) promote(event *pipeline.Event, mech *mechanism, window []indicator) *detect.Detection {
	severity := detect.SeverityHigh
	if mech.Critical {
		severity = detect.SeverityCritical
	}

	confidence := 0.6 + 0.15*float64(len(window))
	if privileged(a.config, event.Principal) {
		confidence += 0.2
	}

	det := detect.NewDetection(DetectorName,
		"persistence_"+mech.Type,
		severity, confidence,
		fmt.Sprintf("%d %s indicators from %s within the analysis window",
			len(window), mech.Type, event.SourceIP)).
		WithIndicator("mechanism", mech.Type).
		WithIndicator("indicator_count", len(window)).
		WithActions(persistenceActions(severity)...)

	det.SourceIP = event.SourceIP
	det.Principal = event.Principal
	det.AddComponent(event.TargetComponent)
	if mech.Type == "backdoor_user" {
		det.AddComponent(pipeline.ComponentUserAccount)
	}
	if mech.Type == "configuration_modification" {
		det.AddComponent(pipeline.ComponentMonitoring)
	}

	seen := make(map[string]struct{}, len(window))
	for _, ind := range window {
		if _, dup := seen[ind.eventID]; dup {
			continue
		}
		seen[ind.eventID] = struct{}{}
		det.EvidenceChain = append(det.EvidenceChain, ind.eventID)
	}

	return det
}

func persistenceActions(severity detect.Severity) []string {
	if severity == detect.SeverityCritical {
		return []string{detect.ActionIsolate, detect.ActionRotateCredentials, detect.ActionSwitchBackup, detect.ActionAlertOperators}
	}
	return []string{detect.ActionIsolate, detect.ActionAlertOperators}
}

// sweep drops fully expired windows; caller holds the lock.
func (a *persistenceAnalyzer) sweep(now time.Time) {
	cutoff := now.Add(-a.det.AnalysisWindow())
	for key, window := range a.windows {
		live := false
		for _, ind := range window {
			if ind.at.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(a.windows, key)
		}
	}
}
