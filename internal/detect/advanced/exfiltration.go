package advanced

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

var (
	reBulkLimit = regexp.MustCompile(`(?i)select\s+.*\s+limit\s+\d{4,}`)
	reOutfile   = regexp.MustCompile(`(?i)into\s+(outfile|dumpfile)`)
	reEncoding  = regexp.MustCompile(`(?i)(hex|to_base64|compress|unhex)\s*\(`)
)

type exfilKey struct {
	principal string
	sourceIP  string
}

// principalSizeStats tracks per-principal result-size statistics (Welford).
type principalSizeStats struct {
	n    int
	mean float64
	m2   float64
}

func (s *principalSizeStats) update(x float64) {
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (x - s.mean)
}

func (s *principalSizeStats) stddev() float64 {
	if s.n < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.n-1))
}

// timingState tracks inter-arrival intervals per actor for the
// automation-signature check.
type timingState struct {
	last      time.Time
	intervals []float64
}

// exfiltrationAnalyzer combines pattern indicators with two statistical
// checks: result-size anomalies and inter-arrival regularity.
type exfiltrationAnalyzer struct {
	config *Config

	mu     sync.Mutex
	sizes  map[string]*principalSizeStats
	timing map[exfilKey]*timingState
}

func newExfiltrationAnalyzer(config *Config) *exfiltrationAnalyzer {
	return &exfiltrationAnalyzer{
		config: config,
		sizes:  make(map[string]*principalSizeStats),
		timing: make(map[exfilKey]*timingState),
	}
}

func (a *exfiltrationAnalyzer) analyze(event *pipeline.Event) []*detect.Detection {
	query := detailString(event.Details, "query")
	rows := detailFloat(event.Details, "rows_sent")

	var detections []*detect.Detection

	if query != "" {
		if reOutfile.MatchString(query) {
			detections = append(detections, a.finding(event, "file_export", 0.9,
				"statement writes result sets to the server file system"))
		}
		if reBulkLimit.MatchString(query) {
			detections = append(detections, a.finding(event, "bulk_extraction", 0.8,
				"statement requests an oversized result window"))
		}
		if reEncoding.MatchString(query) {
			detections = append(detections, a.finding(event, "covert_channel", 0.8,
				"statement encodes results before returning them"))
		}
	}

	if rows >= float64(a.config.BulkRowThreshold) && a.config.BulkRowThreshold > 0 {
		detections = append(detections, a.finding(event, "bulk_extraction", 0.75,
			fmt.Sprintf("statement returned %.0f rows (threshold %d)", rows, a.config.BulkRowThreshold)).
			WithIndicator("rows_sent", rows))
	}

	a.mu.Lock()
	if rows > 0 && event.Principal != "" {
		if det := a.checkSizeAnomaly(event, rows); det != nil {
			detections = append(detections, det)
		}
	}
	// Connection heartbeats would drown the inter-arrival signal; only
	// statement events count toward the automation check.
	if event.Principal != "" && event.Type == pipeline.EventSuspiciousQuery {
		if det := a.checkTimingRegularity(event); det != nil {
			detections = append(detections, det)
		}
	}
	a.mu.Unlock()

	return detections
}

// checkSizeAnomaly flags result sizes beyond mean + sigma*stddev for the
// principal. Caller holds the lock. The sample is folded in after the
// check so the event is not compared against itself.
func (a *exfiltrationAnalyzer) checkSizeAnomaly(event *pipeline.Event, rows float64) *detect.Detection {
	stats := a.sizes[event.Principal]
	if stats == nil {
		stats = &principalSizeStats{}
		a.sizes[event.Principal] = stats
	}

	var det *detect.Detection
	if stats.n >= a.config.MinSizeSamples {
		stddev := stats.stddev()
		if stddev > 0 && rows > stats.mean+a.config.QuerySizeSigma*stddev {
			det = a.finding(event, "query_size_anomaly", 0.8,
				fmt.Sprintf("result size %.0f rows exceeds the principal's norm of %.0f", rows, stats.mean)).
				WithIndicator("rows_sent", rows).
				WithIndicator("mean_rows", stats.mean).
				WithIndicator("stddev", stddev)
		}
	}

	stats.update(rows)
	return det
}

// checkTimingRegularity flags automation: a high fraction of inter-arrival
// intervals close to their mean. Caller holds the lock. Samples reset
// after a finding so the signal has to re-establish itself.
func (a *exfiltrationAnalyzer) checkTimingRegularity(event *pipeline.Event) *detect.Detection {
	key := exfilKey{principal: event.Principal, sourceIP: event.SourceIP}
	state := a.timing[key]
	if state == nil {
		state = &timingState{}
		a.timing[key] = state
	}

	if !state.last.IsZero() {
		interval := event.Timestamp.Sub(state.last).Seconds()
		if interval > 0 {
			state.intervals = append(state.intervals, interval)
			if len(state.intervals) > 2*a.config.MinTimingSamples {
				state.intervals = state.intervals[1:]
			}
		}
	}
	state.last = event.Timestamp

	if len(state.intervals) < a.config.MinTimingSamples {
		return nil
	}

	var sum float64
	for _, iv := range state.intervals {
		sum += iv
	}
	mean := sum / float64(len(state.intervals))
	if mean <= 0 {
		return nil
	}

	within := 0
	for _, iv := range state.intervals {
		if math.Abs(iv-mean) <= a.config.TimingTolerance*mean {
			within++
		}
	}
	ratio := float64(within) / float64(len(state.intervals))
	if ratio <= a.config.TimingRegularityRatio {
		return nil
	}

	det := a.finding(event, "timing_regularity", 0.6+0.4*ratio,
		fmt.Sprintf("%.0f%% of %d query intervals within %.0f%% of the mean, an automation signature",
			ratio*100, len(state.intervals), a.config.TimingTolerance*100)).
		WithIndicator("interval_mean_seconds", mean).
		WithIndicator("regular_ratio", ratio).
		WithIndicator("samples", len(state.intervals))

	state.intervals = nil
	return det
}

// finding builds an exfiltration detection; severity escalates to
// CRITICAL for the privileged account or very high confidence.
func (a *exfiltrationAnalyzer) finding(event *pipeline.Event, kind string, confidence float64, description string) *detect.Detection {
	if privileged(a.config, event.Principal) {
		confidence += 0.2
	}
	confidence = detect.ClampConfidence(confidence)

	severity := detect.SeverityHigh
	if privileged(a.config, event.Principal) || confidence >= 0.9 {
		severity = detect.SeverityCritical
	}

	actions := []string{detect.ActionIsolate, detect.ActionAlertOperators}
	if severity == detect.SeverityCritical {
		actions = []string{detect.ActionIsolate, detect.ActionRotateCredentials, detect.ActionAlertOperators}
	}

	return detect.NewDetection(DetectorName, "exfiltration_"+kind, severity, confidence, description).
		WithEvent(event).
		WithIndicator("kind", kind).
		WithActions(actions...)
}
