// Package advanced implements the sophisticated-attack detector: three
// analyzers (persistence, exfiltration, evasion) sharing one analysis
// window, combining pattern indicators with statistical anomaly checks.
package advanced

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// DetectorName identifies this detector in detections and health reports.
const DetectorName = "advanced_threat"

// Config holds thresholds for the three analyzers.
type Config struct {
	AnalysisWindow           time.Duration // persistence indicator accumulation window
	MinPersistenceIndicators int           // indicators required to promote to a detection
	EvasionWindow            time.Duration // evasion indicator window
	QuerySizeSigma           float64       // sigma multiplier for query-size anomalies
	MinSizeSamples           int           // samples before size anomalies are trusted
	BulkRowThreshold         int           // rows_sent at or above is bulk extraction
	MinTimingSamples         int           // intervals before regularity is evaluated
	TimingRegularityRatio    float64       // fraction of intervals near the mean
	TimingTolerance          float64       // relative tolerance around the mean interval
	JaccardLow               float64       // variant similarity lower bound (exclusive)
	JaccardHigh              float64       // variant similarity upper bound (exclusive)
	PrivilegedAccounts       []string
	MaxTrackedKeys           int // per-analyzer state bound
}

// DefaultConfig returns default advanced-threat configuration.
func DefaultConfig() *Config {
	return &Config{
		AnalysisWindow:           24 * time.Hour,
		MinPersistenceIndicators: 2,
		EvasionWindow:            30 * time.Minute,
		QuerySizeSigma:           2.5,
		MinSizeSamples:           5,
		BulkRowThreshold:         1000,
		MinTimingSamples:         10,
		TimingRegularityRatio:    0.8,
		TimingTolerance:          0.1,
		JaccardLow:               0.7,
		JaccardHigh:              0.95,
		PrivilegedAccounts:       []string{"uba_user"},
		MaxTrackedKeys:           5000,
	}
}

// Detector runs the persistence, exfiltration and evasion analyzers over
// every event. Each finding is emitted exactly once through this single
// path; analyzers never emit directly.
type Detector struct {
	config *Config

	// Tunable at runtime by the adaptive update path; atomics so the
	// analyzers read them without locking.
	windowNanos    int64
	minPersistence int64

	persistence  *persistenceAnalyzer
	exfiltration *exfiltrationAnalyzer
	evasion      *evasionAnalyzer
	logger       *logrus.Logger
}

// New creates an advanced-threat detector.
func New(config *Config, logger *logrus.Logger) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	d := &Detector{
		config:         config,
		windowNanos:    int64(config.AnalysisWindow),
		minPersistence: int64(config.MinPersistenceIndicators),
		logger:         logger,
	}
	d.persistence = newPersistenceAnalyzer(d)
	d.exfiltration = newExfiltrationAnalyzer(config)
	d.evasion = newEvasionAnalyzer(config)
	return d
}

// Name implements detect.Detector.
func (d *Detector) Name() string { return DetectorName }

// Healthy implements detect.Detector.
func (d *Detector) Healthy() bool { return true }

// Process implements detect.Detector.
func (d *Detector) Process(ctx context.Context, event *pipeline.Event) []*detect.Detection {
	if event == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	var detections []*detect.Detection
	detections = append(detections, d.persistence.analyze(event)...)
	detections = append(detections, d.exfiltration.analyze(event)...)
	detections = append(detections, d.evasion.analyze(event)...)

	for _, det := range detections {
		d.logger.WithFields(logrus.Fields{
			"threat_type": det.Type,
			"severity":    det.Severity,
			"confidence":  det.Confidence,
			"principal":   det.Principal,
		}).Debug("Advanced threat detected")
	}

	return detections
}

// MinPersistenceIndicators returns the current persistence promotion
// threshold.
func (d *Detector) MinPersistenceIndicators() int {
	return int(atomic.LoadInt64(&d.minPersistence))
}

// SetMinPersistenceIndicators adjusts the persistence promotion threshold
// and returns the previous value; used by the adaptive update path.
func (d *Detector) SetMinPersistenceIndicators(n int) int {
	prev := int(atomic.LoadInt64(&d.minPersistence))
	if n > 0 {
		atomic.StoreInt64(&d.minPersistence, int64(n))
	}
	return prev
}

// AnalysisWindow returns the current persistence analysis window.
func (d *Detector) AnalysisWindow() time.Duration {
	return time.Duration(atomic.LoadInt64(&d.windowNanos))
}

// SetAnalysisWindow adjusts the persistence window and returns the
// previous value; used by the adaptive update path.
func (d *Detector) SetAnalysisWindow(w time.Duration) time.Duration {
	prev := time.Duration(atomic.LoadInt64(&d.windowNanos))
	if w > 0 {
		atomic.StoreInt64(&d.windowNanos, int64(w))
	}
	return prev
}

func privileged(config *Config, principal string) bool {
	for _, p := range config.PrivilegedAccounts {
		if p == principal {
			return true
		}
	}
	return false
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

func detailFloat(details map[string]interface{}, key string) float64 {
	if details == nil {
		return 0
	}
	switch v := details[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
