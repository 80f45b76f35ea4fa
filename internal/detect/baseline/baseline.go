// Package baseline implements the behavioral baseline detector: it learns
// per-principal activity profiles and flags deviations once a profile has
// matured, keeping the false-positive surface small during warm-up.
package baseline

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/detect"
	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// DetectorName identifies this detector in detections and health reports.
const DetectorName = "behavioral_baseline"

// Config holds baseline learning and deviation thresholds.
type Config struct {
	LearningWindow         time.Duration // profile age required for maturity
	MinEvents              int           // events required for maturity
	DeviationThreshold     float64       // sigma multiplier for statistical deviations
	FrequencyMultiplier    float64       // connection-rate multiplier treated as anomalous
	DurationMultiplier     float64       // session-duration multiplier treated as anomalous
	AbsoluteSessionCeiling int           // structural concurrent-session ceiling (any maturity)
	MinKnownSubnets        int           // subnets learned before new-subnet anomalies fire
	MaxProfiles            int           // memory bound; least recently updated evicted
}

// DefaultConfig returns default baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		LearningWindow:         72 * time.Hour,
		MinEvents:              100,
		DeviationThreshold:     2.5,
		FrequencyMultiplier:    4,
		DurationMultiplier:     6,
		AbsoluteSessionCeiling: 5,
		MinKnownSubnets:        2,
		MaxProfiles:            10000,
	}
}

// Profile is the rolling statistical picture of one (principal, source_ip)
// pair. Only this detector mutates profiles.
type Profile struct {
	Principal     string
	SourceIP      string
	ActiveHours   map[int]int    // hour-of-day -> event count
	ActiveDays    map[int]int    // weekday -> event count
	Commands      map[string]int // command class -> count
	EventCount    int
	MaxConcurrent int

	// session duration statistics (Welford)
	durN    int
	durMean float64
	durM2   float64

	// connection-rate tracking
	hourBucket time.Time
	hourCount  int

	ProfileStart time.Time
	ProfileEnd   time.Time
}

// Mature reports whether the profile has enough longitudinal and
// categorical diversity for low/medium-confidence anomaly emission.
func (p *Profile) Mature(config *Config, knownHosts int) bool {
	if p.EventCount < config.MinEvents {
		return false
	}
	if p.ProfileEnd.Sub(p.ProfileStart) < config.LearningWindow {
		return false
	}
	return knownHosts > 0 && len(p.ActiveHours) >= 2 && len(p.Commands) >= 1
}

// durStddev returns the sample standard deviation of session durations.
func (p *Profile) durStddev() float64 {
	if p.durN < 2 {
		return 0
	}
	return math.Sqrt(p.durM2 / float64(p.durN-1))
}

// connectionsPerHour returns the learned average hourly event rate.
func (p *Profile) connectionsPerHour() float64 {
	hours := p.ProfileEnd.Sub(p.ProfileStart).Hours()
	if hours < 1 {
		hours = 1
	}
	return float64(p.EventCount) / hours
}

// principalState aggregates what is known about a principal across all of
// its source hosts.
type principalState struct {
	hosts          map[string]struct{}
	subnets        map[string]struct{}
	matureProfiles int
}

type profileKey struct {
	principal string
	sourceIP  string
}

// Detector learns baselines and emits behavioral anomaly detections.
type Detector struct {
	config     *Config
	mu         sync.RWMutex
	profiles   map[profileKey]*Profile
	principals map[string]*principalState
	logger     *logrus.Logger
}

// New creates a baseline detector.
func New(config *Config, logger *logrus.Logger) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Detector{
		config:     config,
		profiles:   make(map[profileKey]*Profile),
		principals: make(map[string]*principalState),
		logger:     logger,
	}
}

// Name implements detect.Detector.
func (d *Detector) Name() string { return DetectorName }

// Healthy implements detect.Detector.
func (d *Detector) Healthy() bool { return true }

// Process evaluates one event against the learned profile, then folds the
// event into the profile. Immature profiles only emit the two structural
// high-confidence anomalies; everything else waits for maturity.
func (d *Detector) Process(ctx context.Context, event *pipeline.Event) []*detect.Detection {
	if event == nil || event.Principal == "" {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	command := detailString(event.Details, "command")
	duration := detailFloat(event.Details, "duration")
	concurrent := detailInt(event.Details, "concurrent_sessions")

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.principals[event.Principal]
	if state == nil {
		state = &principalState{
			hosts:   make(map[string]struct{}),
			subnets: make(map[string]struct{}),
		}
		d.principals[event.Principal] = state
	}

	key := profileKey{principal: event.Principal, sourceIP: event.SourceIP}
	profile := d.profiles[key]
	if profile == nil {
		profile = &Profile{
			Principal:    event.Principal,
			SourceIP:     event.SourceIP,
			ActiveHours:  make(map[int]int),
			ActiveDays:   make(map[int]int),
			Commands:     make(map[string]int),
			ProfileStart: event.Timestamp,
			ProfileEnd:   event.Timestamp,
		}
		d.evictIfFull()
		d.profiles[key] = profile
	}

	var detections []*detect.Detection

	pairMature := profile.Mature(d.config, len(state.hosts))

	// Structural anomalies fire while the pair profile is still warming up.
	if concurrent > d.config.AbsoluteSessionCeiling && !pairMature {
		detections = append(detections, d.structural(event,
			"excessive_concurrent_sessions", 0.9,
			fmt.Sprintf("principal %s holds %d concurrent sessions (ceiling %d)",
				event.Principal, concurrent, d.config.AbsoluteSessionCeiling)).
			WithIndicator("concurrent_sessions", concurrent).
			WithIndicator("ceiling", d.config.AbsoluteSessionCeiling))
	}

	subnet := subnet24(event.SourceIP)
	if _, known := state.subnets[subnet]; !known && len(state.subnets) >= d.config.MinKnownSubnets {
		detections = append(detections, d.structural(event,
			"new_subnet_connection", 0.8,
			fmt.Sprintf("principal %s connected from previously unseen subnet %s",
				event.Principal, subnet)).
			WithIndicator("subnet", subnet).
			WithIndicator("known_subnets", len(state.subnets)))
	}

	// The new-host check consults the principal's established baselines on
	// other hosts; the pair profile for a new host is by definition fresh.
	if state.matureProfiles > 0 && event.SourceIP != "" {
		if _, known := state.hosts[event.SourceIP]; !known {
			detections = append(detections, d.deviation(event,
				"new_host_connection", detect.SeverityMedium, 0.6,
				fmt.Sprintf("principal %s connected from new host %s", event.Principal, event.SourceIP)).
				WithIndicator("host", event.SourceIP))
		}
	}

	if pairMature {
		detections = append(detections, d.matureDeviations(event, profile, command, duration, concurrent)...)
	}

	d.learn(event, profile, state, command, duration, concurrent)

	return detections
}

// matureDeviations runs the deviation checks that are only trusted once
// the pair profile has matured.
func (d *Detector) matureDeviations(event *pipeline.Event, profile *Profile, command string, duration float64, concurrent int) []*detect.Detection {
	var out []*detect.Detection

	hour := event.Timestamp.Hour()
	weekday := int(event.Timestamp.Weekday())
	if profile.ActiveHours[hour] == 0 || profile.ActiveDays[weekday] == 0 {
		out = append(out, d.deviation(event,
			"unusual_time_access", detect.SeverityLow, 0.4,
			fmt.Sprintf("principal %s active at %02d:00 on %s, outside its learned schedule",
				event.Principal, hour, event.Timestamp.Weekday())).
			WithIndicator("hour", hour).
			WithIndicator("weekday", weekday))
	}

	if concurrent > profile.MaxConcurrent && profile.MaxConcurrent > 0 {
		out = append(out, d.deviation(event,
			"excessive_concurrent_sessions", detect.SeverityHigh, 0.8,
			fmt.Sprintf("principal %s holds %d concurrent sessions, above learned maximum %d",
				event.Principal, concurrent, profile.MaxConcurrent)).
			WithIndicator("concurrent_sessions", concurrent).
			WithIndicator("learned_max", profile.MaxConcurrent))
	}

	if command != "" && profile.Commands[command] == 0 {
		out = append(out, d.deviation(event,
			"unknown_command", detect.SeverityMedium, 0.6,
			fmt.Sprintf("principal %s issued unfamiliar command class %q", event.Principal, command)).
			WithIndicator("command", command))
	}

	if event.Type == pipeline.EventDBConnection {
		rate := profile.connectionsPerHour()
		if rate > 0 && float64(profile.hourCount+1) > rate*d.config.FrequencyMultiplier {
			out = append(out, d.deviation(event,
				"connection_frequency_anomaly", detect.SeverityMedium, 0.6,
				fmt.Sprintf("principal %s connection rate exceeds %.0fx its learned hourly rate",
					event.Principal, d.config.FrequencyMultiplier)).
				WithIndicator("hour_count", profile.hourCount+1).
				WithIndicator("learned_rate", rate))
		}
	}

	if duration > 0 && profile.durN >= 5 {
		stddev := profile.durStddev()
		overSigma := stddev > 0 && duration > profile.durMean+d.config.DeviationThreshold*stddev
		overMultiple := duration > profile.durMean*d.config.DurationMultiplier
		if overSigma || overMultiple {
			out = append(out, d.deviation(event,
				"session_duration_anomaly", detect.SeverityMedium, 0.6,
				fmt.Sprintf("principal %s session ran %.0fs against a learned mean of %.0fs",
					event.Principal, duration, profile.durMean)).
				WithIndicator("duration", duration).
				WithIndicator("mean_duration", profile.durMean).
				WithIndicator("stddev", stddev))
		}
	}

	return out
}

// learn folds the event into the profile and principal aggregates.
func (d *Detector) learn(event *pipeline.Event, profile *Profile, state *principalState, command string, duration float64, concurrent int) {
	wasMature := profile.Mature(d.config, len(state.hosts))

	profile.EventCount++
	if event.Timestamp.Before(profile.ProfileStart) {
		profile.ProfileStart = event.Timestamp
	}
	if event.Timestamp.After(profile.ProfileEnd) {
		profile.ProfileEnd = event.Timestamp
	}

	profile.ActiveHours[event.Timestamp.Hour()]++
	profile.ActiveDays[int(event.Timestamp.Weekday())]++
	if command != "" {
		profile.Commands[command]++
	}
	if concurrent > profile.MaxConcurrent {
		profile.MaxConcurrent = concurrent
	}

	if duration > 0 {
		profile.durN++
		delta := duration - profile.durMean
		profile.durMean += delta / float64(profile.durN)
		profile.durM2 += delta * (duration - profile.durMean)
	}

	bucket := event.Timestamp.Truncate(time.Hour)
	if profile.hourBucket.Equal(bucket) {
		profile.hourCount++
	} else {
		profile.hourBucket = bucket
		profile.hourCount = 1
	}

	if event.SourceIP != "" {
		state.hosts[event.SourceIP] = struct{}{}
		state.subnets[subnet24(event.SourceIP)] = struct{}{}
	}

	if !wasMature && profile.Mature(d.config, len(state.hosts)) {
		state.matureProfiles++
		d.logger.WithFields(logrus.Fields{
			"principal": profile.Principal,
			"source_ip": profile.SourceIP,
			"events":    profile.EventCount,
		}).Info("Baseline profile matured")
	}
}

func (d *Detector) structural(event *pipeline.Event, threatType string, confidence float64, description string) *detect.Detection {
	return detect.NewDetection(DetectorName, threatType, detect.SeverityHigh, confidence, description).
		WithEvent(event).
		WithActions(detect.ActionAlertOperators, detect.ActionMonitor)
}

func (d *Detector) deviation(event *pipeline.Event, threatType string, severity detect.Severity, confidence float64, description string) *detect.Detection {
	det := detect.NewDetection(DetectorName, threatType, severity, confidence, description).
		WithEvent(event)
	if severity.AtLeast(detect.SeverityHigh) {
		det.WithActions(detect.ActionAlertOperators, detect.ActionIsolate)
	} else {
		det.WithActions(detect.ActionMonitor)
	}
	return det
}

// evictIfFull drops the least recently updated profile when at capacity.
// Caller holds the lock.
func (d *Detector) evictIfFull() {
	if d.config.MaxProfiles <= 0 || len(d.profiles) < d.config.MaxProfiles {
		return
	}
	var oldestKey profileKey
	var oldest time.Time
	first := true
	for key, p := range d.profiles {
		if first || p.ProfileEnd.Before(oldest) {
			oldestKey = key
			oldest = p.ProfileEnd
			first = false
		}
	}
	delete(d.profiles, oldestKey)
}

// ProfileCount returns the number of tracked profiles.
func (d *Detector) ProfileCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

// Snapshot returns a copy of the profile for one (principal, source) pair,
// or nil when absent.
func (d *Detector) Snapshot(principal, sourceIP string) *Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()

	profile := d.profiles[profileKey{principal: principal, sourceIP: sourceIP}]
	if profile == nil {
		return nil
	}

	clone := *profile
	clone.ActiveHours = make(map[int]int, len(profile.ActiveHours))
	for k, v := range profile.ActiveHours {
		clone.ActiveHours[k] = v
	}
	clone.ActiveDays = make(map[int]int, len(profile.ActiveDays))
	for k, v := range profile.ActiveDays {
		clone.ActiveDays[k] = v
	}
	clone.Commands = make(map[string]int, len(profile.Commands))
	for k, v := range profile.Commands {
		clone.Commands[k] = v
	}
	return &clone
}

// subnet24 reduces an IPv4 address to its /24 prefix; other values map to
// themselves so they still group consistently.
func subnet24(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ip
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
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

func detailInt(details map[string]interface{}, key string) int {
	if details == nil {
		return 0
	}
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
