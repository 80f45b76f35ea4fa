package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds pipeline configuration.
type Config struct {
	RingCapacity    int           // bounded event history size
	MaxEventAge     time.Duration // retention for ring events
	DedupWindow     time.Duration // identical events within this window are dropped
	JanitorInterval time.Duration // ring/dedup maintenance cadence
	Bus             *BusConfig
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		RingCapacity:    50000,
		MaxEventAge:     48 * time.Hour,
		DedupWindow:     5 * time.Second,
		JanitorInterval: time.Minute,
		Bus:             DefaultBusConfig(),
	}
}

// Metrics tracks pipeline counters.
type Metrics struct {
	EventsIngested     int64
	EventsDeduplicated int64
	EventsRejected     int64
}

// Pipeline is the normalization and distribution stage: it seals raw
// observations, drops near-duplicates, retains events in the bounded ring
// and fans them out to detectors.
type Pipeline struct {
	config     *Config
	normalizer *Normalizer
	ring       *Ring
	bus        *Bus

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	metrics Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *logrus.Logger
}

// New creates a running pipeline sealing events under secret.
func New(config *Config, secret []byte, logger *logrus.Logger) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	normalizer, err := NewNormalizer(secret)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		config:     config,
		normalizer: normalizer,
		ring:       NewRing(config.RingCapacity, config.MaxEventAge),
		bus:        NewBus(config.Bus),
		dedup:      make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}

	p.wg.Add(1)
	go p.janitorLoop()

	return p, nil
}

// Ingest normalizes, seals and distributes one event. It returns false
// when the event was deduplicated; the caller treats that as success.
func (p *Pipeline) Ingest(event *Event) (bool, error) {
	if err := p.normalizer.Normalize(event); err != nil {
		atomic.AddInt64(&p.metrics.EventsRejected, 1)
		return false, err
	}

	if p.isDuplicate(event) {
		atomic.AddInt64(&p.metrics.EventsDeduplicated, 1)
		p.logger.WithFields(logrus.Fields{
			"event_type": event.Type,
			"source_ip":  event.SourceIP,
			"principal":  event.Principal,
		}).Debug("Duplicate event suppressed")
		return false, nil
	}

	p.ring.Add(event)
	p.bus.Publish(event)
	atomic.AddInt64(&p.metrics.EventsIngested, 1)
	return true, nil
}

// isDuplicate records the event fingerprint and reports whether the same
// fingerprint was seen within the dedup window.
func (p *Pipeline) isDuplicate(event *Event) bool {
	now := event.Timestamp

	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	fp := event.Fingerprint()
	if last, ok := p.dedup[fp]; ok && now.Sub(last) < p.config.DedupWindow {
		return true
	}
	p.dedup[fp] = now
	return false
}

// Subscribe registers a named detector for the given event types.
func (p *Pipeline) Subscribe(name string, types ...EventType) <-chan *Event {
	return p.bus.Subscribe(name, types...)
}

// Unsubscribe removes a subscriber by channel.
func (p *Pipeline) Unsubscribe(ch <-chan *Event) {
	p.bus.Unsubscribe(ch)
}

// Ring exposes the retained event history for evidence validation and
// correlation window reads.
func (p *Pipeline) Ring() *Ring {
	return p.ring
}

// Verify re-checks an event's integrity seal.
func (p *Pipeline) Verify(event *Event) (bool, error) {
	return p.normalizer.Verify(event)
}

// Metrics returns a copy of the pipeline counters.
func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		EventsIngested:     atomic.LoadInt64(&p.metrics.EventsIngested),
		EventsDeduplicated: atomic.LoadInt64(&p.metrics.EventsDeduplicated),
		EventsRejected:     atomic.LoadInt64(&p.metrics.EventsRejected),
	}
}

// BusMetrics returns a copy of the fan-out counters.
func (p *Pipeline) BusMetrics() BusMetrics {
	return p.bus.Metrics()
}

// janitorLoop prunes expired ring events and stale dedup fingerprints.
func (p *Pipeline) janitorLoop() {
	defer p.wg.Done()

	interval := p.config.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			dropped := p.ring.Prune(now.UTC())
			if dropped > 0 {
				p.logger.WithField("dropped", dropped).Debug("Pruned expired events")
			}
			p.pruneDedup(now.UTC())
		}
	}
}

func (p *Pipeline) pruneDedup(now time.Time) {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	for fp, last := range p.dedup {
		if now.Sub(last) >= p.config.DedupWindow {
			delete(p.dedup, fp)
		}
	}
}

// Close stops maintenance and closes all subscriber channels.
func (p *Pipeline) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.bus.Close()
}
