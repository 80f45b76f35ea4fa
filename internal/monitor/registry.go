package monitor

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// Handle addresses one registered component. Components never hold
// references to each other or back to the monitor; anything that needs
// to reach a component goes through the registry with its handle, which
// keeps construction acyclic and makes teardown order explicit.
type Handle int

// Capability declares the roles a component plays. The monitor wires
// pipelines by capability, not by concrete type.
type Capability uint8

const (
	// CapSource produces observation events.
	CapSource Capability = 1 << iota
	// CapDetector consumes events and emits detections.
	CapDetector
	// CapResponder executes response actions.
	CapResponder
	// CapIntegrity guards the monitor's own files and state.
	CapIntegrity
)

func (c Capability) has(want Capability) bool { return c&want != 0 }

// registration is one component slot in the registry arena.
type registration struct {
	handle Handle
	name   string
	caps   Capability
	impl   interface{}
	// critical marks components whose failure activates emergency
	// protocols rather than just degrading status.
	critical bool
	// affected is the component reported in failure detections.
	affected pipeline.Component
	// healthy is polled by the supervisor; nil means unmonitored.
	healthy func(context.Context) bool
	// close tears the component down; nil for passive components.
	close func() error
}

// registry is the monitor's component arena. Handles are stable for the
// registry's lifetime and double as the startup order; teardown walks
// them in reverse.
type registry struct {
	mu   sync.Mutex
	regs []*registration
}

func (r *registry) add(reg *registration) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg.close != nil {
		reg.close = onceCloser(reg.close)
	}
	reg.handle = Handle(len(r.regs))
	r.regs = append(r.regs, reg)
	return reg.handle
}

// onceCloser makes a close function idempotent. Teardown reaches some
// components through more than one path (sources are stopped before the
// drain, then swept again with everything else) and repeated closes of
// file-backed state would error.
func onceCloser(fn func() error) func() error {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() { err = fn() })
		return err
	}
}

// all returns the registrations in handle order.
func (r *registry) all() []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// byCapability returns the registrations declaring cap, in handle order.
func (r *registry) byCapability(cap Capability) []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*registration
	for _, reg := range r.regs {
		if reg.caps.has(cap) {
			out = append(out, reg)
		}
	}
	return out
}

// closeAll tears components down in reverse registration order, so
// consumers stop before the things they consume. Errors are logged and
// the walk continues; a component that fails to close must not strand
// the rest.
func (r *registry) closeAll(logger *logrus.Logger) {
	r.mu.Lock()
	regs := make([]*registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.Unlock()

	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		if reg.close == nil {
			continue
		}
		if err := reg.close(); err != nil {
			logger.WithError(err).WithField("component", reg.name).Warn("Component close failed")
		}
	}
}
