package response

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// IsolationLevel is how far a component is cut off.
type IsolationLevel string

// Isolation levels, weakest to strongest.
const (
	IsolationNone     IsolationLevel = "none"
	IsolationNetwork  IsolationLevel = "network"
	IsolationService  IsolationLevel = "service"
	IsolationComplete IsolationLevel = "complete"
)

func (l IsolationLevel) rank() int {
	switch l {
	case IsolationNetwork:
		return 1
	case IsolationService:
		return 2
	case IsolationComplete:
		return 3
	default:
		return 0
	}
}

// Isolator applies and lifts component isolation. The in-memory
// implementation tracks state; deployments put firewall or proxy
// controls behind the same interface.
type Isolator interface {
	Isolate(ctx context.Context, component pipeline.Component, level IsolationLevel) error
	Lift(ctx context.Context, component pipeline.Component) error
}

// MemoryIsolator tracks isolation state in process.
type MemoryIsolator struct {
	mu     sync.Mutex
	levels map[pipeline.Component]IsolationLevel
}

// NewMemoryIsolator creates an isolator with nothing isolated.
func NewMemoryIsolator() *MemoryIsolator {
	return &MemoryIsolator{levels: make(map[pipeline.Component]IsolationLevel)}
}

// Isolate implements Isolator.
func (m *MemoryIsolator) Isolate(_ context.Context, component pipeline.Component, level IsolationLevel) error {
	if level == IsolationNone {
		return fmt.Errorf("cannot isolate %s at level none", component)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[component] = level
	return nil
}

// Lift implements Isolator.
func (m *MemoryIsolator) Lift(_ context.Context, component pipeline.Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels, component)
	return nil
}

// Level returns the component's current isolation level.
func (m *MemoryIsolator) Level(component pipeline.Component) IsolationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level, ok := m.levels[component]; ok {
		return level
	}
	return IsolationNone
}

// EndpointSwitcher moves traffic between the primary database endpoint
// and the configured backup.
type EndpointSwitcher interface {
	SwitchToBackup(ctx context.Context) (string, error)
	SwitchToPrimary(ctx context.Context) (string, error)
	Active() string
}

// MemorySwitcher is the in-process EndpointSwitcher.
type MemorySwitcher struct {
	mu      sync.Mutex
	primary string
	backup  string
	active  string
}

// NewMemorySwitcher creates a switcher serving the primary endpoint.
func NewMemorySwitcher(primary, backup string) *MemorySwitcher {
	return &MemorySwitcher{primary: primary, backup: backup, active: primary}
}

// SwitchToBackup implements EndpointSwitcher.
func (m *MemorySwitcher) SwitchToBackup(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == "" {
		return "", fmt.Errorf("no backup endpoint configured")
	}
	m.active = m.backup
	return m.active, nil
}

// SwitchToPrimary implements EndpointSwitcher.
func (m *MemorySwitcher) SwitchToPrimary(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = m.primary
	return m.active, nil
}

// Active implements EndpointSwitcher.
func (m *MemorySwitcher) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
