package contract

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steadyhand/api/schemas"
	"github.com/xkilldash9x/steadyhand/internal/controller"
	"github.com/xkilldash9x/steadyhand/internal/gate"
	"github.com/xkilldash9x/steadyhand/internal/tracker"
)

// SurfaceConfig carries the per-surface tuning shared by the components a
// Manager assembles.
type SurfaceConfig struct {
	Engine     Config
	Controller controller.Config
	// GateThreshold, GateGridSize and GatePixelDelta tune the per-surface
	// change gate.
	GateThreshold   float64
	GateGridSize    int
	GatePixelDelta  int
	HistoryCapacity int
}

// Manager owns one engine per surface. A surface is processed strictly
// sequentially by its own engine; independent surfaces may run
// concurrently, each with its own gate and tracker. Gate state lives on
// the engine instance keyed here, never in package globals, and is torn
// down explicitly when the surface closes.
type Manager struct {
	logger *zap.Logger
	cfg    SurfaceConfig

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates an empty surface registry.
func NewManager(logger *zap.Logger, cfg SurfaceConfig) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger.Named("surfaces"),
		cfg:     cfg,
		engines: make(map[string]*Engine),
	}
}

// Attach registers a surface and assembles its engine over the supplied
// capabilities. Attaching an already registered surface is an error;
// detach it first.
func (m *Manager) Attach(surfaceID string, driver schemas.StructuralDriver, perception schemas.PerceptionBackend, input schemas.InputBackend) (*Engine, error) {
	if surfaceID == "" {
		return nil, fmt.Errorf("surface id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[surfaceID]; exists {
		return nil, fmt.Errorf("surface %q is already attached", surfaceID)
	}

	gateOpts := []gate.Option{}
	if m.cfg.GateThreshold > 0 {
		gateOpts = append(gateOpts, gate.WithThreshold(m.cfg.GateThreshold))
	}
	if m.cfg.GateGridSize > 0 {
		gateOpts = append(gateOpts, gate.WithGridSize(m.cfg.GateGridSize))
	}
	if m.cfg.GatePixelDelta > 0 {
		gateOpts = append(gateOpts, gate.WithPixelDelta(m.cfg.GatePixelDelta))
	}

	g := gate.New(m.logger, gate.NewDriverSource(driver), gateOpts...)
	tr := tracker.New(m.logger, surfaceID, m.cfg.HistoryCapacity)
	ctrl := controller.New(m.logger, driver, perception, input, m.cfg.Controller)
	engine := New(m.logger, surfaceID, driver, perception, g, tr, ctrl, m.cfg.Engine)

	m.engines[surfaceID] = engine
	m.logger.Info("Surface attached.", zap.String("surface", surfaceID))
	return engine, nil
}

// Engine returns the engine for a registered surface.
func (m *Manager) Engine(surfaceID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[surfaceID]
	return e, ok
}

// Detach tears down a surface's engine and drops its gate and tracker
// state.
func (m *Manager) Detach(surfaceID string) {
	m.mu.Lock()
	engine, ok := m.engines[surfaceID]
	delete(m.engines, surfaceID)
	m.mu.Unlock()

	if ok {
		engine.gate.Reset()
		engine.tracker.Reset()
		m.logger.Info("Surface detached.", zap.String("surface", surfaceID))
	}
}

// Surfaces lists the registered surface ids.
func (m *Manager) Surfaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	return ids
}
