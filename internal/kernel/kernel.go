// Package kernel assembles the runtime: scheduler, event bus, state store,
// signal dispatcher, service registry and auth manager, plus the core
// configuration reported to clients.
package kernel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/signal"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
)

// Run states reported in Info.State.
const (
	StateNotRunning = "NOT_RUNNING"
	StateStarting   = "STARTING"
	StateRunning    = "RUNNING"
	StateStopping   = "STOPPING"
)

// Location describes the installation.
type Location struct {
	Name       string
	Latitude   float64
	Longitude  float64
	Elevation  int
	TimeZone   string
	UnitSystem string
}

// Info is the core configuration snapshot returned by get_config.
type Info struct {
	LocationName string   `json:"location_name"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Elevation    int      `json:"elevation"`
	UnitSystem   string   `json:"unit_system"`
	TimeZone     string   `json:"time_zone"`
	Components   []string `json:"components"`
	Version      string   `json:"version"`
	State        string   `json:"state"`
}

// Options configures New.
type Options struct {
	Version  string
	Location Location

	// Workers bounds concurrent blocking work.
	Workers int

	// ServiceCallTimeout is the default blocking service call limit.
	ServiceCallTimeout time.Duration

	// AccessTokenTTL and LongLivedTokenTTL override auth token lifetimes.
	AccessTokenTTL    time.Duration
	LongLivedTokenTTL time.Duration

	// Storage persists auth data. Required.
	Storage storage.Store

	Logger  core.Logger
	Metrics *metrics.Metrics
}

// Kernel owns every core component. Fields are safe to use from any
// goroutine once New returns.
type Kernel struct {
	Loop     *core.Loop
	Bus      *core.Bus
	States   *state.Store
	Signals  *signal.Dispatcher
	Services *service.Registry
	Auth     *auth.Manager
	Local    *auth.LocalProvider

	authStore *auth.Store
	logger    core.Logger
	version   string

	mu         sync.RWMutex
	location   Location
	components []string
	runState   string

	stopOnce      sync.Once
	stopRequested chan struct{}
}

// New wires the components. Nothing runs until Start.
func New(opts Options) (*Kernel, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("kernel: storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger()
	}

	loop := core.NewLoop(opts.Workers)
	loop.SetLogger(logger)
	loop.SetMetrics(opts.Metrics)

	bus := core.NewBus(loop)
	bus.SetLogger(logger)
	bus.SetMetrics(opts.Metrics)

	states := state.NewStore(bus)
	states.SetLogger(logger)
	states.SetMetrics(opts.Metrics)

	signals := signal.NewDispatcher(loop)
	signals.SetLogger(logger)

	authStore := auth.NewStore(opts.Storage, loop)
	authStore.SetLogger(logger)
	local := auth.NewLocalProvider(opts.Storage, loop)
	manager := auth.NewManager(authStore, bus, local)
	manager.SetLogger(logger)
	manager.SetMetrics(opts.Metrics)
	manager.SetTokenLifetimes(opts.AccessTokenTTL, opts.LongLivedTokenTTL)

	services := service.NewRegistry(loop, bus)
	services.SetLogger(logger)
	services.SetMetrics(opts.Metrics)
	services.SetAdminResolver(manager)
	if opts.ServiceCallTimeout > 0 {
		services.SetDefaultLimit(opts.ServiceCallTimeout)
	}

	return &Kernel{
		Loop:          loop,
		Bus:           bus,
		States:        states,
		Signals:       signals,
		Services:      services,
		Auth:          manager,
		Local:         local,
		authStore:     authStore,
		logger:        logger,
		version:       opts.Version,
		location:      opts.Location,
		runState:      StateNotRunning,
		stopRequested: make(chan struct{}),
	}, nil
}

// Start runs the loop, loads auth data, registers the core services and
// fires openpeerpower_start.
func (k *Kernel) Start(ctx context.Context) error {
	k.setRunState(StateStarting)
	k.Loop.Start()

	if err := k.authStore.Load(ctx); err != nil {
		return fmt.Errorf("starting kernel: %w", err)
	}
	if err := k.Local.Load(ctx); err != nil {
		return fmt.Errorf("starting kernel: %w", err)
	}
	if err := k.registerCoreServices(); err != nil {
		return fmt.Errorf("starting kernel: %w", err)
	}

	k.setRunState(StateRunning)
	if _, err := k.Bus.Fire(core.EventStart, nil); err != nil {
		return fmt.Errorf("starting kernel: %w", err)
	}
	k.logger.Info("kernel started", "version", k.version)
	return nil
}

// Stop fires openpeerpower_stop, lets listeners see it, saves pending
// auth usage stamps and stops the loop.
func (k *Kernel) Stop(ctx context.Context) error {
	k.setRunState(StateStopping)

	if _, err := k.Bus.Fire(core.EventStop, nil); err == nil {
		if err := k.Loop.Flush(ctx); err != nil {
			k.logger.Warn("stop event not fully delivered", "error", err)
		}
	}

	if err := k.authStore.SaveIfDirty(ctx); err != nil {
		k.logger.Error("saving auth store on stop", "error", err)
	}

	err := k.Loop.Stop(ctx)
	k.setRunState(StateNotRunning)
	if err != nil {
		return fmt.Errorf("stopping kernel: %w", err)
	}
	k.logger.Info("kernel stopped")
	return nil
}

// StopRequested is closed when the openpeerpower.stop service is called.
func (k *Kernel) StopRequested() <-chan struct{} {
	return k.stopRequested
}

func (k *Kernel) requestStop() {
	k.stopOnce.Do(func() { close(k.stopRequested) })
}

func (k *Kernel) setRunState(s string) {
	k.mu.Lock()
	k.runState = s
	k.mu.Unlock()
}

// Version returns the version reported in handshakes.
func (k *Kernel) Version() string {
	return k.version
}

// Info returns the current core configuration.
func (k *Kernel) Info() Info {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return Info{
		LocationName: k.location.Name,
		Latitude:     k.location.Latitude,
		Longitude:    k.location.Longitude,
		Elevation:    k.location.Elevation,
		UnitSystem:   k.location.UnitSystem,
		TimeZone:     k.location.TimeZone,
		Components:   slices.Clone(k.components),
		Version:      k.version,
		State:        k.runState,
	}
}

// UpdateLocation replaces the location and fires core_config_updated.
func (k *Kernel) UpdateLocation(loc Location) error {
	k.mu.Lock()
	k.location = loc
	k.mu.Unlock()

	_, err := k.Bus.Fire(core.EventCoreConfigUpdated, map[string]any{
		"location_name": loc.Name,
		"latitude":      loc.Latitude,
		"longitude":     loc.Longitude,
		"elevation":     loc.Elevation,
		"time_zone":     loc.TimeZone,
		"unit_system":   loc.UnitSystem,
	})
	return err
}

// AddComponent records a loaded component and fires component_loaded.
// Adding a component twice is a no-op.
func (k *Kernel) AddComponent(name string) error {
	k.mu.Lock()
	if slices.Contains(k.components, name) {
		k.mu.Unlock()
		return nil
	}
	k.components = append(k.components, name)
	slices.Sort(k.components)
	k.mu.Unlock()

	_, err := k.Bus.Fire(core.EventComponentLoaded, map[string]any{"component": name})
	return err
}
