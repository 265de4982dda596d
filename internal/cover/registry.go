package cover

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/mappedcover/internal/infrastructure/logging"
)

// Registry owns the running convergence engines, one per configured
// cover, and keeps them in step with the repository: covers added
// through the API start an engine, removed covers tear theirs down,
// updated covers restart with the new configuration.
type Registry struct {
	repo   *Repository
	bus    *Bus
	logger *logging.Logger

	mu      sync.RWMutex
	engines map[string]*engineEntry
}

// engineEntry bundles a running engine with its source subscription.
type engineEntry struct {
	cover       *MappedCover
	unsubscribe func()
}

// NewRegistry creates a registry over the given repository and bus.
func NewRegistry(repo *Repository, bus *Bus, logger *logging.Logger) *Registry {
	return &Registry{
		repo:    repo,
		bus:     bus,
		logger:  logger.With("component", "registry"),
		engines: make(map[string]*engineEntry),
	}
}

// Start loads all configured covers, starts an engine for each, and
// begins routing mapped command topics to the engines.
func (r *Registry) Start(ctx context.Context) error {
	covers, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading covers: %w", err)
	}
	for _, c := range covers {
		r.startEngine(*c)
	}

	if err := r.bus.SubscribeMappedCommands(r.handleCommand); err != nil {
		return err
	}

	r.logger.Info("registry started", "covers", len(covers))
	return nil
}

// Stop tears down every running engine and waits for their in-flight
// convergence runs to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	entries := r.engines
	r.engines = make(map[string]*engineEntry)
	r.mu.Unlock()

	for id, entry := range entries {
		entry.unsubscribe()
		entry.cover.Close()
		r.logger.Debug("engine stopped", "cover", id)
	}
}

// startEngine creates and wires the engine for one cover config.
// Mapped state is republished on every source update and on every
// convergence milestone.
func (r *Registry) startEngine(cfg Cover) {
	mc := NewMappedCover(cfg, r.bus, r.bus, r.bus, r.logger)
	mc.SetReporter(func() {
		if err := r.bus.PublishMappedState(mc); err != nil {
			r.logger.Warn("mapped state publish failed", "cover", cfg.ID, "error", err)
		}
	})

	unsubscribe, err := r.bus.SubscribeState(cfg.SourceID(), func(SourceState) {
		if err := r.bus.PublishMappedState(mc); err != nil {
			r.logger.Warn("mapped state publish failed", "cover", cfg.ID, "error", err)
		}
	})
	if err != nil {
		// The in-memory bus never fails here, but keep the engine
		// running without republish rather than dropping the cover.
		r.logger.Warn("source subscription failed", "cover", cfg.ID, "error", err)
		unsubscribe = func() {}
	}

	r.mu.Lock()
	r.engines[cfg.ID] = &engineEntry{cover: mc, unsubscribe: unsubscribe}
	r.mu.Unlock()

	r.logger.Info("engine started", "cover", cfg.ID, "source", cfg.SourceID())
}

// stopEngine tears down the engine for one cover, if running.
func (r *Registry) stopEngine(id string) {
	r.mu.Lock()
	entry, ok := r.engines[id]
	delete(r.engines, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.unsubscribe()
	entry.cover.Close()
	r.logger.Info("engine stopped", "cover", id)
}

// Add persists a new cover and starts its engine.
func (r *Registry) Add(ctx context.Context, c *Cover) error {
	if err := r.repo.Create(ctx, c); err != nil {
		return err
	}
	r.startEngine(*c)
	return nil
}

// Update persists a changed configuration and restarts the engine so
// the new ranges and behaviour flags take effect. Pending targets on
// the old engine are dropped; a reconfigured cover starts clean.
func (r *Registry) Update(ctx context.Context, c *Cover) error {
	if err := r.repo.Update(ctx, c); err != nil {
		return err
	}
	r.stopEngine(c.ID)
	r.startEngine(*c)
	return nil
}

// Remove deletes a cover and tears down its engine.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.stopEngine(id)
	return nil
}

// Get returns the running engine for a cover ID.
func (r *Registry) Get(id string) (*MappedCover, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry.cover, nil
}

// List returns all running engines.
func (r *Registry) List() []*MappedCover {
	r.mu.RLock()
	defer r.mu.RUnlock()
	covers := make([]*MappedCover, 0, len(r.engines))
	for _, entry := range r.engines {
		covers = append(covers, entry.cover)
	}
	return covers
}

// handleCommand routes a mapped command topic message to the engine's
// entry points. Unknown cover IDs and commands are logged and dropped;
// bus input is external and never panics the service.
func (r *Registry) handleCommand(coverID string, cmd MappedCommand) {
	mc, err := r.Get(coverID)
	if err != nil {
		r.logger.Warn("command for unknown cover", "cover", coverID, "command", cmd.Command)
		return
	}

	switch cmd.Command {
	case "set_position":
		if cmd.Position == nil {
			r.logger.Warn("set_position without position", "cover", coverID)
			return
		}
		mc.SetPosition(*cmd.Position)
	case "set_tilt":
		if cmd.Tilt == nil {
			r.logger.Warn("set_tilt without tilt", "cover", coverID)
			return
		}
		mc.SetTilt(*cmd.Tilt)
	case "open":
		mc.OpenCover()
	case "close":
		mc.CloseCover()
	case "open_tilt":
		mc.OpenTilt()
	case "close_tilt":
		mc.CloseTilt()
	case "stop":
		mc.Stop()
	case "stop_tilt":
		mc.StopTilt()
	default:
		r.logger.Warn("unknown command", "cover", coverID, "command", cmd.Command)
	}
}
