// Package app wires together Configuration, the per-subordinate
// Forwarders and Supervisors, and the Discovery Listener into the single
// running process this module produces, and supplies the status snapshot
// the HTTP health surface reports. Exactly one Application may exist per
// process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turris-cz/foris-forwarder-go/internal/config"
	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
	"github.com/turris-cz/foris-forwarder-go/internal/discovery"
	"github.com/turris-cz/foris-forwarder-go/internal/forwarder"
	"github.com/turris-cz/foris-forwarder-go/internal/healthz"
	"github.com/turris-cz/foris-forwarder-go/internal/metrics"
	"github.com/turris-cz/foris-forwarder-go/internal/supervisor"
)

// WaitLoopPeriod is how often the tick loop re-checks every subordinate's
// connection state.
const WaitLoopPeriod = 200 * time.Millisecond

var instantiated atomic.Bool

// subordinateUnit bundles the Forwarder and Supervisor tracking one
// configured subordinate.
type subordinateUnit struct {
	id  string
	fwd *forwarder.Forwarder
	sup *supervisor.Supervisor
}

// Application is the top-level orchestrator for this process.
type Application struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.RWMutex
	units map[string]*subordinateUnit

	discoveryListener *discovery.Listener
}

// New constructs the Application from cfg. Only one Application may exist
// per process; a second call returns an error instead of panicking, so a
// caller can decide how to react.
func New(cfg *config.Configuration, logger *slog.Logger) (*Application, error) {
	if !instantiated.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("app: an Application already exists in this process")
	}

	listener, err := discovery.New(logger.With(slog.String("component", "discovery")))
	if err != nil {
		instantiated.Store(false)
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &Application{
		logger:            logger,
		metrics:           metrics.New(),
		units:             make(map[string]*subordinateUnit),
		discoveryListener: listener,
	}

	host := cfg.Host()
	for _, sub := range cfg.Subordinates() {
		if err := a.addSubordinate(host, sub); err != nil {
			instantiated.Store(false)
			return nil, err
		}
	}

	listener.SetOnUpdate(a.handleDiscoveryUpdate)
	return a, nil
}

func (a *Application) addSubordinate(host config.Host, sub config.Subordinate) error {
	id, err := sub.ID()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	fwd, err := forwarder.New(host, sub, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	fwd.SetMetricsHook(func(direction string) { a.metrics.RecordForward(id.String(), direction) })
	fwd.SetReconnectHook(func(side string) { a.metrics.RecordReconnect(id.String(), side) })
	fwd.SetActionFailureHook(func(_, action string) { a.metrics.RecordActionFailure(id.String(), action) })

	sup, err := supervisor.New(sub, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	sup.SetOnPromote(func(string, string) { a.metrics.RecordPromotion(id.String()) })

	a.units[id.String()] = &subordinateUnit{id: id.String(), fwd: fwd, sup: sup}
	return nil
}

func (a *Application) handleDiscoveryUpdate(id ctrlid.ID, candidates []supervisor.Candidate) {
	a.mu.RLock()
	unit, ok := a.units[id.String()]
	a.mu.RUnlock()
	if !ok {
		return
	}
	unit.sup.ZconfUpdate(candidates)
}

// Metrics returns the Recorder backing this Application's /metrics output.
func (a *Application) Metrics() *metrics.Recorder { return a.metrics }

// Status builds a healthz.Status snapshot of every subordinate's current
// Forwarder state.
func (a *Application) Status() healthz.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]string, len(a.units))
	for id, u := range a.units {
		out[id] = u.fwd.State().String()
	}
	return healthz.Status{Subordinates: out}
}

// Run starts every Forwarder, the Discovery Listener, and the supervisor
// tick loop, blocking until ctx is cancelled or a component fails fatally.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.mu.RLock()
	units := make([]*subordinateUnit, 0, len(a.units))
	for _, u := range a.units {
		units = append(units, u)
	}
	a.mu.RUnlock()

	for _, u := range units {
		u.fwd.Start(ctx)
	}

	g.Go(func() error { return a.discoveryListener.Run(ctx) })
	g.Go(func() error { return a.tick(ctx, units) })

	return g.Wait()
}

func (a *Application) tick(ctx context.Context, units []*subordinateUnit) error {
	ticker := time.NewTicker(WaitLoopPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, u := range units {
				connected := u.fwd.State() == forwarder.StateReady
				a.metrics.RecordConnected(u.id, "subordinate", connected)
				if err := u.sup.Check(ctx, u.fwd, connected); err != nil {
					a.logger.Error("supervisor check failed", slog.String("controller_id", u.id), slog.Any("error", err))
				}
			}
		}
	}
}

// Stop disconnects every Forwarder. Call after Run's context has been
// cancelled and Run has returned.
func (a *Application) Stop() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, u := range a.units {
		u.fwd.Stop()
	}
}

// resetForTests undoes the singleton latch. Only called from this
// package's own tests.
func resetForTests() { instantiated.Store(false) }
