// Package forwarder implements the bidirectional bridge between one
// subordinate bus and the local host bus: two Bus Clients, one Queue each,
// topic-filtered message relay in both directions, and a reload path that
// lets the Supervisor swap in a new endpoint without losing the bridge.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turris-cz/foris-forwarder-go/internal/busclient"
	"github.com/turris-cz/foris-forwarder-go/internal/config"
	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

// DefaultActionTimeout bounds how long a single queued action (other than
// Connect, which uses busclient.RetryConnectTimeout) may take before it is
// declared NotReady.
const DefaultActionTimeout = 10 * time.Second

// State is the Forwarder's coarse lifecycle state, surfaced for health
// reporting and tests.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Forwarder bridges one Subordinate bus to the Host bus.
type Forwarder struct {
	id     ctrlid.ID
	logger *slog.Logger

	host    *busclient.Client
	sub     *busclient.Client
	hostQ   *busclient.Queue
	subQ    *busclient.Queue
	widened []ctrlid.ID

	forwarded    func(direction string)    // optional metrics hook, nil-safe
	reconnected  func(side string)        // optional metrics hook, nil-safe
	actionFailed func(side, action string) // optional metrics hook, nil-safe

	mu sync.Mutex
	// state is Ready only once every one of the four flags below is true;
	// any side's disconnect immediately clears that side's two flags and
	// drops state to Disconnected regardless of the other side.
	state                         State
	hostConnected, hostSubscribed bool
	subConnected, subSubscribed   bool
	hostHasConnectedOnce          bool
	subHasConnectedOnce           bool

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds a Forwarder for subordinate cfg, bridging to host. The
// returned Forwarder is not yet connected; call Start.
func New(host config.Host, sub config.Subordinate, logger *slog.Logger) (*Forwarder, error) {
	id, err := sub.ID()
	if err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}

	widened := make([]ctrlid.ID, 0, len(sub.Subsubordinates))
	for _, s := range sub.Subsubordinates {
		subID, err := s.ID()
		if err != nil {
			return nil, fmt.Errorf("forwarder: %w", err)
		}
		widened = append(widened, subID)
	}

	hostClient, err := busclient.New(busclient.PasswordSettings{
		ID:       id,
		Host:     host.Address,
		Port:     host.Port,
		Username: host.Username,
		Password: host.Password,
	}, logger.With(slog.String("side", "host")))
	if err != nil {
		return nil, fmt.Errorf("forwarder: build host client: %w", err)
	}

	subClient, err := busclient.New(busclient.CertificateSettings{
		ID:             id,
		Host:           sub.Address,
		Port:           sub.Port,
		CACertPath:     sub.CACertPath,
		ClientCertPath: sub.ClientCertPath,
		ClientKeyPath:  sub.ClientKeyPath,
	}, logger.With(slog.String("side", "subordinate")))
	if err != nil {
		return nil, fmt.Errorf("forwarder: build subordinate client: %w", err)
	}

	f := &Forwarder{
		id:      id,
		logger:  logger.With(slog.String("controller_id", id.String())),
		host:    hostClient,
		sub:     subClient,
		hostQ:   busclient.NewQueue(hostClient, 64, logger),
		subQ:    busclient.NewQueue(subClient, 64, logger),
		widened: widened,
	}
	f.registerMessageHandlers()
	return f, nil
}

// SetMetricsHook installs fn to be called with "host_to_sub" or
// "sub_to_host" each time a message is relayed. Passing nil disables it.
func (f *Forwarder) SetMetricsHook(fn func(direction string)) { f.forwarded = fn }

// SetReconnectHook installs fn to be called with "host" or "subordinate"
// each time that side connects after having already connected once before
// (a genuine reconnect, not the first connect of the Forwarder's life).
// Passing nil disables it.
func (f *Forwarder) SetReconnectHook(fn func(side string)) { f.reconnected = fn }

// SetActionFailureHook installs fn to be called with the side ("host" or
// "subordinate") and action kind each time a queued action resolves
// NotReady: it failed, or did not complete within its timeout. Passing nil
// disables it.
func (f *Forwarder) SetActionFailureHook(fn func(side, action string)) { f.actionFailed = fn }

// registerMessageHandlers wires each side's inbound messages to the other
// side's publish queue: a message arriving on the host is relayed onto the
// subordinate queue and vice versa.
func (f *Forwarder) registerMessageHandlers() {
	f.host.SetOnMessage(func(topic string, payload []byte) {
		f.subQ.Enqueue(busclient.Action{Kind: busclient.Publish, Topic: topic, Payload: payload})
		if f.forwarded != nil {
			f.forwarded("host_to_sub")
		}
	})
	f.sub.SetOnMessage(func(topic string, payload []byte) {
		f.hostQ.Enqueue(busclient.Action{Kind: busclient.Publish, Topic: topic, Payload: payload})
		if f.forwarded != nil {
			f.forwarded("sub_to_host")
		}
	})
}

func (f *Forwarder) hostFilters() []ctrlid.Filter {
	filters := ctrlid.HostFilters(f.id)
	for _, sub := range f.widened {
		filters = append(filters, ctrlid.HostFilters(sub)...)
	}
	return filters
}

func (f *Forwarder) subFilters() []ctrlid.Filter {
	filters := ctrlid.SubordinateFilters(f.id)
	for _, sub := range f.widened {
		filters = append(filters, ctrlid.SubordinateFilters(sub)...)
	}
	return filters
}

// Start launches both Queues' worker loops and enqueues the initial
// Connect actions. It returns once the workers are running; it does not
// wait for the connections to come up — use WaitForReady for that.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.runCtx = ctx
	f.cancel = cancel
	f.setState(StateConnecting)

	go f.hostQ.Run(ctx, DefaultActionTimeout, f.onHostResult)
	go f.subQ.Run(ctx, DefaultActionTimeout, f.onSubResult)

	f.host.SetOnConnect(func(success bool, err error) { f.handleConnect(true, success) })
	f.sub.SetOnConnect(func(success bool, err error) { f.handleConnect(false, success) })
	f.host.SetOnDisconnect(func(err error) { f.handleDisconnect(true) })
	f.sub.SetOnDisconnect(func(err error) { f.handleDisconnect(false) })

	f.hostQ.Enqueue(busclient.Action{Kind: busclient.Connect})
	f.subQ.Enqueue(busclient.Action{Kind: busclient.Connect})
}

// handleConnect reacts to a successful or failed connect attempt on one
// side, enqueuing that side's Subscribe and firing the reconnect hook when
// this is not the side's first connect.
func (f *Forwarder) handleConnect(isHost bool, success bool) {
	if !success {
		return
	}

	f.mu.Lock()
	var alreadyConnectedOnce bool
	if isHost {
		alreadyConnectedOnce = f.hostHasConnectedOnce
		f.hostConnected = true
		f.hostHasConnectedOnce = true
	} else {
		alreadyConnectedOnce = f.subHasConnectedOnce
		f.subConnected = true
		f.subHasConnectedOnce = true
	}
	f.mu.Unlock()

	if isHost {
		f.hostQ.Enqueue(busclient.Action{Kind: busclient.Subscribe, Filters: f.hostFilters()})
	} else {
		f.subQ.Enqueue(busclient.Action{Kind: busclient.Subscribe, Filters: f.subFilters()})
	}

	if alreadyConnectedOnce && f.reconnected != nil {
		f.reconnected(sideName(isHost))
	}
}

// handleDisconnect clears one side's connected/subscribed flags and drops
// the Forwarder out of Ready, regardless of the other side's state.
func (f *Forwarder) handleDisconnect(isHost bool) {
	f.mu.Lock()
	if isHost {
		f.hostConnected = false
		f.hostSubscribed = false
	} else {
		f.subConnected = false
		f.subSubscribed = false
	}
	f.state = StateDisconnected
	f.mu.Unlock()
}

func (f *Forwarder) onHostResult(a busclient.Action, result busclient.Result) {
	f.onActionResult(true, a, result)
}

func (f *Forwarder) onSubResult(a busclient.Action, result busclient.Result) {
	f.onActionResult(false, a, result)
}

// onActionResult updates the Ready-state subscribe flag once a Subscribe
// action succeeds, and reports every failed action to the action-failure
// hook.
func (f *Forwarder) onActionResult(isHost bool, a busclient.Action, result busclient.Result) {
	if result == busclient.NotReady {
		if f.actionFailed != nil {
			f.actionFailed(sideName(isHost), a.Kind.String())
		}
		return
	}
	if a.Kind != busclient.Subscribe {
		return
	}

	f.mu.Lock()
	if isHost {
		f.hostSubscribed = true
	} else {
		f.subSubscribed = true
	}
	f.recomputeStateLocked()
	f.mu.Unlock()
}

// recomputeStateLocked sets state to Ready once all four side flags are
// true. Callers must hold f.mu.
func (f *Forwarder) recomputeStateLocked() {
	if f.hostConnected && f.hostSubscribed && f.subConnected && f.subSubscribed {
		f.state = StateReady
	}
}

func sideName(isHost bool) string {
	if isHost {
		return "host"
	}
	return "subordinate"
}

// Stop disconnects both sides and stops the Queues' worker loops.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.host.Disconnect(250)
	f.sub.Disconnect(250)

	f.mu.Lock()
	f.state = StateIdle
	f.hostConnected, f.hostSubscribed = false, false
	f.subConnected, f.subSubscribed = false, false
	f.mu.Unlock()
}

// WaitForReady blocks until both sides have connected and subscribed, or
// ctx is done.
func (f *Forwarder) WaitForReady(ctx context.Context) error {
	var g errgroup.Group

	g.Go(func() error { return waitForState(ctx, f, StateReady) })

	return g.Wait()
}

func waitForState(ctx context.Context, f *Forwarder, want State) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("forwarder %s: %w waiting for state %s", f.id, ctx.Err(), want)
		case <-ticker.C:
		}
	}
}

// State returns the Forwarder's current lifecycle state.
func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Forwarder) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Reload disconnects the subordinate side, waits for confirmation, and
// reconnects to the endpoint in sub — used by the Supervisor when a better
// candidate endpoint becomes available. It never touches the host side.
// It always waits until the old client has performed that Disconnect
// action before building the new client and enqueueing its Connect on a
// fresh queue. The old queue is not drained: anything still pending on it
// runs against the old, disconnected client.
func (f *Forwarder) Reload(ctx context.Context, sub config.Subordinate) error {
	id, err := sub.ID()
	if err != nil {
		return fmt.Errorf("forwarder: reload: %w", err)
	}
	if id != f.id {
		return fmt.Errorf("forwarder: reload: controller id mismatch: %s != %s", id, f.id)
	}

	confirmed := make(chan struct{})
	var once sync.Once
	f.sub.SetOnDisconnect(func(err error) {
		f.handleDisconnect(false)
		if err == nil { // nil marks the deliberate close, not a lost connection
			once.Do(func() { close(confirmed) })
		}
	})
	f.subQ.Enqueue(busclient.Action{Kind: busclient.Disconnect})
	select {
	case <-confirmed:
	case <-ctx.Done():
		return fmt.Errorf("forwarder %s: %w waiting for subordinate disconnect", f.id, ctx.Err())
	}

	newSettings := busclient.CertificateSettings{
		ID:             f.id,
		Host:           sub.Address,
		Port:           sub.Port,
		CACertPath:     sub.CACertPath,
		ClientCertPath: sub.ClientCertPath,
		ClientKeyPath:  sub.ClientKeyPath,
	}
	newClient, err := busclient.New(newSettings, f.logger.With(slog.String("side", "subordinate")))
	if err != nil {
		return fmt.Errorf("forwarder: reload: rebuild client: %w", err)
	}

	f.sub = newClient
	f.subQ = busclient.NewQueue(newClient, 64, f.logger)
	f.registerMessageHandlers()

	f.mu.Lock()
	f.subHasConnectedOnce = true // the reconnect this triggers is not the bridge's first
	f.mu.Unlock()

	f.sub.SetOnConnect(func(success bool, err error) { f.handleConnect(false, success) })
	f.sub.SetOnDisconnect(func(err error) { f.handleDisconnect(false) })

	go f.subQ.Run(f.runCtx, DefaultActionTimeout, f.onSubResult)
	f.subQ.Enqueue(busclient.Action{Kind: busclient.Connect})
	return nil
}
