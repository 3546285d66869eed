package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/log"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/tor"
)

// DefaultWatchdogDelay is how long a freshly built client gets to
// bootstrap before the manager restarts.
const DefaultWatchdogDelay = 30 * time.Second

// recordTimeout bounds a single journal write.
const recordTimeout = 5 * time.Second

// AnonymityClient is the Tor client handle the manager owns.
type AnonymityClient interface {
	tor.ContextDialer
	// Bootstrap blocks until the client can carry streams.
	Bootstrap(ctx context.Context) error
	// Bootstrapped reports whether Bootstrap has completed.
	Bootstrapped() bool
	Close() error
}

// ClientFactory constructs an unbootstrapped client from a config snapshot.
type ClientFactory func(cfg *config.Config) (AnonymityClient, error)

// ConfigSource provides the current configuration.
type ConfigSource interface {
	Snapshot() *config.Config
}

// Recorder receives one event per state transition.
type Recorder interface {
	RecordEvent(ctx context.Context, ev model.Event) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRecorder journals state transitions.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithWatchdogDelay overrides DefaultWatchdogDelay.
func WithWatchdogDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.watchdogDelay = d
		}
	}
}

// WithListenerFunc replaces the SOCKS listener constructor.
func WithListenerFunc(fn ListenFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.listen = fn
		}
	}
}

// Manager runs the local SOCKS endpoint and owns the Tor client handle.
//
// The lifecycle is Idle -> Starting -> Running -> Stopping -> Idle, with
// Error reachable from Starting. Start and Stop return at once; the work
// happens on a goroutine per run, and callers observe it through State,
// Wait and the Recorder. The client survives Stop so that the next Start
// reuses a bootstrapped Tor instead of waiting for a fresh one.
//
// A Manager is safe for concurrent use. Close is final.
type Manager struct {
	source        ConfigSource
	factory       ClientFactory
	listen        ListenFunc
	logger        *slog.Logger
	recorder      Recorder
	watchdogDelay time.Duration

	// startMu serializes start bodies so at most one run exists. It is
	// also why obtainClient never sees two factories racing.
	startMu sync.Mutex

	// mu guards the fields below it.
	mu     sync.Mutex
	state  model.State
	client AnonymityClient
	// cancel and done belong to the active run; both are nil when no run
	// exists.
	cancel context.CancelFunc
	done   chan struct{}
	addr   net.Addr
	// changed is closed and replaced on every transition to wake Wait.
	changed chan struct{}
	closed  bool
	// lastErr is the cause of the latest Error state.
	lastErr error

	// startSeq numbers Start calls. A Stop records the latest number in
	// stopSeq, and a start body whose ticket is not newer gives up.
	startSeq uint64
	stopSeq  uint64

	// lifetime parents every run and every watchdog; Close cancels it.
	lifetime context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager returns an idle manager.
func NewManager(source ConfigSource, factory ClientFactory, opts ...Option) *Manager {
	lifetime, shutdown := context.WithCancel(context.Background())
	m := &Manager{
		source:        source,
		factory:       factory,
		listen:        Listen,
		logger:        log.Discard(),
		watchdogDelay: DefaultWatchdogDelay,
		state:         model.StateIdle,
		changed:       make(chan struct{}),
		lifetime:      lifetime,
		shutdown:      shutdown,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRunning reports whether the listener is up. It stays true while a
// stop is in progress.
func (m *Manager) IsRunning() bool {
	s := m.State()
	return s == model.StateRunning || s == model.StateStopping
}

// IsStarting reports whether a start is in progress.
func (m *Manager) IsStarting() bool { return m.State() == model.StateStarting }

// IsStopping reports whether a stop is in progress.
func (m *Manager) IsStopping() bool { return m.State() == model.StateStopping }

// HasError reports whether the last start failed to build a client.
func (m *Manager) HasError() bool { return m.State() == model.StateError }

// Err returns the client construction error while the state is
// StateError, and nil otherwise.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.StateError {
		return nil
	}
	return m.lastErr
}

// Addr returns the bound SOCKS address, or nil when not running.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Client returns the stored client handle.
func (m *Manager) Client() (AnonymityClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrNotStarted
	}
	return m.client, nil
}

// Dialer returns the stored client as a stream dialer, so a Manager can
// back the Tor route of transport.HTTPClient directly.
func (m *Manager) Dialer() (tor.ContextDialer, error) {
	client, err := m.Client()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Start begins a start on a background goroutine and returns immediately.
// An active run is stopped first.
//
// An idle manager is Starting by the time Start returns, so a Stop that
// follows immediately cancels this start instead of finding nothing to
// stop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.startSeq++
	ticket := m.startSeq
	var ev *model.Event
	if m.state == model.StateIdle || m.state == model.StateError {
		ev = m.transitionLocked(model.StateStarting, "")
	}
	m.wg.Add(1)
	m.mu.Unlock()
	m.emit(ev)

	go func() {
		defer m.wg.Done()
		m.start(ticket)
	}()
}

// Stop requests the active run or start to end and returns immediately.
// Starts requested before Stop are cancelled even if their goroutine has
// not run yet.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopSeq = m.startSeq
	var ev *model.Event
	switch m.state {
	case model.StateRunning:
		ev = m.transitionLocked(model.StateStopping, "stop requested")
		m.cancel()
	case model.StateStarting:
		ev = m.transitionLocked(model.StateStopping, "stop requested during start")
	default:
	}
	m.mu.Unlock()
	m.emit(ev)
}

// Rebuild replaces the client with one built from the current
// configuration and starts a run with it, so changed bridges or launcher
// settings take effect. It blocks until the run serves or ctx is done.
//
// Design decision: the handle otherwise lives for the whole process, so
// this is the one place it is closed before Close. The active run is
// stopped first so no listener forwards through a closed client.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrManagerClosed
	}

	m.startMu.Lock()
	m.stopActiveRun()
	m.mu.Lock()
	old := m.client
	m.client = nil
	m.mu.Unlock()
	m.startMu.Unlock()

	if old != nil {
		m.logger.Info("rebuilding tor client")
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close replaced tor client", "error", err)
		}
	}

	m.Start()
	if err := m.Wait(ctx, model.StateRunning, model.StateError, model.StateIdle); err != nil {
		return err
	}
	switch m.State() {
	case model.StateRunning:
		return nil
	case model.StateError:
		return m.Err()
	default:
		return ErrNotRunning
	}
}

// Wait blocks until the manager reaches one of states or ctx is done.
func (m *Manager) Wait(ctx context.Context, states ...model.State) error {
	for {
		m.mu.Lock()
		current, changed, closed := m.state, m.changed, m.closed
		m.mu.Unlock()

		for _, s := range states {
			if s == current {
				return nil
			}
		}
		if closed {
			return ErrManagerClosed
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v (state %s): %w", states, current, ctx.Err())
		case <-changed:
		}
	}
}

// Close stops the manager, cancels the watchdog and closes the client.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
	m.shutdown()
	m.wg.Wait()

	m.mu.Lock()
	client := m.client
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// start runs one attempt for ticket: it ends the previous run, builds or
// reuses the client and binds the listener. Failures settle the state here;
// nothing is returned because Start already returned to its caller.
func (m *Manager) start(ticket uint64) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.stopActiveRun()
	if !m.claimStart(ticket) {
		return
	}

	// One snapshot serves the whole attempt, so the client and the listener
	// never disagree about the configuration.
	cfg := m.source.Snapshot()

	client, err := m.obtainClient(cfg)
	if err != nil {
		m.logger.Error("failed to build tor client", "error", err)
		m.mu.Lock()
		m.lastErr = err
		ev := m.transitionLocked(model.StateError, err.Error())
		m.mu.Unlock()
		m.emit(ev)
		return
	}
	if m.abandonStart() {
		return
	}

	// A busy port is not a client failure: the state goes back to Idle and
	// the client is kept for the next Start.
	ln, err := m.listen(cfg.SocksListenAddr(), client, m.logger)
	if err != nil {
		m.logger.Warn("socks listener unavailable", "addr", cfg.SocksListenAddr(), "error", err)
		m.setState(model.StateIdle, fmt.Sprintf("listener: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(m.lifetime)
	done := make(chan struct{})

	// Stop may have landed while the listener was binding.
	m.mu.Lock()
	if m.state != model.StateStarting {
		m.mu.Unlock()
		cancel()
		ln.Close() //nolint:errcheck,gosec // never served
		m.setState(model.StateIdle, "stopped during start")
		return
	}
	m.cancel = cancel
	m.done = done
	m.addr = ln.Addr()
	ev := m.transitionLocked(model.StateRunning, "listening on "+ln.Addr().String())
	m.wg.Add(2)
	m.mu.Unlock()
	m.emit(ev)

	go func() {
		defer m.wg.Done()
		m.supervise(ctx, cancel, ln, done)
	}()
	// Running means the listener is bound, not that Tor is ready. Streams
	// accepted before bootstrap completes wait inside the client's dial.
	go func() {
		defer m.wg.Done()
		if err := client.Bootstrap(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("tor bootstrap failed", "error", err)
		}
	}()
}

// stopActiveRun cancels a running run and waits for it to finish.
func (m *Manager) stopActiveRun() {
	m.mu.Lock()
	done := m.done
	var ev *model.Event
	if m.state == model.StateRunning {
		ev = m.transitionLocked(model.StateStopping, "restarting")
		m.cancel()
	}
	m.mu.Unlock()
	m.emit(ev)

	if done != nil {
		<-done
	}
}

// claimStart moves the manager to Starting for the start numbered ticket.
// It reports false, settling a pending Stopping into Idle, when a Stop or
// Close came after the ticket was issued.
func (m *Manager) claimStart(ticket uint64) bool {
	m.mu.Lock()
	var ev *model.Event
	claimed := m.lifetime.Err() == nil && ticket > m.stopSeq
	switch {
	case !claimed && m.state == model.StateStopping:
		ev = m.transitionLocked(model.StateIdle, "stopped during start")
	case claimed && m.state != model.StateStarting:
		ev = m.transitionLocked(model.StateStarting, "")
	default:
	}
	m.mu.Unlock()
	m.emit(ev)
	return claimed
}

// abandonStart moves a start that was stopped or closed mid-way to Idle.
func (m *Manager) abandonStart() bool {
	m.mu.Lock()
	stopped := m.state != model.StateStarting
	m.mu.Unlock()
	if !stopped && m.lifetime.Err() == nil {
		return false
	}
	m.setState(model.StateIdle, "stopped during start")
	return true
}

// obtainClient returns the stored handle or builds and stores a new one.
// Callers hold startMu, so only one factory call is in flight; if a handle
// still appears while the factory ran, the stored one wins and the new one
// is closed.
func (m *Manager) obtainClient(cfg *config.Config) (AnonymityClient, error) {
	m.mu.Lock()
	existing := m.client
	m.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	client, err := m.factory(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.client != nil {
		winner := m.client
		m.mu.Unlock()
		client.Close() //nolint:errcheck,gosec // discarded duplicate
		return winner, nil
	}
	m.client = client
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.watchdog(client)
	}()
	return client, nil
}

// watchdog restarts the manager once if armed has not bootstrapped after
// the delay. A manager the user has stopped, or whose client was rebuilt
// meanwhile, is left alone.
func (m *Manager) watchdog(armed AnonymityClient) {
	timer := time.NewTimer(m.watchdogDelay)
	defer timer.Stop()

	select {
	case <-m.lifetime.Done():
		return
	case <-timer.C:
	}

	m.mu.Lock()
	client, state := m.client, m.state
	m.mu.Unlock()

	if client != armed || client.Bootstrapped() {
		return
	}
	if state != model.StateRunning && state != model.StateStarting {
		return
	}
	m.logger.Warn("tor client did not bootstrap in time, restarting", "after", m.watchdogDelay)
	m.Start()
}

// supervise serves the listener until the run is cancelled or the
// listener fails, then returns the manager to Idle.
func (m *Manager) supervise(ctx context.Context, cancel context.CancelFunc, ln SOCKSListener, done chan struct{}) {
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ln.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return errListenerStopped
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	err := g.Wait()

	// A cancelled ctx means the run was ended on purpose. Anything else is
	// the listener dying on its own.
	reason := "stopped"
	if ctx.Err() == nil {
		m.logger.Warn("socks listener exited", "error", err)
		reason = fmt.Sprintf("listener exited: %v", err)
	}
	cancel()

	m.mu.Lock()
	m.cancel = nil
	m.done = nil
	m.addr = nil
	ev := m.transitionLocked(model.StateIdle, reason)
	m.mu.Unlock()
	m.emit(ev)
}

// setState transitions and emits in one step.
func (m *Manager) setState(s model.State, msg string) {
	m.mu.Lock()
	ev := m.transitionLocked(s, msg)
	m.mu.Unlock()
	m.emit(ev)
}

// transitionLocked sets the state and wakes waiters. m.mu must be held.
func (m *Manager) transitionLocked(s model.State, msg string) *model.Event {
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	ev := model.NewEvent(s, msg)
	return &ev
}

// emit logs ev and hands it to the recorder. The recorder gets its own
// timeout so a slow journal cannot hold a transition forever.
func (m *Manager) emit(ev *model.Event) {
	if ev == nil {
		return
	}
	m.logger.Info("proxy state changed", "state", ev.State.String(), "message", ev.Message)
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.recorder.RecordEvent(ctx, *ev); err != nil {
		m.logger.Warn("failed to record proxy event", "error", err)
	}
}
