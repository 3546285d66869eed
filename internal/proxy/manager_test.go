package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/onionproxy/internal/config"
	"github.com/nao1215/onionproxy/internal/model"
	"github.com/nao1215/onionproxy/internal/tor"
)

const waitTimeout = 10 * time.Second

type fakeClient struct {
	bootstrapped atomic.Bool
	// hold makes Bootstrap block until ctx is done.
	hold   bool
	closes atomic.Int32
	dialer net.Dialer
}

func (c *fakeClient) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, network, address)
}

func (c *fakeClient) Bootstrap(ctx context.Context) error {
	if c.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	c.bootstrapped.Store(true)
	return nil
}

func (c *fakeClient) Bootstrapped() bool { return c.bootstrapped.Load() }

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return nil
}

type fakeListener struct {
	addr   net.Addr
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		addr:   &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: config.DefaultSocksPort},
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (l *fakeListener) Serve() error {
	select {
	case err := <-l.fail:
		return err
	case <-l.closed:
		return net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) Addr() net.Addr { return l.addr }

// listenerSpy hands out fake listeners and remembers them.
type listenerSpy struct {
	mu        sync.Mutex
	listeners []*fakeListener
	err       error
}

func (s *listenerSpy) listen(_ string, _ tor.ContextDialer, _ *slog.Logger) (SOCKSListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	l := newFakeListener()
	s.listeners = append(s.listeners, l)
	return l, nil
}

func (s *listenerSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *listenerSpy) last() *fakeListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[len(s.listeners)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventLog) RecordEvent(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventLog) states() []model.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

// waitLen polls until at least n events were recorded. Events are
// recorded after waiters are woken, so Wait alone does not order them.
func (r *eventLog) waitLen(t *testing.T, n int) []model.State {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		got := r.states()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded %v, want %d events", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type countingFactory struct {
	calls  atomic.Int32
	err    error
	client *fakeClient
}

func (f *countingFactory) build(*config.Config) (AnonymityClient, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.client != nil {
		return f.client, nil
	}
	return &fakeClient{}, nil
}

func newTestManager(t *testing.T, factory ClientFactory, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(config.NewMemoryStore(config.NewConfig()), factory, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, m *Manager, states ...model.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Wait(ctx, states...); err != nil {
		t.Fatal(err)
	}
}

func TestManager_InitialState(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, (&countingFactory{}).build)
	if m.State() != model.StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
	if m.IsRunning() || m.IsStarting() || m.IsStopping() || m.HasError() {
		t.Error("fresh manager reports activity")
	}
	if _, err := m.Client(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Client() error = %v, want ErrNotStarted", err)
	}
	if m.Addr() != nil {
		t.Errorf("Addr() = %v, want nil", m.Addr())
	}
}

func TestManager_StartReachesRunning(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	events := &eventLog{}
	factory := &countingFactory{}
	m := newTestManager(t, factory.build, WithListenerFunc(spy.listen), WithRecorder(events))

	m.Start()
	deadline := time.Now().Add(waitTimeout)
	for !m.IsRunning() {
		if m.HasError() {
			t.Fatal("HasError() = true during start")
		}
		if time.Now().After(deadline) {
			t.Fatalf("not running after %v, state %s", waitTimeout, m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := events.waitLen(t, 2)
	want := []model.State{model.StateStarting, model.StateRunning}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
	if m.Addr() == nil {
		t.Error("Addr() = nil while running")
	}
	if _, err := m.Client(); err != nil {
		t.Errorf("Client() error = %v", err)
	}
}

func TestManager_ConcurrentStartKeepsOneClient(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	factory := &countingFactory{}
	m := newTestManager(t, factory.build, WithListenerFunc(spy.listen))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start()
		}()
	}
	wg.Wait()

	// Each Start restarts the previous run, so settle on the last one.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		if err := m.Wait(ctx, model.StateRunning); err != nil {
			t.Fatal(err)
		}
		if spy.count() == 8 && m.State() == model.StateRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := factory.calls.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	first, err := m.Client()
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("Client() = nil")
	}
}

func TestManager_StopThenStart(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	client := &fakeClient{}
	factory := &countingFactory{client: client}
	m := newTestManager(t, factory.build, WithListenerFunc(spy.listen))

	m.Start()
	waitFor(t, m, model.StateRunning)

	m.Stop()
	m.Start()
	waitFor(t, m, model.StateRunning, model.StateError)

	if m.State() == model.StateStopping {
		t.Error("manager stuck in stopping")
	}
	if got := factory.calls.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if got := client.closes.Load(); got != 0 {
		t.Errorf("client closed %d times across restart, want 0", got)
	}
}

func TestManager_StopReturnsToIdle(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	events := &eventLog{}
	m := newTestManager(t, (&countingFactory{}).build, WithListenerFunc(spy.listen), WithRecorder(events))

	m.Start()
	waitFor(t, m, model.StateRunning)
	m.Stop()
	waitFor(t, m, model.StateIdle)

	select {
	case <-spy.last().closed:
	default:
		t.Error("listener not closed after stop")
	}
	got := events.waitLen(t, 4)
	if got[len(got)-2] != model.StateStopping || got[len(got)-1] != model.StateIdle {
		t.Errorf("events = %v, want ... stopping idle", got)
	}
}

func TestManager_ConstructionFailure(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	buildErr := errors.New("no tor binary")
	m := newTestManager(t, (&countingFactory{err: buildErr}).build, WithListenerFunc(spy.listen))

	m.Start()
	waitFor(t, m, model.StateError)

	if !m.HasError() {
		t.Error("HasError() = false")
	}
	if !errors.Is(m.Err(), buildErr) {
		t.Errorf("Err() = %v, want %v", m.Err(), buildErr)
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true")
	}
	if spy.count() != 0 {
		t.Errorf("listener bound %d times, want 0", spy.count())
	}
	if _, err := m.Client(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Client() error = %v, want ErrNotStarted", err)
	}
}

func TestManager_ListenerDeathReturnsToIdle(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	events := &eventLog{}
	m := newTestManager(t, (&countingFactory{}).build, WithListenerFunc(spy.listen), WithRecorder(events))

	m.Start()
	waitFor(t, m, model.StateRunning)

	spy.last().fail <- errors.New("accept: too many open files")
	waitFor(t, m, model.StateIdle)

	if m.HasError() {
		t.Error("HasError() = true after listener death")
	}
	if m.Addr() != nil {
		t.Errorf("Addr() = %v after listener death", m.Addr())
	}

	events.waitLen(t, 3)
	events.mu.Lock()
	last := events.events[len(events.events)-1]
	events.mu.Unlock()
	if last.State != model.StateIdle || last.Message == "stopped" {
		t.Errorf("last event = %+v, want idle with the listener error", last)
	}
}

func TestManager_BindFailureIsIdle(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{err: errors.New("address already in use")}
	events := &eventLog{}
	m := newTestManager(t, (&countingFactory{}).build, WithListenerFunc(spy.listen), WithRecorder(events))

	m.Start()
	events.waitLen(t, 2)
	if m.State() != model.StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
	if m.HasError() {
		t.Error("HasError() = true after bind failure")
	}
}

func TestManager_StopDuringStart(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	spy := &listenerSpy{}
	factory := func(*config.Config) (AnonymityClient, error) {
		close(entered)
		<-release
		return &fakeClient{}, nil
	}
	m := newTestManager(t, factory, WithListenerFunc(spy.listen))

	m.Start()
	<-entered
	if !m.IsStarting() {
		t.Fatalf("State() = %s, want starting", m.State())
	}
	m.Stop()
	if !m.IsStopping() {
		t.Errorf("State() = %s, want stopping", m.State())
	}
	close(release)
	waitFor(t, m, model.StateIdle)

	if spy.count() != 0 {
		t.Errorf("listener bound %d times after stop, want 0", spy.count())
	}
	if _, err := m.Client(); err != nil {
		t.Errorf("client not kept for the next start: %v", err)
	}
}

func TestManager_StopRightAfterStartSettlesIdle(t *testing.T) {
	t.Parallel()

	for i := range 50 {
		spy := &listenerSpy{}
		events := &eventLog{}
		m := NewManager(config.NewMemoryStore(config.NewConfig()), (&countingFactory{}).build,
			WithListenerFunc(spy.listen), WithRecorder(events))

		m.Start()
		if !m.IsStarting() {
			t.Fatalf("run %d: State() = %s right after Start, want starting", i, m.State())
		}
		m.Stop()
		waitFor(t, m, model.StateIdle)
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}

		if m.State() != model.StateIdle {
			t.Fatalf("run %d: State() = %s, want idle", i, m.State())
		}
		if spy.count() != 0 {
			t.Fatalf("run %d: listener bound %d times after stop, want 0", i, spy.count())
		}
		for _, s := range events.states() {
			if s == model.StateRunning {
				t.Fatalf("run %d: events %v reached running", i, events.states())
			}
		}
	}
}

func TestManager_StartAfterStopIsNotCancelled(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	m := newTestManager(t, (&countingFactory{}).build, WithListenerFunc(spy.listen))

	m.Start()
	m.Stop()
	m.Start()
	waitFor(t, m, model.StateRunning)

	if spy.count() != 1 {
		t.Errorf("listener bound %d times, want 1", spy.count())
	}
}

func TestManager_ObtainClientKeepsFirstStoredHandle(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		built   []*fakeClient
		entered = make(chan struct{}, 2)
		release = make(chan struct{})
	)
	factory := func(*config.Config) (AnonymityClient, error) {
		c := &fakeClient{}
		mu.Lock()
		built = append(built, c)
		mu.Unlock()
		entered <- struct{}{}
		<-release
		return c, nil
	}
	m := newTestManager(t, factory)

	// Bypass startMu so both calls reach the factory.
	results := make([]AnonymityClient, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.obtainClient(config.NewConfig())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = c
		}()
	}
	<-entered
	<-entered
	close(release)
	wg.Wait()

	if results[0] == nil || results[0] != results[1] {
		t.Fatalf("callers got different handles: %p and %p", results[0], results[1])
	}
	stored, err := m.Client()
	if err != nil {
		t.Fatal(err)
	}
	if stored != results[0] {
		t.Error("stored handle is not the one returned")
	}

	mu.Lock()
	defer mu.Unlock()
	var closed int32
	for _, c := range built {
		closed += c.closes.Load()
	}
	if len(built) != 2 || closed != 1 {
		t.Errorf("built %d clients with %d closes, want 2 and 1", len(built), closed)
	}
}

func TestManager_Rebuild(t *testing.T) {
	t.Parallel()

	t.Run("replaces the client and serves again", func(t *testing.T) {
		t.Parallel()

		spy := &listenerSpy{}
		factory := &countingFactory{}
		m := newTestManager(t, factory.build, WithListenerFunc(spy.listen))

		m.Start()
		waitFor(t, m, model.StateRunning)
		first, err := m.Client()
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Rebuild(ctx); err != nil {
			t.Fatalf("Rebuild() error = %v", err)
		}

		second, err := m.Client()
		if err != nil {
			t.Fatal(err)
		}
		if second == first {
			t.Error("Rebuild() kept the old client")
		}
		if got := first.(*fakeClient).closes.Load(); got != 1 {
			t.Errorf("old client closed %d times, want 1", got)
		}
		if got := factory.calls.Load(); got != 2 {
			t.Errorf("factory called %d times, want 2", got)
		}
		if m.State() != model.StateRunning || spy.count() != 2 {
			t.Errorf("state %s with %d listeners, want running on a second listener", m.State(), spy.count())
		}
	})

	t.Run("construction failure", func(t *testing.T) {
		t.Parallel()

		buildErr := errors.New("bridge binary missing")
		var calls atomic.Int32
		factory := func(*config.Config) (AnonymityClient, error) {
			if calls.Add(1) > 1 {
				return nil, buildErr
			}
			return &fakeClient{}, nil
		}
		m := newTestManager(t, factory, WithListenerFunc((&listenerSpy{}).listen))

		m.Start()
		waitFor(t, m, model.StateRunning)

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Rebuild(ctx); !errors.Is(err, buildErr) {
			t.Fatalf("Rebuild() error = %v, want the construction error", err)
		}
		if !m.HasError() {
			t.Errorf("State() = %s, want error", m.State())
		}
	})

	t.Run("listener unavailable", func(t *testing.T) {
		t.Parallel()

		spy := &listenerSpy{err: errors.New("address already in use")}
		m := newTestManager(t, (&countingFactory{}).build, WithListenerFunc(spy.listen))

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Rebuild(ctx); !errors.Is(err, ErrNotRunning) {
			t.Errorf("Rebuild() error = %v, want ErrNotRunning", err)
		}
	})

	t.Run("after close", func(t *testing.T) {
		t.Parallel()

		m := NewManager(config.NewMemoryStore(config.NewConfig()), (&countingFactory{}).build)
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
		if err := m.Rebuild(context.Background()); !errors.Is(err, ErrManagerClosed) {
			t.Errorf("Rebuild() error = %v, want ErrManagerClosed", err)
		}
	})
}

func TestManager_WatchdogIgnoresReplacedClient(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	var calls atomic.Int32
	factory := func(*config.Config) (AnonymityClient, error) {
		c := &fakeClient{}
		// The first client never bootstraps; its replacement does.
		if calls.Add(1) == 1 {
			c.hold = true
		} else {
			c.bootstrapped.Store(true)
		}
		return c, nil
	}
	m := newTestManager(t, factory, WithListenerFunc(spy.listen), WithWatchdogDelay(300*time.Millisecond))

	m.Start()
	waitFor(t, m, model.StateRunning)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(700 * time.Millisecond)

	if spy.count() != 2 {
		t.Errorf("listener bound %d times, want 2: the first watchdog restarted the rebuilt run", spy.count())
	}
}

func TestManager_WatchdogRestartsUnbootstrappedClient(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	events := &eventLog{}
	client := &fakeClient{hold: true}
	factory := &countingFactory{client: client}
	m := newTestManager(t, factory.build,
		WithListenerFunc(spy.listen),
		WithRecorder(events),
		WithWatchdogDelay(50*time.Millisecond),
	)

	m.Start()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for spy.count() < 2 {
		if ctx.Err() != nil {
			t.Fatalf("watchdog did not restart, events %v", events.states())
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, m, model.StateRunning)

	if got := factory.calls.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	starts := 0
	for _, s := range events.states() {
		if s == model.StateStarting {
			starts++
		}
	}
	if starts < 2 {
		t.Errorf("saw %d starts, want at least 2", starts)
	}
}

func TestManager_WatchdogLeavesBootstrappedClient(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	client := &fakeClient{}
	client.bootstrapped.Store(true)
	m := newTestManager(t, (&countingFactory{client: client}).build,
		WithListenerFunc(spy.listen),
		WithWatchdogDelay(20*time.Millisecond),
	)

	m.Start()
	waitFor(t, m, model.StateRunning)
	time.Sleep(200 * time.Millisecond)

	if spy.count() != 1 {
		t.Errorf("listener bound %d times, want 1", spy.count())
	}
}

func TestManager_Close(t *testing.T) {
	t.Parallel()

	spy := &listenerSpy{}
	client := &fakeClient{}
	m := NewManager(config.NewMemoryStore(config.NewConfig()), (&countingFactory{client: client}).build,
		WithListenerFunc(spy.listen))

	m.Start()
	waitFor(t, m, model.StateRunning)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.State() != model.StateIdle {
		t.Errorf("State() = %s after Close, want idle", m.State())
	}
	if got := client.closes.Load(); got != 1 {
		t.Errorf("client closed %d times, want 1", got)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	m.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Wait(ctx, model.StateRunning); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Wait() after Close error = %v, want ErrManagerClosed", err)
	}
}

func TestManager_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, (&countingFactory{}).build)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := m.Wait(ctx, model.StateRunning); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}
