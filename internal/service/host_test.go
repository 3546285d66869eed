package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionproxy/internal/model"
)

const waitTimeout = 10 * time.Second

type fakeOnion struct {
	address string
	key     string
	closes  atomic.Int32
}

func (o *fakeOnion) Address() string    { return o.address }
func (o *fakeOnion) PrivateKey() string { return o.key }

func (o *fakeOnion) SavePrivateKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(o.key), 0o600)
}

func (o *fakeOnion) Close(context.Context) error {
	o.closes.Add(1)
	return nil
}

// fakePublisher hands out fake onions and remembers every request.
type fakePublisher struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	configs []tornago.HiddenServiceConfig
	onions  []*fakeOnion
}

func (p *fakePublisher) Publish(ctx context.Context, cfg tornago.HiddenServiceConfig) (Onion, error) {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	if p.err != nil {
		return nil, p.err
	}
	// Like tor, a new key is reported with its type and a reused one is
	// reported as configured.
	key := cfg.PrivateKey()
	if key == "" {
		key = fmt.Sprintf("ED25519-V3:key%d", len(p.onions))
	}
	o := &fakeOnion{address: fmt.Sprintf("service%d.onion", len(p.onions)), key: key}
	p.onions = append(p.onions, o)
	return o, nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

func (p *fakePublisher) config(i int) tornago.HiddenServiceConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[i]
}

func (p *fakePublisher) onion(i int) *fakeOnion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onions[i]
}

type fakeChecker struct {
	fail   atomic.Bool
	checks atomic.Int32
}

func (c *fakeChecker) Check(context.Context, string) error {
	c.checks.Add(1)
	if c.fail.Load() {
		return errors.New("no descriptor")
	}
	return nil
}

type fakeRebuilder struct {
	err     error
	rebuilt atomic.Int32
}

func (r *fakeRebuilder) Rebuild(context.Context) error {
	r.rebuilt.Add(1)
	return r.err
}

func fastTimings() Timings {
	return Timings{
		InitialDelay: time.Millisecond,
		Healthy:      5 * time.Millisecond,
		Retry:        time.Millisecond,
		CheckTimeout: time.Second,
		MaxFailures:  3,
	}
}

func newTestHost(t *testing.T, p Publisher, c Checker, opts ...Option) *Host {
	t.Helper()
	h := NewHost(p, c, append([]Option{WithTimings(fastTimings())}, opts...)...)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// waitUntil polls cond until it holds or the wait times out.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitPhase(t *testing.T, h *Host, id string, phase model.ServicePhase) model.ServiceStatus {
	t.Helper()
	var st model.ServiceStatus
	waitUntil(t, id+" "+phase.String(), func() bool {
		var ok bool
		st, ok = h.Status(id)
		return ok && st.Phase == phase
	})
	return st
}

func TestHost_StartBecomesRunning(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	checker := &fakeChecker{}
	h := newTestHost(t, pub, checker)

	if err := h.Start(context.Background(), Spec{ID: "web", Port: 8080}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	st := waitPhase(t, h, "web", model.ServiceRunning)

	if st.Address != "service0.onion" {
		t.Errorf("Address = %q", st.Address)
	}
	if !st.Checking {
		t.Error("checker not active on a running service")
	}
	ports := pub.config(0).Ports()
	if len(ports) != 1 || ports[DefaultVirtualPort] != 8080 {
		t.Errorf("published ports = %v, want 80 -> 8080", ports)
	}
}

func TestHost_StartLeavesActiveServiceAlone(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := newTestHost(t, pub, &fakeChecker{})

	spec := Spec{ID: "web", Port: 8080}
	if err := h.Start(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(context.Background(), spec); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if pub.calls() != 1 {
		t.Errorf("published %d times, want 1", pub.calls())
	}
}

func TestHost_InvalidSpec(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		spec Spec
	}{
		{"empty id", Spec{Port: 8080}},
		{"path in id", Spec{ID: "../web", Port: 8080}},
		{"space in id", Spec{ID: "my web", Port: 8080}},
		{"port zero", Spec{ID: "web"}},
		{"port too large", Spec{ID: "web", Port: 70000}},
		{"virtual port too large", Spec{ID: "web", Port: 8080, VirtualPort: 70000}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pub := &fakePublisher{}
			h := newTestHost(t, pub, &fakeChecker{})
			if err := h.Start(context.Background(), tc.spec); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Start() error = %v, want ErrInvalidSpec", err)
			}
			if pub.calls() != 0 {
				t.Error("invalid spec was published")
			}
		})
	}
}

func TestHost_PublishFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("control port refused")
	pub := &fakePublisher{err: boom}
	h := newTestHost(t, pub, &fakeChecker{})

	spec := Spec{ID: "web", Port: 8080}
	if err := h.Start(context.Background(), spec); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want the publish error", err)
	}
	st, ok := h.Status("web")
	if !ok || st.Phase != model.ServiceFailed || st.LastError != boom.Error() {
		t.Fatalf("Status() = %+v, %v, want failed with the error", st, ok)
	}
	if st.Checking {
		t.Error("checker active on a failed service")
	}

	pub.setErr(nil)
	if err := h.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
	waitPhase(t, h, "web", model.ServiceRunning)
}

func TestHost_KeyIsPersisted(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := newTestHost(t, pub, &fakeChecker{})
	spec := Spec{ID: "web", Port: 8080, KeyPath: KeyPath(t.TempDir(), "web")}

	if err := h.Start(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	if pub.config(0).PrivateKey() != "" {
		t.Error("first start reused a key that was never stored")
	}
	if err := h.Stop(context.Background(), "web"); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(context.Background(), spec); err != nil {
		t.Fatal(err)
	}

	reused := pub.config(1)
	if reused.KeyType() != "ED25519-V3" || reused.PrivateKey() != "key0" {
		t.Errorf("second start used %s:%s, want the stored ED25519-V3:key0", reused.KeyType(), reused.PrivateKey())
	}
}

func TestHost_RestartsAfterRepeatedCheckFailures(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	checker := &fakeChecker{}
	checker.fail.Store(true)
	rebuilder := &fakeRebuilder{}
	h := newTestHost(t, pub, checker, WithRebuilder(rebuilder))

	if err := h.Start(context.Background(), Spec{ID: "web", Port: 8080}); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "a restart", func() bool { return pub.calls() >= 2 })

	if got := checker.checks.Load(); got < 3 {
		t.Errorf("restarted after %d checks, want at least 3", got)
	}
	if pub.onion(0).closes.Load() != 1 {
		t.Error("first service not removed before the restart")
	}
	if rebuilder.rebuilt.Load() < 1 {
		t.Error("tor client not rebuilt on restart")
	}
	if got := pub.config(1).PrivateKey(); got != "key0" {
		t.Errorf("restart used key %q, want key0 so the address survives", got)
	}

	checker.fail.Store(false)
	waitPhase(t, h, "web", model.ServiceRunning)
}

func TestHost_RebuildFailureMarksFailed(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	rebuildErr := errors.New("no tor binary")
	h := newTestHost(t, pub, &fakeChecker{}, WithRebuilder(&fakeRebuilder{err: rebuildErr}))

	if err := h.Start(context.Background(), Spec{ID: "web", Port: 8080}); err != nil {
		t.Fatal(err)
	}
	if err := h.Restart(context.Background(), "web"); !errors.Is(err, rebuildErr) {
		t.Fatalf("Restart() error = %v, want the rebuild error", err)
	}
	st, ok := h.Status("web")
	if !ok || st.Phase != model.ServiceFailed {
		t.Errorf("Status() = %+v, %v, want failed", st, ok)
	}
	if pub.calls() != 1 {
		t.Errorf("published %d times, want 1", pub.calls())
	}
}

func TestHost_Stop(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := newTestHost(t, pub, &fakeChecker{})

	if err := h.Start(context.Background(), Spec{ID: "web", Port: 8080}); err != nil {
		t.Fatal(err)
	}
	if err := h.Stop(context.Background(), "web"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if pub.onion(0).closes.Load() != 1 {
		t.Error("service not removed")
	}
	if _, ok := h.Status("web"); ok {
		t.Error("stopped service still tracked")
	}
	if err := h.Stop(context.Background(), "web"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("second Stop() error = %v, want ErrUnknownService", err)
	}
	if err := h.Restart(context.Background(), "web"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("Restart() error = %v, want ErrUnknownService", err)
	}
}

func TestHost_StopDuringStart(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	pub := &fakePublisher{block: release}
	h := newTestHost(t, pub, &fakeChecker{})

	started := make(chan error, 1)
	go func() {
		started <- h.Start(context.Background(), Spec{ID: "web", Port: 8080})
	}()
	waitPhase(t, h, "web", model.ServiceStarting)

	if err := h.Stop(context.Background(), "web"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	close(release)

	if err := <-started; !errors.Is(err, ErrStoppedDuringStart) {
		t.Fatalf("Start() error = %v, want ErrStoppedDuringStart", err)
	}
	if pub.onion(0).closes.Load() != 1 {
		t.Error("service published after Stop was not removed")
	}
	if _, ok := h.Status("web"); ok {
		t.Error("service stopped during start is still tracked")
	}
}

func TestKeyOptions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		key      string
		wantType string
		wantBlob string
	}{
		{"typed key from tor", "ED25519-V3:c2VjcmV0", "ED25519-V3", "c2VjcmV0"},
		{"bare blob", "c2VjcmV0", "ED25519-V3", "c2VjcmV0"},
		{"no key", "", "ED25519-V3", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := append([]tornago.HiddenServiceOption{tornago.WithHiddenServicePort(80, 8080)}, keyOptions(tc.key)...)
			cfg, err := tornago.NewHiddenServiceConfig(opts...)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.KeyType() != tc.wantType || cfg.PrivateKey() != tc.wantBlob {
				t.Errorf("got %s:%s, want %s:%s", cfg.KeyType(), cfg.PrivateKey(), tc.wantType, tc.wantBlob)
			}
		})
	}
}

func TestHost_ListIsOrdered(t *testing.T) {
	t.Parallel()

	h := newTestHost(t, &fakePublisher{}, &fakeChecker{})
	for _, id := range []string{"web", "api", "mail"} {
		if err := h.Start(context.Background(), Spec{ID: id, Port: 8080}); err != nil {
			t.Fatal(err)
		}
	}

	list := h.List()
	if len(list) != 3 || list[0].ID != "api" || list[1].ID != "mail" || list[2].ID != "web" {
		t.Errorf("List() = %+v, want api mail web", list)
	}
}

func TestHost_Close(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	h := NewHost(pub, &fakeChecker{}, WithTimings(fastTimings()))

	if err := h.Start(context.Background(), Spec{ID: "web", Port: 8080}); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if pub.onion(0).closes.Load() != 1 {
		t.Error("service not removed on Close")
	}
	if err := h.Start(context.Background(), Spec{ID: "web", Port: 8080}); !errors.Is(err, ErrHostClosed) {
		t.Errorf("Start() after Close error = %v, want ErrHostClosed", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
