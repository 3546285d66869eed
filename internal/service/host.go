package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionproxy/internal/log"
	"github.com/nao1215/onionproxy/internal/model"
)

// DefaultVirtualPort is the onion port visitors connect to.
const DefaultVirtualPort = 80

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Timings controls the availability checker.
type Timings struct {
	// InitialDelay is the wait between publishing and the first check.
	InitialDelay time.Duration
	// Healthy is the wait after a successful check.
	Healthy time.Duration
	// Retry is the wait after a failed check.
	Retry time.Duration
	// CheckTimeout bounds one check.
	CheckTimeout time.Duration
	// MaxFailures is the number of failed checks in a row that trigger a
	// restart.
	MaxFailures int
}

// DefaultTimings returns the production timings. A new descriptor takes a
// few seconds to reach the directories, so the first check waits; failures
// are retried sooner than successes are re-confirmed.
func DefaultTimings() Timings {
	return Timings{
		InitialDelay: 5 * time.Second,
		Healthy:      60 * time.Second,
		Retry:        10 * time.Second,
		CheckTimeout: 30 * time.Second,
		MaxFailures:  3,
	}
}

// Spec describes one service to host.
type Spec struct {
	// ID names the service. It also names the key file, so it must be a
	// plain name.
	ID string
	// Port is the local TCP port on 127.0.0.1 the service forwards to.
	Port int
	// VirtualPort is the onion port; zero means DefaultVirtualPort.
	VirtualPort int
	// KeyPath persists the service key. An existing key is reused so the
	// address stays stable across runs; empty keeps the key in memory only.
	KeyPath string
}

// validate expects VirtualPort to be defaulted already.
func (s Spec) validate() error {
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidSpec, s.ID)
	}
	for _, p := range []int{s.Port, s.VirtualPort} {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidSpec, p)
		}
	}
	return nil
}

// KeyPath returns the default key file of service id under keystoreDir.
func KeyPath(keystoreDir, id string) string {
	return filepath.Join(keystoreDir, "onion", id+".key")
}

// Rebuilder replaces the Tor client. *proxy.Manager implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRebuilder makes restarts rebuild the Tor client before publishing
// again, so a client stuck on dead bridges is replaced.
func WithRebuilder(r Rebuilder) Option {
	return func(h *Host) {
		h.rebuilder = r
	}
}

// WithTimings overrides DefaultTimings.
func WithTimings(t Timings) Option {
	return func(h *Host) {
		h.timings = t
	}
}

// Host publishes onion services and keeps them reachable. It is safe for
// concurrent use.
//
// Every started service gets one checker goroutine. The checker fetches the
// service through Tor on a timer; after MaxFailures misses in a row it
// restarts the service under the same key, rebuilding the Tor client first
// when a Rebuilder was given. The checker of the replaced entry exits and
// the restart starts a fresh one.
//
// Design decision: We restart from inside the checker instead of reporting
// the failure and waiting for a caller. A hosted service is usually left
// running unattended, and the only useful reaction to an unreachable
// descriptor is republishing it.
type Host struct {
	publisher Publisher
	checker   Checker
	rebuilder Rebuilder
	logger    *slog.Logger
	timings   Timings

	// mu guards services, closed and the mutable fields of every entry.
	mu       sync.Mutex
	services map[string]*entry
	closed   bool

	// lifetime parents every checker and ends with Close.
	lifetime context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// entry is one tracked service. Fields other than spec are guarded by
// Host.mu; onion is set once before the checker starts.
type entry struct {
	spec  Spec
	onion Onion
	// key is the private key the service was published with, reused by
	// restarts so the address does not change.
	key   string
	phase model.ServicePhase
	// checking is true while the checker goroutine runs; stopCheck ends it.
	checking  bool
	stopCheck context.CancelFunc
	failures  int
	lastErr   error
}

// status must be called with Host.mu held.
func (e *entry) status() model.ServiceStatus {
	st := model.ServiceStatus{
		ID:       e.spec.ID,
		Port:     e.spec.Port,
		Phase:    e.phase,
		Checking: e.checking,
		Failures: e.failures,
	}
	if e.onion != nil {
		st.Address = e.onion.Address()
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// NewHost returns a Host publishing through publisher and checking
// availability with checker.
func NewHost(publisher Publisher, checker Checker, opts ...Option) *Host {
	lifetime, shutdown := context.WithCancel(context.Background())
	h := &Host{
		publisher: publisher,
		checker:   checker,
		logger:    log.Discard(),
		timings:   DefaultTimings(),
		services:  make(map[string]*entry),
		lifetime:  lifetime,
		shutdown:  shutdown,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start publishes spec and starts its availability checker. A service
// that is already starting or running is left alone; a failed one is
// published again.
func (h *Host) Start(ctx context.Context, spec Spec) error {
	return h.start(ctx, spec, "")
}

// start is Start with an explicit key; restarts pass the key of the
// replaced entry so the address survives.
func (h *Host) start(ctx context.Context, spec Spec, key string) error {
	if spec.VirtualPort == 0 {
		spec.VirtualPort = DefaultVirtualPort
	}
	if err := spec.validate(); err != nil {
		return err
	}
	logger := h.logger.With("service", spec.ID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	if cur, ok := h.services[spec.ID]; ok && cur.phase != model.ServiceFailed {
		phase := cur.phase
		h.mu.Unlock()
		logger.Debug("onion service already active", "phase", phase.String())
		return nil
	}
	e := &entry{spec: spec, phase: model.ServiceStarting}
	h.services[spec.ID] = e
	h.mu.Unlock()

	onion, err := h.publish(ctx, spec, key, logger)
	if err != nil {
		logger.Error("failed to publish onion service", "error", err)
		h.fail(e, err)
		return err
	}

	h.mu.Lock()
	if h.closed || h.services[spec.ID] != e {
		h.mu.Unlock()
		onion.Close(ctx) //nolint:errcheck,gosec // never announced
		return ErrStoppedDuringStart
	}
	e.onion = onion
	e.key = onion.PrivateKey()
	checkCtx, cancel := context.WithCancel(h.lifetime)
	e.stopCheck = cancel
	e.checking = true
	h.wg.Add(1)
	h.mu.Unlock()

	logger.Info("onion service published",
		"address", onion.Address(),
		"target", fmt.Sprintf("127.0.0.1:%d", spec.Port))

	go func() {
		defer h.wg.Done()
		h.check(checkCtx, e, logger)
	}()
	return nil
}

// publish creates the service with key, the stored key or a new one, in
// that order, and stores a new key at spec.KeyPath.
func (h *Host) publish(ctx context.Context, spec Spec, key string, logger *slog.Logger) (Onion, error) {
	if key == "" && spec.KeyPath != "" {
		stored, err := loadKey(spec.KeyPath)
		if err != nil {
			return nil, err
		}
		key = stored
	}

	opts := []tornago.HiddenServiceOption{tornago.WithHiddenServicePort(spec.VirtualPort, spec.Port)}
	opts = append(opts, keyOptions(key)...)
	cfg, err := tornago.NewHiddenServiceConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("onion service config: %w", err)
	}

	onion, err := h.publisher.Publish(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if key == "" && spec.KeyPath != "" {
		if err := onion.SavePrivateKey(spec.KeyPath); err != nil {
			logger.Warn("failed to save onion service key, the address will change next run", "error", err)
		}
	}
	return onion, nil
}

// keyOptions turns a stored key into publish options. Tor reports new
// keys as "ED25519-V3:blob" while tornago prefixes the key type itself, so
// the type is split off; a bare blob keeps tornago's default type.
func keyOptions(key string) []tornago.HiddenServiceOption {
	if key == "" {
		return nil
	}
	if keyType, blob, ok := strings.Cut(key, ":"); ok {
		return []tornago.HiddenServiceOption{
			tornago.WithHiddenServiceKeyType(keyType),
			tornago.WithHiddenServicePrivateKey(blob),
		}
	}
	return []tornago.HiddenServiceOption{tornago.WithHiddenServicePrivateKey(key)}
}

// loadKey returns the key stored at path, or "" when there is none yet.
func loadKey(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	key, err := tornago.LoadPrivateKey(path)
	if err != nil {
		return "", fmt.Errorf("load onion service key: %w", err)
	}
	return strings.TrimSpace(key), nil
}

// check confirms e is reachable until ctx is done, restarting it after
// MaxFailures failed checks in a row.
func (h *Host) check(ctx context.Context, e *entry, logger *slog.Logger) {
	defer func() {
		h.mu.Lock()
		e.checking = false
		h.mu.Unlock()
	}()

	delay := h.timings.InitialDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, h.timings.CheckTimeout)
		err := h.checker.Check(checkCtx, e.onion.Address())
		cancel()
		// A check cut short by Stop or Close says nothing about the service.
		if ctx.Err() != nil {
			return
		}

		h.mu.Lock()
		if err == nil {
			e.phase = model.ServiceRunning
			e.failures = 0
			e.lastErr = nil
			h.mu.Unlock()
			logger.Debug("onion service reachable")
			delay = h.timings.Healthy
			continue
		}
		e.failures++
		e.lastErr = err
		failures := e.failures
		h.mu.Unlock()

		logger.Warn("onion service check failed", "failures", failures, "error", err)
		if failures >= h.timings.MaxFailures {
			logger.Warn("onion service unreachable, restarting")
			// The restart runs on the host lifetime because removing e
			// cancels ctx. The replacement gets a checker of its own, so
			// this one returns either way.
			if err := h.restart(h.lifetime, e); err != nil && !errors.Is(err, ErrHostClosed) {
				logger.Error("failed to restart onion service", "error", err)
			}
			return
		}
		delay = h.timings.Retry
	}
}

// Stop removes the service and ends its checker.
func (h *Host) Stop(ctx context.Context, id string) error {
	h.mu.Lock()
	e, ok := h.services[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return h.remove(ctx, e)
}

// Restart removes the service, rebuilds the Tor client when a Rebuilder
// is set and publishes the service again under the same address.
func (h *Host) Restart(ctx context.Context, id string) error {
	h.mu.Lock()
	e, ok := h.services[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return h.restart(ctx, e)
}

// restart replaces e with a fresh entry for the same spec and key. A
// remove failure other than ErrUnknownService is logged and ignored, since
// the old service is going away either way.
func (h *Host) restart(ctx context.Context, e *entry) error {
	h.mu.Lock()
	key := e.key
	h.mu.Unlock()

	if err := h.remove(ctx, e); err != nil {
		if errors.Is(err, ErrUnknownService) {
			return err
		}
		h.logger.Warn("failed to remove onion service", "service", e.spec.ID, "error", err)
	}
	if h.rebuilder != nil {
		if err := h.rebuilder.Rebuild(ctx); err != nil {
			err = fmt.Errorf("rebuild tor client: %w", err)
			h.markFailed(e.spec, err)
			return err
		}
	}
	return h.start(ctx, e.spec, key)
}

// remove forgets e if it is still the tracked entry for its id and
// closes its service.
func (h *Host) remove(ctx context.Context, e *entry) error {
	h.mu.Lock()
	if h.services[e.spec.ID] != e {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, e.spec.ID)
	}
	delete(h.services, e.spec.ID)
	if e.stopCheck != nil {
		e.stopCheck()
	}
	onion := e.onion
	h.mu.Unlock()

	if onion == nil {
		return nil
	}
	h.logger.Info("onion service stopped", "service", e.spec.ID)
	if err := onion.Close(ctx); err != nil {
		return fmt.Errorf("remove onion service %s: %w", e.spec.ID, err)
	}
	return nil
}

// fail marks e failed unless it has been replaced meanwhile.
func (h *Host) fail(e *entry, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.services[e.spec.ID] == e {
		e.phase = model.ServiceFailed
		e.lastErr = err
	}
}

// markFailed records a failed restart of a service that was removed.
func (h *Host) markFailed(spec Spec, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.services[spec.ID]; !ok {
		h.services[spec.ID] = &entry{spec: spec, phase: model.ServiceFailed, lastErr: err}
	}
}

// Status returns the snapshot of service id.
func (h *Host) Status(id string) (model.ServiceStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.services[id]
	if !ok {
		return model.ServiceStatus{}, false
	}
	return e.status(), true
}

// List returns the snapshots of all tracked services ordered by id.
func (h *Host) List() []model.ServiceStatus {
	h.mu.Lock()
	out := make([]model.ServiceStatus, 0, len(h.services))
	for _, e := range h.services {
		out = append(out, e.status())
	}
	h.mu.Unlock()

	slices.SortFunc(out, func(a, b model.ServiceStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Close ends every checker and removes every service. The Tor client is
// left to its owner.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.shutdown()
	h.wg.Wait()

	h.mu.Lock()
	entries := make([]*entry, 0, len(h.services))
	for _, e := range h.services {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := h.remove(ctx, e); err != nil && !errors.Is(err, ErrUnknownService) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
