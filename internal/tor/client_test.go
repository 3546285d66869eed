package tor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/things-go/go-socks5"
)

// startSOCKSServer runs a go-socks5 server that dials directly and
// returns its address.
func startSOCKSServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	server := socks5.NewServer()
	go server.Serve(ln) //nolint:errcheck // ends when the listener closes
	return ln.Addr().String()
}

// startEchoServer returns the address of a TCP server that echoes one line.
func startEchoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err == nil {
					c.Write([]byte(line)) //nolint:errcheck
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

type fakeDaemon struct {
	addr    string
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func newFakeDaemon(addr string) *fakeDaemon {
	return &fakeDaemon{addr: addr, done: make(chan struct{})}
}

func (d *fakeDaemon) SocksAddr() string     { return d.addr }
func (d *fakeDaemon) Done() <-chan struct{} { return d.done }
func (d *fakeDaemon) exit()                 { d.once.Do(func() { close(d.done) }) }
func (d *fakeDaemon) Stop() error {
	d.stopped.Store(true)
	d.exit()
	return nil
}

type fakeLauncher struct {
	addr     string
	delay    time.Duration
	launches atomic.Int32

	mu      sync.Mutex
	err     error
	daemons []*fakeDaemon
}

func (l *fakeLauncher) Launch(ctx context.Context, _ *ClientConfig) (Daemon, error) {
	l.launches.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	d := newFakeDaemon(l.addr)
	l.daemons = append(l.daemons, d)
	return d, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *fakeLauncher) last() *fakeDaemon {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daemons[len(l.daemons)-1]
}

func newTestClient(t *testing.T, l Launcher) *Client {
	t.Helper()
	c, err := NewClient(&ClientConfig{BootstrapTimeout: time.Second}, WithLauncher(l), WithDialTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_CreatedUnbootstrapped(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{addr: "127.0.0.1:1"}
	c := newTestClient(t, l)

	if c.Bootstrapped() {
		t.Error("new client reports bootstrapped")
	}
	if n := l.launches.Load(); n != 0 {
		t.Errorf("NewClient launched %d daemons", n)
	}
}

func TestClient_DialThroughSOCKS(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{addr: startSOCKSServer(t)}
	c := newTestClient(t, l)
	target := startEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, dialer := range []ContextDialer{c, c.Isolated("request-1")} {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			t.Fatalf("DialContext() error = %v", err)
		}
		if _, err := conn.Write([]byte("ping\n")); err != nil {
			t.Fatal(err)
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		conn.Close()
		if err != nil || line != "ping\n" {
			t.Errorf("echo = %q, %v", line, err)
		}
	}

	if !c.Bootstrapped() {
		t.Error("client not bootstrapped after dial")
	}
	if n := l.launches.Load(); n != 1 {
		t.Errorf("expected one launch, got %d", n)
	}
}

func TestClient_ConcurrentBootstrapSharesLaunch(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{addr: "127.0.0.1:1", delay: 100 * time.Millisecond}
	c := newTestClient(t, l)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Bootstrap(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Bootstrap() error = %v", err)
		}
	}
	if n := l.launches.Load(); n != 1 {
		t.Errorf("expected one launch, got %d", n)
	}
}

func TestClient_LaunchFailureIsRetried(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	l := &fakeLauncher{addr: "127.0.0.1:1", err: boom}
	c := newTestClient(t, l)

	if err := c.Bootstrap(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Bootstrap() error = %v, want %v", err, boom)
	}
	if c.Bootstrapped() {
		t.Error("failed launch reported as bootstrapped")
	}

	l.setErr(nil)
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if n := l.launches.Load(); n != 2 {
		t.Errorf("expected two launches, got %d", n)
	}
}

func TestClient_RelaunchAfterDaemonExit(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{addr: "127.0.0.1:1"}
	c := newTestClient(t, l)

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.last().exit()
	if c.Bootstrapped() {
		t.Error("exited daemon reported as bootstrapped")
	}
	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := l.launches.Load(); n != 2 {
		t.Errorf("expected relaunch, got %d launches", n)
	}
}

func TestClient_Close(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{addr: "127.0.0.1:1"}
	c := newTestClient(t, l)

	if err := c.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := l.last()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !d.stopped.Load() {
		t.Error("daemon not stopped")
	}
	if _, err := c.DialContext(context.Background(), "tcp", "127.0.0.1:80"); !errors.Is(err, ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_BootstrapContextCancel(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{addr: "127.0.0.1:1", delay: time.Minute}
	c := newTestClient(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Bootstrap(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNewClient_NilConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(nil); err == nil {
		t.Error("expected error for nil config")
	}
}
