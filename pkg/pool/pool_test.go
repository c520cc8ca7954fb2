package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penguin-orz/datamax2/pkg/models"
	"github.com/penguin-orz/datamax2/pkg/supervisor"
	"github.com/penguin-orz/datamax2/pkg/uno/unotest"
)

// stubLauncher starts in-process stub services keyed by port so tests
// can reach in and kill or reconfigure specific instances.
type stubLauncher struct {
	mu       sync.Mutex
	launches int
	byPort   map[int]*stubInstance
}

type stubInstance struct {
	srv  *unotest.Server
	once sync.Once
	done chan struct{}
}

func (i *stubInstance) PID() int              { return 1 }
func (i *stubInstance) Done() <-chan struct{} { return i.done }

func (i *stubInstance) Stop(time.Duration) error {
	i.kill()
	return nil
}

func (i *stubInstance) kill() {
	i.once.Do(func() {
		i.srv.Close()
		close(i.done)
	})
}

func newStubLauncher() *stubLauncher {
	return &stubLauncher{byPort: make(map[int]*stubInstance)}
}

func (l *stubLauncher) Launch(_ context.Context, host string, port int) (supervisor.Process, error) {
	srv := unotest.NewServer()
	if err := srv.Start(fmt.Sprintf("%s:%d", host, port)); err != nil {
		return nil, err
	}
	inst := &stubInstance{srv: srv, done: make(chan struct{})}
	l.mu.Lock()
	l.launches++
	l.byPort[port] = inst
	l.mu.Unlock()
	return inst, nil
}

func (l *stubLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *stubLauncher) instance(port int) *stubInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byPort[port]
}

func (l *stubLauncher) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, inst := range l.byPort {
		inst.kill()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestPool(t *testing.T, l *stubLauncher, cfg Config) *Pool {
	t.Helper()
	cfg.Host = "127.0.0.1"
	if cfg.BasePort == 0 {
		cfg.BasePort = freePort(t)
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	factory := func(port int) *supervisor.Supervisor {
		return supervisor.New(supervisor.Config{
			Host:            "127.0.0.1",
			Port:            port,
			StartupTimeout:  5 * time.Second,
			ConnectTimeout:  time.Second,
			StartupAttempts: 1,
		}, supervisor.WithLauncher(l))
	}
	p := New(cfg, WithSupervisorFactory(factory))
	t.Cleanup(func() {
		p.Close()
		l.closeAll()
	})
	return p
}

func TestAcquireReleaseReuse(t *testing.T) {
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: 2})

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := c1.Handle().State(); got != supervisor.StateReady {
		t.Fatalf("expected ready handle, got %s", got)
	}
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c2)
	if c2 != c1 {
		t.Error("expected the released connection to be reused")
	}
	if l.launchCount() != 1 {
		t.Errorf("expected 1 instance launch, got %d", l.launchCount())
	}
}

func TestConcurrencyBoundedByMaxSize(t *testing.T) {
	const maxSize, jobs = 2, 6
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: maxSize})

	var holding, peak int64
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt64(&holding, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt64(&holding, -1)
			p.Release(c)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > maxSize {
		t.Errorf("%d connections held simultaneously, max is %d", got, maxSize)
	}
	if got := l.launchCount(); got > maxSize {
		t.Errorf("%d instances launched, max is %d", got, maxSize)
	}
}

func TestAcquireTimeoutPoolExhausted(t *testing.T) {
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: 1, AcquireTimeout: 50 * time.Millisecond})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c)

	_, err = p.Acquire(context.Background())
	if !models.IsKind(err, models.ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
}

func TestSingleSlotSerializesJobs(t *testing.T) {
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: 1})

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var secondAcquired time.Time
	done := make(chan struct{})
	go func() {
		defer close(done)
		c2, err := p.Acquire(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		secondAcquired = time.Now()
		p.Release(c2)
	}()

	time.Sleep(50 * time.Millisecond)
	released := time.Now()
	p.Release(c1)
	<-done

	if !secondAcquired.After(released) {
		t.Errorf("second acquire at %v should be strictly after first release at %v",
			secondAcquired, released)
	}
}

func TestAcquireSkipsDeadInstance(t *testing.T) {
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: 1})

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	port := c1.Handle().Port()
	p.Release(c1)

	// Kill the instance behind the idle connection.
	l.instance(port).kill()

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c2)
	if got := c2.Handle().State(); got != supervisor.StateReady {
		t.Fatalf("acquire returned a %s handle", got)
	}
	if c2 == c1 {
		t.Error("stale connection was handed out again")
	}
	if l.launchCount() != 2 {
		t.Errorf("expected a relaunch, got %d launches", l.launchCount())
	}
}

func TestBrokenConnectionDiscardedOnRelease(t *testing.T) {
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: 1})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.instance(c.Handle().Port()).srv.DropConnections(1)

	_, err = c.Session().Invoke(context.Background(), "convert", nil, map[string]any{"input_url": "x"})
	if !models.IsKind(err, models.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}
	p.Release(c)

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Errorf("broken connection entered the idle set: %+v", stats)
	}
	if stats.Live != 0 {
		t.Errorf("live count not decremented: %+v", stats)
	}
}

func TestWarm(t *testing.T) {
	l := newStubLauncher()
	p := newTestPool(t, l, Config{MaxSize: 3, MinIdle: 2})

	if err := p.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	stats := p.Stats()
	if stats.Idle != 2 {
		t.Errorf("expected 2 idle connections after warm, got %+v", stats)
	}
	if l.launchCount() != 2 {
		t.Errorf("expected 2 launches, got %d", l.launchCount())
	}

	// Warm connections serve without a fresh handshake or launch.
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(c)
	if l.launchCount() != 2 {
		t.Errorf("acquire after warm launched a new instance")
	}
}
