// Package pool maintains live protocol connections to a fleet of
// supervised service instances and lends them out one at a time. Each
// port slot carries at most one connection: the service is
// single-threaded per instance, so a second session to the same
// instance would serialize behind the first instead of adding
// throughput.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguin-orz/datamax2/pkg/models"
	"github.com/penguin-orz/datamax2/pkg/supervisor"
	"github.com/penguin-orz/datamax2/pkg/uno"
)

// DefaultBasePort is the first port slot, matching the service's
// conventional listen port.
const DefaultBasePort = 2002

// Config controls pool sizing and connection lifetime.
type Config struct {
	Host           string
	BasePort       int           // slot i listens on BasePort+i
	MaxSize        int           // max live connections, default NumCPU
	MinIdle        int           // low-water mark kept warm
	IdleTTL        time.Duration // idle connections beyond MinIdle close after this
	AcquireTimeout time.Duration
	ConnectTimeout time.Duration
	Supervisor     supervisor.Config // template, host/port filled per slot
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.BasePort <= 0 {
		c.BasePort = DefaultBasePort
	}
	if c.MaxSize <= 0 {
		c.MaxSize = runtime.NumCPU()
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// Conn is one pooled connection, held by exactly one caller at a time.
type Conn struct {
	sess     *uno.Session
	handle   *supervisor.Handle
	slot     int
	lastUsed time.Time
}

// Session returns the underlying protocol session.
func (c *Conn) Session() *uno.Session { return c.sess }

// Handle returns the service instance this connection is bound to.
func (c *Conn) Handle() *supervisor.Handle { return c.handle }

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Live  int `json:"live"`
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
}

// SupervisorFactory creates the supervisor for a port slot.
type SupervisorFactory func(port int) *supervisor.Supervisor

// DialFunc opens a protocol session. Injected by tests.
type DialFunc func(ctx context.Context, host string, port int) (*uno.Session, error)

// Pool is the single arbiter of connection and instance lifetime. All
// pool state mutates under one mutex; waiting for capacity happens on a
// semaphore channel so acquires honor their context.
type Pool struct {
	cfg    Config
	newSup SupervisorFactory
	dial   DialFunc
	log    zerolog.Logger

	sem chan struct{}

	mu        sync.Mutex
	idle      []*Conn
	inUse     int
	usedSlots map[int]bool
	sups      map[int]*supervisor.Supervisor
	closed    bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithSupervisorFactory replaces how per-slot supervisors are built.
func WithSupervisorFactory(f SupervisorFactory) Option { return func(p *Pool) { p.newSup = f } }

// WithDialer replaces the session dialer.
func WithDialer(d DialFunc) Option { return func(p *Pool) { p.dial = d } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

// New creates a Pool. No processes are started until the first acquire
// (or an explicit Warm).
func New(cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:       cfg,
		log:       zerolog.Nop(),
		sem:       make(chan struct{}, cfg.MaxSize),
		usedSlots: make(map[int]bool),
		sups:      make(map[int]*supervisor.Supervisor),
		reapStop:  make(chan struct{}),
		reapDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.newSup == nil {
		p.newSup = func(port int) *supervisor.Supervisor {
			sc := cfg.Supervisor
			sc.Host = cfg.Host
			sc.Port = port
			return supervisor.New(sc, supervisor.WithLogger(p.log))
		}
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context, host string, port int) (*uno.Session, error) {
			dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
			return uno.Connect(dctx, host, port, "", p.log)
		}
	}
	if cfg.IdleTTL > 0 {
		go p.reapLoop()
	} else {
		close(p.reapDone)
	}
	return p
}

// Acquire returns an idle connection bound to a Ready instance, creating
// one (and its instance) when the pool has headroom. It blocks up to the
// acquire timeout when saturated, then fails with PoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		return nil, models.NewError(models.ErrPoolExhausted,
			fmt.Sprintf("no connection available within %s", p.cfg.AcquireTimeout))
	case <-ctx.Done():
		return nil, models.WrapError(models.ErrPoolExhausted, "acquire cancelled", ctx.Err())
	}

	conn, err := p.takeOrCreate(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return conn, nil
}

// takeOrCreate runs with a permit held.
func (p *Pool) takeOrCreate(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, models.NewError(models.ErrPoolExhausted, "pool is closed")
		}
		var conn *Conn
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if conn == nil {
			return p.create(ctx)
		}
		// Never hand out a connection whose instance is not Ready.
		if conn.sess.Broken() || conn.handle.State() != supervisor.StateReady {
			p.log.Debug().Int("slot", conn.slot).Msg("dropping stale idle connection")
			p.retire(conn)
			continue
		}
		p.mu.Lock()
		p.inUse++
		p.mu.Unlock()
		return conn, nil
	}
}

// create reserves a free slot, brings its instance up, and dials it.
func (p *Pool) create(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	slot := -1
	for i := 0; i < p.cfg.MaxSize; i++ {
		if !p.usedSlots[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		// Permits bound live connections, so a free slot must exist.
		p.mu.Unlock()
		return nil, models.NewError(models.ErrPoolExhausted, "no free port slot")
	}
	p.usedSlots[slot] = true
	sup, ok := p.sups[slot]
	if !ok {
		sup = p.newSup(p.cfg.BasePort + slot)
		p.sups[slot] = sup
	}
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.usedSlots, slot)
		p.mu.Unlock()
	}

	handle, err := sup.EnsureReady(ctx)
	if err != nil {
		release()
		return nil, err
	}
	sess, err := p.dial(ctx, handle.Host(), handle.Port())
	if err != nil {
		release()
		return nil, err
	}

	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	p.log.Debug().Int("slot", slot).Int("port", handle.Port()).Msg("connection established")
	return &Conn{sess: sess, handle: handle, slot: slot, lastUsed: time.Now()}, nil
}

// Release returns a borrowed connection to the idle set. A connection
// whose last operation left it in an unknown state is discarded instead.
func (p *Pool) Release(c *Conn) {
	if c.sess.Broken() {
		p.Discard(c)
		return
	}
	c.lastUsed = time.Now()
	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.mu.Unlock()
		p.retire(c)
	} else {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	<-p.sem
}

// Discard closes a borrowed connection and decrements the live count.
// Used for connections broken mid-call; the slot becomes free for a
// fresh instance connection.
func (p *Pool) Discard(c *Conn) {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	p.retire(c)
	<-p.sem
}

// retire closes an idle (not borrowed) connection and frees its slot.
func (p *Pool) retire(c *Conn) {
	_ = c.sess.Close()
	p.mu.Lock()
	delete(p.usedSlots, c.slot)
	p.mu.Unlock()
}

// Warm brings up to MinIdle connections into the idle set so first jobs
// skip handshake latency.
func (p *Pool) Warm(ctx context.Context) error {
	n := p.cfg.MinIdle
	if n > p.cfg.MaxSize {
		n = p.cfg.MaxSize
	}
	conns := make([]*Conn, 0, n)
	for len(conns) < n {
		c, err := p.Acquire(ctx)
		if err != nil {
			for _, c := range conns {
				p.Release(c)
			}
			return fmt.Errorf("warm pool: %w", err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}
	return nil
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:  len(p.usedSlots),
		Idle:  len(p.idle),
		InUse: p.inUse,
	}
}

// Close drains the idle set and stops every supervised instance.
// Borrowed connections are retired as they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	sups := make([]*supervisor.Supervisor, 0, len(p.sups))
	for _, s := range p.sups {
		sups = append(sups, s)
	}
	p.mu.Unlock()

	close(p.reapStop)
	<-p.reapDone

	for _, c := range idle {
		p.retire(c)
	}
	for _, s := range sups {
		s.Close()
	}
}

// reapLoop closes idle connections beyond the low-water mark once they
// have been unused for IdleTTL.
func (p *Pool) reapLoop() {
	defer close(p.reapDone)
	interval := p.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reapStop:
			return
		case <-ticker.C:
			p.reapIdle(time.Now())
		}
	}
}

func (p *Pool) reapIdle(now time.Time) {
	var expired []*Conn
	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if len(p.idle)-len(expired) > p.cfg.MinIdle && now.Sub(c.lastUsed) > p.cfg.IdleTTL {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range expired {
		p.log.Debug().Int("slot", c.slot).Msg("closing idle connection")
		p.retire(c)
	}
}
