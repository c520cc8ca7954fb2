// Package supervisor owns the lifecycle of one external conversion
// service instance: launching the process, probing it over the wire
// protocol until it is actually answering calls, and tearing it down.
// A process can be alive at the OS level but wedged, so readiness is
// always a protocol-level ping, never just a PID check.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/penguin-orz/datamax2/pkg/models"
	"github.com/penguin-orz/datamax2/pkg/uno"
)

// State is the health of a supervised instance.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateDead     State = "dead"
)

// Process is a running service instance as seen by the supervisor.
type Process interface {
	PID() int
	// Stop terminates the process, escalating to a kill after timeout.
	Stop(timeout time.Duration) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts service processes. Production uses ExecLauncher;
// tests inject an in-process fake.
type Launcher interface {
	Launch(ctx context.Context, host string, port int) (Process, error)
}

// Handle is one supervised instance plus its address and health state.
type Handle struct {
	host      string
	port      int
	startedAt time.Time

	mu    sync.Mutex
	proc  Process
	state State
}

// Host returns the listening host.
func (h *Handle) Host() string { return h.host }

// Port returns the listening port.
func (h *Handle) Port() int { return h.port }

// StartedAt returns when the process was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// PID returns the process identifier, or 0 when the process is gone.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.PID()
}

// State returns the current health state. A handle whose process has
// exited reports Dead regardless of the last probe result.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc != nil {
		select {
		case <-h.proc.Done():
			h.state = StateDead
		default:
		}
	}
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Config controls supervision of one instance.
type Config struct {
	Host            string
	Port            int
	ConnectTimeout  time.Duration // per probe
	StartupTimeout  time.Duration // per attempt, probe loop budget
	StartupAttempts int           // launch attempts before StartupFailed
	RetryBackoff    time.Duration // first inter-attempt delay, doubled each attempt
	RestartEvery    time.Duration // minimum spacing between launches, 0 disables
	StopTimeout     time.Duration // grace before kill
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// ProbeFunc checks whether the service at host:port answers calls.
type ProbeFunc func(ctx context.Context, host string, port int) error

// Supervisor manages one service instance. Safe for concurrent use.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	probe    ProbeFunc
	limiter  *rate.Limiter
	log      zerolog.Logger

	mu     sync.Mutex
	handle *Handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

// WithProbe replaces the readiness probe.
func WithProbe(p ProbeFunc) Option { return func(s *Supervisor) { s.probe = p } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// New creates a Supervisor for one instance at cfg.Host:cfg.Port.
func New(cfg Config, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg: cfg,
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.launcher == nil {
		s.launcher = &ExecLauncher{}
	}
	if s.probe == nil {
		s.probe = func(ctx context.Context, host string, port int) error {
			pctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
			sess, err := uno.Connect(pctx, host, port, "", s.log)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Ping(pctx)
		}
	}
	if cfg.RestartEvery > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.RestartEvery), cfg.StartupAttempts)
	}
	return s
}

// EnsureReady guarantees a Ready handle, launching the process if none
// is running or the existing one is dead. It blocks until a probe
// succeeds or the per-attempt startup timeout elapses, for at most the
// configured number of attempts.
func (s *Supervisor) EnsureReady(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h := s.handle; h != nil {
		switch h.State() {
		case StateReady:
			return h, nil
		case StateDegraded:
			// The process is alive; one probe decides.
			if err := s.probe(ctx, h.host, h.port); err == nil {
				h.setState(StateReady)
				return h, nil
			}
			s.stopLocked(h)
		case StateDead, StateStarting:
			s.stopLocked(h)
		}
	}

	var lastErr error
	backoff := s.cfg.RetryBackoff
	for attempt := 1; attempt <= s.cfg.StartupAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, models.WrapError(models.ErrStartupFailed, "startup cancelled", ctx.Err())
			}
			backoff *= 2
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, models.WrapError(models.ErrStartupFailed, "startup cancelled", err)
			}
		}

		h, err := s.startOnce(ctx)
		if err == nil {
			s.handle = h
			s.log.Info().Int("port", h.port).Int("pid", h.PID()).
				Int("attempt", attempt).Msg("service ready")
			return h, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Int("port", s.cfg.Port).
			Msg("service failed to become ready")
	}

	return nil, models.WrapError(models.ErrStartupFailed,
		fmt.Sprintf("service on port %d not ready after %d attempts", s.cfg.Port, s.cfg.StartupAttempts),
		lastErr)
}

// startOnce launches the process and probes it until ready or the
// startup timeout elapses. The failed process is stopped before return.
func (s *Supervisor) startOnce(ctx context.Context) (*Handle, error) {
	proc, err := s.launcher.Launch(ctx, s.cfg.Host, s.cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	h := &Handle{
		host:      s.cfg.Host,
		port:      s.cfg.Port,
		startedAt: time.Now(),
		proc:      proc,
		state:     StateStarting,
	}

	deadline := time.Now().Add(s.cfg.StartupTimeout)
	var probeErr error
	for {
		if ctx.Err() != nil {
			s.stopLocked(h)
			return nil, ctx.Err()
		}
		if h.State() == StateDead {
			s.stopLocked(h)
			return nil, fmt.Errorf("process exited during startup (last probe: %v)", probeErr)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.stopLocked(h)
			return nil, fmt.Errorf("not ready within %s (last probe: %v)", s.cfg.StartupTimeout, probeErr)
		}

		pctx, cancel := context.WithTimeout(ctx, remaining)
		probeErr = s.probe(pctx, h.host, h.port)
		cancel()
		if probeErr == nil {
			h.setState(StateReady)
			return h, nil
		}

		wait := 200 * time.Millisecond
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

// HealthCheck probes the handle and updates its state.
func (s *Supervisor) HealthCheck(ctx context.Context, h *Handle) State {
	if h.State() == StateDead {
		return StateDead
	}
	if err := s.probe(ctx, h.host, h.port); err != nil {
		s.log.Warn().Err(err).Int("port", h.port).Msg("health probe failed")
		h.setState(StateDegraded)
		return StateDegraded
	}
	h.setState(StateReady)
	return StateReady
}

// Stop terminates the handle's process and releases its port. Idempotent.
func (s *Supervisor) Stop(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(h)
	if s.handle == h {
		s.handle = nil
	}
}

// Close stops whatever instance is currently supervised.
func (s *Supervisor) Close() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h != nil {
		s.stopHandle(h)
	}
}

func (s *Supervisor) stopLocked(h *Handle) { s.stopHandle(h) }

func (s *Supervisor) stopHandle(h *Handle) {
	h.mu.Lock()
	proc := h.proc
	h.proc = nil
	h.state = StateDead
	h.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Stop(s.cfg.StopTimeout); err != nil {
		s.log.Warn().Err(err).Int("port", h.port).Msg("stop service process")
	} else {
		s.log.Info().Int("port", h.port).Msg("service stopped")
	}
}
