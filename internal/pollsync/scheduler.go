// Package pollsync provides the interval-based polling engine shared by the
// feed pollers and the notification engine: a scheduler with pause/resume/stop
// and adaptive backoff, a connection-status projection, and visibility binding
// so backgrounded clients stop polling.
package pollsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PollFn performs one fetch cycle. It reports how many new items the cycle
// produced so the scheduler can tell productive cycles from empty ones; a
// non-nil error marks the cycle failed. The context carries the per-cycle
// timeout and is cancelled when the scheduler stops.
type PollFn func(ctx context.Context) (int, error)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	PollFn   PollFn
	Interval time.Duration

	// PollTimeout bounds a single cycle so a fetch that never resolves
	// cannot occupy the in-flight guard forever; the cycle is aborted and
	// counted as a failure. Defaults to 3x Interval.
	PollTimeout time.Duration

	// BackoffMultiplier grows the backoff factor on failed or empty
	// cycles. Ignored when BackoffStep is set. Defaults to 1.5.
	BackoffMultiplier float64

	// BackoffStep, when positive, grows the backoff factor additively
	// instead of multiplying it.
	BackoffStep float64

	// MaxBackoffFactor caps the backoff factor. Defaults to 5.0.
	MaxBackoffFactor float64

	// OnStatusChange fires after the first completed cycle and on every
	// status transition after that.
	OnStatusChange func(status Status)

	// OnError fires after every failed cycle. Failures never escape the
	// scheduler; this callback is the only way they surface.
	OnError func(err error, consecutiveFailures int)

	Logger Logger
}

// Scheduler runs PollFn on an adaptive interval. Lifecycle:
// created -> running <-> paused -> stopped, with stopped terminal.
// At most one cycle is in flight at any time.
type Scheduler struct {
	cfg Config

	mu                  sync.Mutex
	running             bool
	paused              bool
	stopped             bool
	inFlight            bool
	backoffFactor       float64
	consecutiveFailures int
	statusKnown         bool
	lastStatus          Status
	timer               *time.Timer
	cancelPoll          context.CancelFunc
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.PollFn == nil {
		return nil, fmt.Errorf("poll function is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * cfg.Interval
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 1.5
	}
	if cfg.MaxBackoffFactor < 1 {
		cfg.MaxBackoffFactor = 5.0
	}
	return &Scheduler{
		cfg:           cfg,
		backoffFactor: 1.0,
	}, nil
}

// Start begins polling with an immediate first cycle. Starting a running or
// stopped scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.tick()
}

// Pause cancels the pending cycle without touching the failure count or the
// backoff factor. A cycle already in flight runs to completion but does not
// reschedule. Pausing a paused or non-running scheduler is a no-op.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.running || s.paused {
		return
	}
	s.paused = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Resume re-invokes the poll immediately and reschedules. If the pre-pause
// cycle is still in flight the immediate invocation is skipped and the
// completing cycle reschedules instead.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.stopped || !s.running || !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	s.mu.Unlock()
	go s.tick()
}

// Stop makes the scheduler terminal and aborts any cycle in flight. It is
// idempotent; a stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelPoll != nil {
		s.cancelPoll()
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped || s.paused || !s.running || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollTimeout)
	s.cancelPoll = cancel
	s.mu.Unlock()

	count, err := s.cfg.PollFn(ctx)
	cancel()

	s.mu.Lock()
	s.inFlight = false
	s.cancelPoll = nil
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.consecutiveFailures++
		s.growBackoffLocked()
	} else {
		s.consecutiveFailures = 0
		if count > 0 {
			s.backoffFactor = 1.0
		} else {
			s.growBackoffLocked()
		}
	}
	failures := s.consecutiveFailures
	status := ProjectStatus(failures)
	notifyStatus := !s.statusKnown || status != s.lastStatus
	s.statusKnown = true
	s.lastStatus = status
	if s.running && !s.paused {
		s.scheduleNextLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.logf("poll cycle failed (%d consecutive): %v", failures, err)
		if s.cfg.OnError != nil {
			s.cfg.OnError(err, failures)
		}
	}
	if notifyStatus && s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(status)
	}
}

func (s *Scheduler) scheduleNextLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := time.Duration(float64(s.cfg.Interval) * s.backoffFactor)
	s.timer = time.AfterFunc(delay, s.tick)
}

func (s *Scheduler) growBackoffLocked() {
	next := s.backoffFactor
	if s.cfg.BackoffStep > 0 {
		next += s.cfg.BackoffStep
	} else {
		next *= s.cfg.BackoffMultiplier
	}
	if next > s.cfg.MaxBackoffFactor {
		next = s.cfg.MaxBackoffFactor
	}
	s.backoffFactor = next
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

func (s *Scheduler) BackoffFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffFactor
}

// Status projects the current consecutive-failure count.
func (s *Scheduler) Status() Status {
	return ProjectStatus(s.ConsecutiveFailures())
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
