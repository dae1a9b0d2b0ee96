// Package supervisor runs named goroutines under a shared context with
// panic recovery, restart-with-backoff and per-name statistics.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "mailrelay/pkg/logx"
)

// Supervisor owns goroutines tied to one context. Stop cancels the context
// and waits for all of them.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	wg          sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the whole supervisor on the first task error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// TaskStats aggregates runs of goroutines sharing a name.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   int       `json:"started"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastErr   string    `json:"last_err,omitempty"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, tasks: map[string]*TaskStats{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first error recorded by a task, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Snapshot returns task stats, active tasks first.
func (s *Supervisor) Snapshot() []TaskStats {
	s.mu.Lock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Go runs fn once. A panic is recovered and recorded as an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.begin(name, false)
		err := s.run(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.end(name, err)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// GoRestart runs fn and restarts it with jittered exponential backoff when
// it fails or panics, until the context is canceled. A nil return stops
// the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, minBackoff, maxBackoff time.Duration) {
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := minBackoff
		for restart := false; ; restart = true {
			if s.ctx.Err() != nil {
				return
			}
			startedAt := s.begin(name, restart)
			err := s.run(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.end(name, nil)
				return
			}
			s.end(name, err)

			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = minBackoff
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%int64(backoff/5+1))
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}()
}

// Stop cancels all tasks and waits for them until ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats(name).Panics++
			s.mu.Unlock()
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("task started", logx.String("task", name))
	return fn(s.ctx)
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	t := s.stats(name)
	t.Active++
	t.Started++
	if restart {
		t.Restarts++
	}
	t.LastStart = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) end(name string, err error) {
	s.mu.Lock()
	t := s.stats(name)
	t.Active--
	if err != nil {
		t.LastErr = err.Error()
	}
	s.mu.Unlock()
	s.log.Debug("task stopped", logx.String("task", name))
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// stats must be called with mu held.
func (s *Supervisor) stats(name string) *TaskStats {
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	return t
}
