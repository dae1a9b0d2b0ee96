// Package lifecycle owns the relay's state machine:
//
//	Idle -> Preparing -> Prepared -> Running
//	          |             ^          |
//	          v             +--Suspend-+
//	         Idle (prepare failed)
//
// Ingestion is accepted only while Running, and at most one feed listener
// is attached at any time. Accepted batches are queued and processed in
// arrival order by a single worker.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mailrelay/internal/channel"
	"mailrelay/internal/dispatch"
	"mailrelay/internal/eventbus"
	"mailrelay/internal/feed"
	"mailrelay/internal/mail"
	rtsup "mailrelay/internal/runtime/supervisor"
	"mailrelay/internal/tracker"
	logx "mailrelay/pkg/logx"
)

type State int

const (
	Idle State = iota
	Preparing
	Prepared
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotPrepared = errors.New("lifecycle: not prepared")
	ErrStopped     = errors.New("lifecycle: stopped")
)

type Config struct {
	QueueSize int
	// StrictLoad makes an unreadable fingerprint cache fail Prepare.
	// Otherwise Prepare succeeds with the fingerprints already in memory
	// (none on first start) and the failure is kept in LastLoadError.
	StrictLoad bool
}

// StateChange is the payload of lifecycle.state events.
type StateChange struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
	// LoadError is set on the transition to prepared when the fingerprint
	// cache could not be read.
	LoadError string `json:"load_error,omitempty"`
}

type Controller struct {
	// op serializes Prepare, Run, Suspend, Swap and Stop.
	op sync.Mutex

	mu      sync.Mutex
	state   State
	sub     *feed.Subscription
	stopped bool
	loadErr error

	cfg   Config
	svc   *dispatch.Service
	hub   feed.Attacher
	queue chan mail.Batch
	drain chan struct{}
	sup   *rtsup.Supervisor

	log logx.Logger
	bus eventbus.Bus
}

func New(cfg Config, svc *dispatch.Service, hub feed.Attacher, log logx.Logger, bus eventbus.Bus) *Controller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Controller{
		cfg:   cfg,
		svc:   svc,
		hub:   hub,
		queue: make(chan mail.Batch, cfg.QueueSize),
		drain: make(chan struct{}),
		log:   log,
		bus:   bus,
	}
}

// Start launches the batch worker. Batches accepted before Start wait in
// the queue.
func (c *Controller) Start(ctx context.Context) {
	c.op.Lock()
	defer c.op.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	c.sup.GoRestart("lifecycle.worker", c.work, 250*time.Millisecond, 10*time.Second)
}

// Stop suspends ingestion, lets the worker finish queued batches until ctx
// expires, then cancels it between records. The channel is closed if it
// holds a connection.
func (c *Controller) Stop(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	c.suspendLocked()

	c.mu.Lock()
	already := c.stopped
	c.stopped = true
	c.mu.Unlock()
	if already {
		return nil
	}

	var err error
	if c.sup != nil {
		close(c.drain)
		if err = c.sup.Wait(ctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("queued batches abandoned at shutdown", logx.Int("queued", len(c.queue)))
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = c.sup.Stop(sctx)
			cancel()
		}
	}
	closeChannel(c.svc.Channel(), c.log)
	return err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastLoadError returns the fingerprint cache load failure tolerated by the
// most recent successful Prepare, or nil.
func (c *Controller) LastLoadError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// Accepting reports whether new batches are accepted.
func (c *Controller) Accepting() bool { return c.State() == Running }

// Subscription returns the attached feed subscription, nil unless Running.
func (c *Controller) Subscription() *feed.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// Prepare validates the channel and loads the fingerprint cache
// concurrently. A Running controller is suspended first. On failure the
// state is Idle and the cause is returned.
func (c *Controller) Prepare(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if c.isStopped() {
		return ErrStopped
	}
	c.suspendLocked()
	return c.prepareLocked(ctx)
}

func (c *Controller) prepareLocked(ctx context.Context) error {
	c.setState(Preparing, nil)

	ch := c.svc.Channel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if ch == nil {
			return &channel.ConfigurationError{Channel: "none", Field: "kind", Reason: "no channel configured"}
		}
		return ch.Prepare(gctx)
	})
	var softLoadErr error
	g.Go(func() error {
		err := c.svc.Load(gctx)
		var pe *tracker.PersistenceError
		if err != nil && !c.cfg.StrictLoad && errors.As(err, &pe) {
			softLoadErr = err
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		err = fmt.Errorf("prepare: %w", err)
		c.setState(Idle, err)
		return err
	}
	if softLoadErr != nil {
		c.log.Warn("fingerprint cache unreadable; keeping in-memory fingerprints", logx.Err(softLoadErr))
	}
	c.mu.Lock()
	c.loadErr = softLoadErr
	c.mu.Unlock()
	c.setState(Prepared, nil)
	return nil
}

// Run attaches the feed listener. Calling it while Running returns the
// existing subscription.
func (c *Controller) Run() (*feed.Subscription, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if c.isStopped() {
		return nil, ErrStopped
	}
	return c.runLocked()
}

func (c *Controller) runLocked() (*feed.Subscription, error) {
	c.mu.Lock()
	state, sub := c.state, c.sub
	c.mu.Unlock()
	switch state {
	case Running:
		return sub, nil
	case Prepared:
	default:
		return nil, fmt.Errorf("%w (state %s)", ErrNotPrepared, state)
	}

	sub = c.hub.Attach(c.accept)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.setState(Running, nil)
	return sub, nil
}

// Suspend detaches the feed listener. Batches already accepted are still
// processed. It reports whether the controller was running.
func (c *Controller) Suspend() bool {
	c.op.Lock()
	defer c.op.Unlock()
	return c.suspendLocked()
}

func (c *Controller) suspendLocked() bool {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return false
	}
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if !c.hub.Detach(sub) {
		c.log.Debug("subscription already detached", logx.Uint64("sub", sub.ID()))
	}
	c.setState(Prepared, nil)
	return true
}

// Swap installs a new channel: suspend, prepare with ch, resume if it was
// running. If preparing ch fails the previous channel is restored and the
// error returned.
func (c *Controller) Swap(ctx context.Context, ch channel.Channel) error {
	c.op.Lock()
	defer c.op.Unlock()
	if c.isStopped() {
		return ErrStopped
	}

	prev := c.svc.Channel()
	prevState := c.State()
	wasRunning := c.suspendLocked()

	c.svc.SetChannel(ch)
	if err := c.prepareLocked(ctx); err != nil {
		closeChannel(ch, c.log)
		c.svc.SetChannel(prev)
		if prevState >= Prepared {
			if rerr := c.prepareLocked(ctx); rerr != nil {
				c.log.Error("previous channel failed to re-prepare", logx.Err(rerr))
				return errors.Join(err, rerr)
			}
			if wasRunning {
				if _, rerr := c.runLocked(); rerr != nil {
					return errors.Join(err, rerr)
				}
			}
		}
		return err
	}

	if prev != nil && prev != ch {
		closeChannel(prev, c.log)
	}
	c.log.Info("channel swapped", logx.String("kind", ch.Kind()))
	if wasRunning {
		if _, err := c.runLocked(); err != nil {
			return err
		}
	}
	return nil
}

// accept is the feed listener. It only enqueues.
func (c *Controller) accept(_ context.Context, b mail.Batch) error {
	c.mu.Lock()
	running := c.state == Running && !c.stopped
	c.mu.Unlock()
	if !running {
		return feed.ErrNoListener
	}
	select {
	case c.queue <- b:
		return nil
	default:
		c.log.Warn("batch rejected, queue full", logx.String("batch", b.ID), logx.Int("queue", cap(c.queue)))
		return feed.ErrBusy
	}
}

func (c *Controller) work(ctx context.Context) error {
	for {
		select {
		case b := <-c.queue:
			c.process(ctx, b)
		case <-c.drain:
			for {
				select {
				case b := <-c.queue:
					c.process(ctx, b)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) process(ctx context.Context, b mail.Batch) {
	rep, err := c.svc.Ingest(ctx, b)
	fields := []logx.Field{
		logx.String("batch", b.ID),
		logx.String("source", b.Source),
		logx.Int("notified", rep.Notified),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
	}
	switch {
	case err != nil:
		c.log.Info("batch finished with errors", append(fields, logx.Err(err))...)
	case rep.Notified > 0:
		c.log.Info("batch finished", fields...)
	default:
		c.log.Debug("batch finished", fields...)
	}
}

func (c *Controller) setState(to State, cause error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	loadErr := c.loadErr
	c.mu.Unlock()
	if from == to {
		return
	}
	ev := StateChange{From: from.String(), To: to.String()}
	if to == Prepared && from == Preparing && loadErr != nil {
		ev.LoadError = loadErr.Error()
	}
	if cause != nil {
		ev.Error = cause.Error()
		c.log.Warn("state changed", logx.String("from", ev.From), logx.String("to", ev.To), logx.Err(cause))
	} else {
		c.log.Info("state changed", logx.String("from", ev.From), logx.String("to", ev.To))
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.LifecycleState, Data: ev})
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func closeChannel(ch channel.Channel, log logx.Logger) {
	if cl, ok := ch.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			log.Debug("closing channel failed", logx.Err(err))
		}
	}
}
