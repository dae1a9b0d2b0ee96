package feed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mailrelay/internal/feed/schedule"
	"mailrelay/internal/mail"
	logx "mailrelay/pkg/logx"
)

// Poller lists the mails currently considered new (for example unread).
// The same mail may be returned by many polls; dispatch drops repeats.
type Poller interface {
	Name() string
	Poll(ctx context.Context) ([]mail.Record, error)
}

// Publisher is the side of a Hub a Watcher needs.
type Publisher interface {
	Publish(ctx context.Context, b mail.Batch) error
	Active() bool
}

// Watcher polls on a schedule and publishes each poll as one batch. Polls
// are skipped while nothing listens.
type Watcher struct {
	poller  Poller
	hub     Publisher
	spec    schedule.Spec
	timeout time.Duration
	loc     *time.Location
	log     logx.Logger
}

func NewWatcher(p Poller, hub Publisher, spec schedule.Spec, timeout time.Duration, log logx.Logger) *Watcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{poller: p, hub: hub, spec: spec, timeout: timeout, log: log.With(logx.String("feed", p.Name()))}
}

// In sets the time zone cron schedules are evaluated in. nil means local
// time.
func (w *Watcher) In(loc *time.Location) *Watcher {
	w.loc = loc
	return w
}

// Run blocks until ctx is done. Poll errors are logged and retried on the
// next tick.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watcher started", logx.String("schedule", w.spec.String()))
	return schedule.Run(ctx, w.spec, w.loc, func(ctx context.Context) {
		if err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("poll failed", logx.Err(err))
		}
	})
}

// PollOnce runs one poll and publishes the result.
func (w *Watcher) PollOnce(ctx context.Context) error {
	if !w.hub.Active() {
		w.log.Trace("relay suspended; poll skipped")
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	recs, err := w.poller.Poll(pctx)
	cancel()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	b := mail.Batch{ID: uuid.NewString(), Source: w.poller.Name(), Records: recs}
	err = w.hub.Publish(ctx, b)
	switch {
	case errors.Is(err, ErrNoListener):
		w.log.Debug("relay suspended during poll; batch dropped", logx.String("batch", b.ID))
		return nil
	case err != nil:
		return err
	}
	w.log.Debug("batch published", logx.String("batch", b.ID), logx.Int("records", len(recs)))
	return nil
}
