// Package dispatch turns batches of observed mails into notifications,
// at most once per mail.
//
// For each record the service checks the fingerprint cache, marks the
// fingerprint before delivery, and undoes the mark if delivery fails. A
// crash between marking and delivery therefore loses that notification
// rather than duplicating it.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mailrelay/internal/channel"
	"mailrelay/internal/eventbus"
	"mailrelay/internal/mail"
	"mailrelay/internal/tracker"
	logx "mailrelay/pkg/logx"
)

// Service owns the fingerprint cache and the active channel. All access to
// either goes through mu, so batches never interleave and the single
// rollback slot of the cache is never shared.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	tracker *tracker.Tracker
	channel channel.Channel
	limiter *rate.Limiter

	log    logx.Logger
	bus    eventbus.Bus
	format func(mail.Record) (string, error)

	hmu     sync.Mutex
	history []HistoryItem

	batches, notified, skipped, failed, malformed, persistFailed atomic.Uint64

	// cacheLen mirrors tracker.Len so readers don't wait for a batch.
	// The ring capacity never changes after New.
	cacheLen atomic.Int64
	cacheCap int
}

func New(cfg Config, tr *tracker.Tracker, ch channel.Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{tracker: tr, channel: ch, log: log, bus: bus, format: mail.Format}
	s.applyLocked(cfg)
	s.cacheLen.Store(int64(tr.Len()))
	s.cacheCap = tr.Cap()
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSec))
	}
	s.cfg = cfg
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		s.limiter = nil
	}
}

// Channel returns the channel notifications currently go to.
func (s *Service) Channel() channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// SetChannel replaces the channel. It waits for an in-flight batch.
func (s *Service) SetChannel(ch channel.Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

// Load reloads the fingerprint cache from storage. It waits for an
// in-flight batch.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.tracker.Load(ctx)
	s.cacheLen.Store(int64(s.tracker.Len()))
	return err
}

// Ingest processes batch records in order. Duplicates are skipped,
// malformed records are counted and skipped, and delivery failures are
// rolled back and returned joined together as *RecordError values. A failed
// save after a successful delivery is returned as *tracker.PersistenceError;
// the record still counts as notified.
//
// Cancelling ctx stops processing before the next record.
func (s *Service) Ingest(ctx context.Context, batch mail.Batch) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{BatchID: batch.ID}
	log := s.log.With(logx.String("batch", batch.ID), logx.String("source", batch.Source))
	s.batches.Add(1)

	if s.channel == nil {
		return rep, &channel.ConfigurationError{Channel: "none", Field: "kind", Reason: "no channel configured"}
	}

	var errs []error
	for i, rec := range batch.Records {
		var err error
		if cerr := ctx.Err(); cerr != nil {
			err = stopped{cerr}
		} else {
			err = s.ingestOne(ctx, log, batch.ID, i, rec, &rep)
		}
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if errors.As(err, new(stopped)) {
			rep.Unprocessed = len(batch.Records) - i
			break
		}
	}

	log.Debug("batch processed",
		logx.Int("records", len(batch.Records)),
		logx.Int("notified", rep.Notified),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Int("malformed", rep.Malformed))
	return rep, errors.Join(errs...)
}

func (s *Service) ingestOne(ctx context.Context, log logx.Logger, batchID string, idx int, rec mail.Record, rep *Report) error {
	fp := rec.Fingerprint()
	ev := RecordEvent{BatchID: batchID, Index: idx, Fingerprint: fp, Title: rec.Title}

	text, err := s.format(rec)
	if err != nil {
		merr := &MalformedRecordError{Index: idx, Err: err}
		log.Warn("skipping malformed record", logx.Int("index", idx), logx.Err(merr))
		rep.Malformed++
		s.malformed.Add(1)
		ev.Error = merr.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchMalformed, Data: ev})
		return nil
	}

	if s.tracker.Contains(fp) {
		log.Trace("already notified", logx.String("fp", fp.Short()))
		rep.Skipped++
		s.skipped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchDuplicate, Data: ev})
		return nil
	}

	// Pace before marking so a cancelled wait leaves the cache untouched.
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return stopped{err}
		}
	}

	s.tracker.Add(fp)
	s.cacheLen.Store(int64(s.tracker.Len()))

	nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	err = s.channel.Notify(nctx, text)
	cancel()
	if err != nil {
		s.tracker.Rollback()
		s.cacheLen.Store(int64(s.tracker.Len()))
		rep.Failed++
		s.failed.Add(1)
		rerr := &RecordError{BatchID: batchID, Index: idx, Fingerprint: fp, Title: rec.Title, Err: err}
		ev.Error = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Data: ev})
		log.Warn("notify failed",
			logx.String("fp", fp.Short()),
			logx.String("title", rec.Title),
			logx.String("sender", rec.Sender),
			logx.Err(err))
		return rerr
	}

	rep.Notified++
	s.notified.Add(1)
	s.appendHistory(HistoryItem{At: time.Now(), BatchID: batchID, Fingerprint: fp, Text: text})
	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchNotified, Data: ev})
	log.Info("notified", logx.String("fp", fp.Short()), logx.String("title", rec.Title))

	// Save outlives ctx cancellation.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
	err = s.tracker.Save(sctx)
	cancel()
	if err != nil {
		s.persistFailed.Add(1)
		ev.Error = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchPersistFailed, Data: ev})
		log.Error("saving notified fingerprints failed", logx.String("fp", fp.Short()), logx.Err(err))
		return err
	}
	return nil
}

// History returns delivered notifications, newest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	for i, h := range s.history {
		out[len(s.history)-1-i] = h
	}
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	limit := s.cfg.HistorySize
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) Totals() Totals {
	return Totals{
		Batches:       s.batches.Load(),
		Notified:      s.notified.Load(),
		Skipped:       s.skipped.Load(),
		Failed:        s.failed.Load(),
		Malformed:     s.malformed.Load(),
		PersistFailed: s.persistFailed.Load(),
	}
}

// CacheStats reports fingerprint cache occupancy as of the last completed
// cache update. It does not wait for an in-flight batch.
func (s *Service) CacheStats() (size, capacity int) {
	return int(s.cacheLen.Load()), s.cacheCap
}

// stopped ends a batch before the current record was attempted.
type stopped struct{ err error }

func (e stopped) Error() string { return "dispatch stopped: " + e.err.Error() }
func (e stopped) Unwrap() error { return e.err }
