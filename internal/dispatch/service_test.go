package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mailrelay/internal/channel"
	"mailrelay/internal/eventbus"
	"mailrelay/internal/mail"
	"mailrelay/internal/storage"
	"mailrelay/internal/tracker"
	logx "mailrelay/pkg/logx"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
	// fail returns the error for the n-th Notify call (0-based), or nil.
	fail func(n int, text string) error
	n    int
}

func (f *fakeChannel) Kind() string                  { return "fake" }
func (f *fakeChannel) Prepare(context.Context) error { return nil }
func (f *fakeChannel) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.n
	f.n++
	if f.fail != nil {
		if err := f.fail(n, text); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func rec(title string) mail.Record {
	return mail.Record{Sender: "alice@example.com", Title: title, Content: "body", Timestamp: "10:00", Size: "1KB"}
}

func text(title string) string {
	s, _ := mail.Format(rec(title))
	return s
}

func batch(titles ...string) mail.Batch {
	b := mail.Batch{ID: "b1", Source: "test"}
	for _, t := range titles {
		b.Records = append(b.Records, rec(t))
	}
	return b
}

func newService(t *testing.T, ch channel.Channel, kv storage.KV) (*Service, *tracker.Tracker) {
	t.Helper()
	if kv == nil {
		kv = storage.NewMemory()
	}
	tr := tracker.New(3, kv, logx.Nop())
	return New(Config{}, tr, ch, logx.Nop(), eventbus.New()), tr
}

func TestIngestNeverNotifiesTwice(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newService(t, ch, nil)
	ctx := context.Background()

	rep, err := s.Ingest(ctx, batch("A"))
	if err != nil || rep.Notified != 1 {
		t.Fatalf("first Ingest = %+v, %v", rep, err)
	}
	rep, err = s.Ingest(ctx, batch("A"))
	if err != nil || rep.Skipped != 1 || rep.Notified != 0 {
		t.Fatalf("second Ingest = %+v, %v", rep, err)
	}
	if diff := cmp.Diff([]string{text("A")}, ch.Sent()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestDuplicateWithinBatch(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newService(t, ch, nil)
	rep, err := s.Ingest(context.Background(), batch("A", "A"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	want := Report{BatchID: "b1", Notified: 1, Skipped: 1}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
	if len(ch.Sent()) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(ch.Sent()))
	}
}

func TestFailedNotifyIsRetriedByNextBatch(t *testing.T) {
	rejected := &channel.DeliveryError{Channel: "fake", Code: "invalid_auth"}
	ch := &fakeChannel{fail: func(n int, _ string) error {
		if n == 0 {
			return rejected
		}
		return nil
	}}
	s, tr := newService(t, ch, nil)
	ctx := context.Background()

	rep, err := s.Ingest(ctx, batch("A"))
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	var re *RecordError
	if !errors.As(err, &re) || re.Index != 0 || re.Title != "A" {
		t.Fatalf("err = %v, want *RecordError for A", err)
	}
	if !errors.Is(err, rejected) {
		t.Fatalf("RecordError does not wrap the delivery error: %v", err)
	}
	if tr.Contains(rec("A").Fingerprint()) {
		t.Fatal("failed record left marked as notified")
	}

	rep, err = s.Ingest(ctx, batch("A"))
	if err != nil || rep.Notified != 1 {
		t.Fatalf("retry Ingest = %+v, %v", rep, err)
	}
	if !tr.Contains(rec("A").Fingerprint()) {
		t.Fatal("retried record not marked")
	}
}

func TestFailureDoesNotAbortBatch(t *testing.T) {
	ch := &fakeChannel{fail: func(_ int, s string) error {
		if s == text("B") {
			return &channel.TransportError{Channel: "fake", Err: errors.New("reset")}
		}
		return nil
	}}
	s, tr := newService(t, ch, nil)
	rep, err := s.Ingest(context.Background(), batch("A", "B", "C"))
	if err == nil {
		t.Fatal("expected an error for B")
	}
	if rep.Notified != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if diff := cmp.Diff([]string{text("A"), text("C")}, ch.Sent()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	if tr.Contains(rec("B").Fingerprint()) || !tr.Contains(rec("C").Fingerprint()) {
		t.Fatal("cache does not reflect delivery outcome")
	}
}

func TestPersistFailureKeepsMark(t *testing.T) {
	kv := storage.NewMemory()
	ch := &fakeChannel{}
	s, tr := newService(t, ch, kv)
	_ = kv.Close()

	rep, err := s.Ingest(context.Background(), batch("A"))
	var pe *tracker.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if rep.Notified != 1 || !tr.Contains(rec("A").Fingerprint()) {
		t.Fatalf("report = %+v; mark should stay in memory", rep)
	}
	if s.Totals().PersistFailed != 1 {
		t.Fatalf("Totals() = %+v", s.Totals())
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	ch := &fakeChannel{}
	s, tr := newService(t, ch, nil)
	s.format = func(r mail.Record) (string, error) {
		if r.Title == "bad" {
			return "", mail.ErrMalformed
		}
		return mail.Format(r)
	}
	events, unsub := s.bus.Subscribe(8)
	defer unsub()

	rep, err := s.Ingest(context.Background(), batch("bad", "A"))
	if err != nil {
		t.Fatalf("malformed record must not fail the batch: %v", err)
	}
	if rep.Malformed != 1 || rep.Notified != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if tr.Contains(rec("bad").Fingerprint()) {
		t.Fatal("malformed record cached")
	}
	if e := <-events; e.Type != eventbus.DispatchMalformed {
		t.Fatalf("first event = %s", e.Type)
	}
}

func TestCancelledContextStopsBeforeNextRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &fakeChannel{fail: func(n int, _ string) error {
		if n == 0 {
			cancel()
		}
		return nil
	}}
	s, _ := newService(t, ch, nil)
	rep, err := s.Ingest(ctx, batch("A", "B", "C"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep.Notified != 1 || rep.Unprocessed != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestNoChannel(t *testing.T) {
	s, _ := newService(t, nil, nil)
	var ce *channel.ConfigurationError
	if _, err := s.Ingest(context.Background(), batch("A")); !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newService(t, ch, nil)
	s.Apply(Config{HistorySize: 2, RatePerSec: 1000, NotifyTimeout: time.Second})
	if _, err := s.Ingest(context.Background(), batch("A", "B", "C")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	h := s.History()
	if len(h) != 2 || h[0].Text != text("C") || h[1].Text != text("B") {
		t.Fatalf("History() = %+v", h)
	}
	if size, capacity := s.CacheStats(); size != 3 || capacity != 3 {
		t.Fatalf("CacheStats() = %d/%d", size, capacity)
	}
}

func TestSetChannelAndLoad(t *testing.T) {
	kv := storage.NewMemory()
	first := &fakeChannel{}
	s, _ := newService(t, first, kv)
	if _, err := s.Ingest(context.Background(), batch("A")); err != nil {
		t.Fatal(err)
	}

	// A fresh service over the same store sees A as notified after Load.
	second := &fakeChannel{}
	s2, _ := newService(t, second, kv)
	if err := s2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	third := &fakeChannel{}
	s2.SetChannel(third)
	if s2.Channel() != third {
		t.Fatal("SetChannel not applied")
	}
	rep, _ := s2.Ingest(context.Background(), batch("A", "B"))
	if rep.Skipped != 1 || len(third.Sent()) != 1 || len(second.Sent()) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestConcurrentIngestIsSerialized(t *testing.T) {
	errDown := errors.New("down")
	ch := &fakeChannel{fail: func(n int, _ string) error {
		if n%3 == 2 {
			return errDown
		}
		return nil
	}}
	s, tr := newService(t, ch, nil)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Ingest(context.Background(), batch("a", "b"))
			if err != nil && !errors.Is(err, errDown) {
				t.Errorf("Ingest: %v", err)
			}
			s.CacheStats()
			s.History()
		}()
	}
	wg.Wait()

	sent := ch.Sent()
	seen := make(map[string]int)
	for _, txt := range sent {
		seen[txt]++
		if seen[txt] > 1 {
			t.Fatalf("%q sent twice: %q", txt, sent)
		}
	}
	want := map[string]int{text("a"): 1, text("b"): 1}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	if tr.Len() != len(seen) {
		t.Fatalf("tracker Len = %d, want %d", tr.Len(), len(seen))
	}
	if got := s.Totals().Notified; got != uint64(len(seen)) {
		t.Fatalf("Notified = %d, want %d", got, len(seen))
	}
}

// blockingChannel holds Notify until release is closed.
type blockingChannel struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingChannel) Kind() string                  { return "blocking" }
func (b *blockingChannel) Prepare(context.Context) error { return nil }
func (b *blockingChannel) Notify(ctx context.Context, _ string) error {
	close(b.entered)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCacheStatsDuringSlowBatch(t *testing.T) {
	ch := &blockingChannel{entered: make(chan struct{}), release: make(chan struct{})}
	s, _ := newService(t, ch, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Ingest(context.Background(), batch("a"))
		done <- err
	}()
	<-ch.entered

	got := make(chan [2]int, 1)
	go func() {
		size, capacity := s.CacheStats()
		got <- [2]int{size, capacity}
	}()
	select {
	case v := <-got:
		if v != [2]int{1, 3} {
			t.Fatalf("CacheStats = %v, want [1 3]", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CacheStats blocked behind an in-flight batch")
	}

	close(ch.release)
	if err := <-done; err != nil {
		t.Fatalf("Ingest: %v", err)
	}
}
