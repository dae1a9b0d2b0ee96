package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailrelay/internal/feed/schedule"
	"mailrelay/internal/mail"
	logx "mailrelay/pkg/logx"
)

type fakePoller struct {
	recs  []mail.Record
	err   error
	polls int
}

func (p *fakePoller) Name() string { return "fake" }
func (p *fakePoller) Poll(context.Context) ([]mail.Record, error) {
	p.polls++
	return p.recs, p.err
}

func TestPollOnce(t *testing.T) {
	hub := NewHub()
	p := &fakePoller{recs: []mail.Record{{Title: "A"}}}
	w := NewWatcher(p, hub, schedule.Spec{Kind: schedule.Interval, Every: time.Minute}, 0, logx.Nop())
	ctx := context.Background()

	if err := w.PollOnce(ctx); err != nil || p.polls != 0 {
		t.Fatalf("suspended poll: err=%v polls=%d", err, p.polls)
	}

	var got []mail.Batch
	hub.Attach(func(_ context.Context, b mail.Batch) error { got = append(got, b); return nil })
	if err := w.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(got) != 1 || got[0].Source != "fake" || got[0].ID == "" || len(got[0].Records) != 1 {
		t.Fatalf("published %+v", got)
	}

	p.err = errors.New("imap down")
	if err := w.PollOnce(ctx); err == nil {
		t.Fatal("poll error swallowed")
	}
}
