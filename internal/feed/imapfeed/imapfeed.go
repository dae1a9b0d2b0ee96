// Package imapfeed polls IMAP mailboxes for unseen mail.
package imapfeed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"mailrelay/internal/credential"
	"mailrelay/internal/mail"
	logx "mailrelay/pkg/logx"
)

type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string // credential reference
	TLS       bool   // implicit TLS; false uses STARTTLS
	Mailboxes []string
	// Limit caps messages fetched per mailbox per poll, newest first.
	Limit      int
	SnippetLen int
}

type Poller struct {
	cfg Config
	log logx.Logger

	// Resolve turns cfg.Password into a secret. Replaced in tests.
	Resolve func(ref string) (string, error)
}

func New(cfg Config, log logx.Logger) *Poller {
	if len(cfg.Mailboxes) == 0 {
		cfg.Mailboxes = []string{"INBOX"}
	}
	if cfg.Port == 0 {
		cfg.Port = 993
		if !cfg.TLS {
			cfg.Port = 143
		}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.SnippetLen <= 0 {
		cfg.SnippetLen = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg, log: log, Resolve: credential.Resolve}
}

func (p *Poller) Name() string { return "imap:" + p.cfg.Host }

func (p *Poller) connect() (*imapclient.Client, error) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	var (
		c   *imapclient.Client
		err error
	)
	if p.cfg.TLS {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}
	pass, err := p.Resolve(p.cfg.Password)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap password: %w", err)
	}
	if err := c.Login(p.cfg.Username, pass).Wait(); err != nil {
		_ = c.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", p.cfg.Username, err)
	}
	return c, nil
}

// Poll returns unseen messages across the configured mailboxes without
// marking them seen.
func (p *Poller) Poll(ctx context.Context) ([]mail.Record, error) {
	c, err := p.connect()
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	defer func() { _ = c.Logout().Wait() }()

	var out []mail.Record
	for _, mbox := range p.cfg.Mailboxes {
		recs, err := p.pollMailbox(c, mbox)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			p.log.Warn("mailbox poll failed", logx.String("mailbox", mbox), logx.Err(err))
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (p *Poller) pollMailbox(c *imapclient.Client, mbox string) ([]mail.Record, error) {
	if _, err := c.Select(mbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", mbox, err)
	}
	data, err := c.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", mbox, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > p.cfg.Limit {
		uids = uids[len(uids)-p.cfg.Limit:]
	}

	body := &imap.FetchItemBodySection{Peek: true}
	fetch := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{body},
	})
	defer fetch.Close()

	var out []mail.Record
	for {
		msg := fetch.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			p.log.Debug("skipping message", logx.String("mailbox", mbox), logx.Err(err))
			continue
		}
		out = append(out, p.toRecord(buf.Envelope, buf.RFC822Size, buf.FindBodySection(body)))
	}
	if err := fetch.Close(); err != nil {
		return out, fmt.Errorf("fetching %s: %w", mbox, err)
	}
	p.log.Debug("mailbox polled", logx.String("mailbox", mbox), logx.Int("unseen", len(out)))
	return out, nil
}

func (p *Poller) toRecord(env *imap.Envelope, size int64, raw []byte) mail.Record {
	r := mail.Record{
		Content: snippet(raw, p.cfg.SnippetLen),
		Size:    humanize.Bytes(uint64(max(size, 0))),
	}
	if env != nil {
		r.Title = env.Subject
		if !env.Date.IsZero() {
			r.Timestamp = env.Date.Format("2006-01-02 15:04")
		}
		if len(env.From) > 0 {
			from := env.From[0]
			r.Sender = from.Addr()
			if from.Name != "" {
				r.Sender = from.Name + " <" + from.Addr() + ">"
			}
		}
	}
	return r
}

// snippet returns the first n runes of the text/plain part of raw with
// whitespace collapsed.
func snippet(raw []byte, n int) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	defer mr.Close()
	for text == "" {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/plain") {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(part.Body, int64(n)*8))
		if err != nil {
			continue
		}
		text = string(b)
	}
	return collapse(text, n)
}

func collapse(s string, n int) string {
	var b strings.Builder
	count := 0
	space := false
	for _, r := range strings.TrimSpace(s) {
		if count >= n {
			break
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && count > 0 {
			b.WriteByte(' ')
			count++
		}
		space = false
		b.WriteRune(r)
		count++
	}
	return b.String()
}
