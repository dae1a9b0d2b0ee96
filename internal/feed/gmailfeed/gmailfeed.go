// Package gmailfeed polls a Gmail mailbox through the Gmail API.
package gmailfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailrelay/internal/credential"
	"mailrelay/internal/mail"
	logx "mailrelay/pkg/logx"
)

// Quota costs, in Gmail API units.
const (
	unitsList = 1
	unitsGet  = 5

	unitsPerSecond = 250
)

const DefaultQuery = "is:unread in:inbox"

type Config struct {
	// CredentialsFile is the OAuth client JSON downloaded from the Google
	// console.
	CredentialsFile string
	// Token is a credential reference resolving to an OAuth token JSON.
	Token string
	Query string
	Limit int64
}

type Poller struct {
	cfg     Config
	svc     *gmail.Service
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a poller. Without opts the HTTP client is authorized from
// cfg.CredentialsFile and cfg.Token.
func New(ctx context.Context, cfg Config, log logx.Logger, opts ...option.ClientOption) (*Poller, error) {
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(opts) == 0 {
		client, err := oauthClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = []option.ClientOption{option.WithHTTPClient(client)}
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Poller{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(unitsPerSecond*0.8, unitsPerSecond),
		log:     log,
	}, nil
}

func oauthClient(ctx context.Context, cfg Config) (*http.Client, error) {
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading gmail credentials: %w", err)
	}
	conf, err := google.ConfigFromJSON(raw, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing gmail credentials: %w", err)
	}
	tokJSON, err := credential.Resolve(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("gmail token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(tokJSON), &tok); err != nil {
		return nil, fmt.Errorf("decoding gmail token: %w", err)
	}
	return oauth2.NewClient(ctx, conf.TokenSource(ctx, &tok)), nil
}

func (p *Poller) Name() string { return "gmail" }

// Poll lists messages matching the query, newest first, and fetches their
// metadata. Messages deleted between list and get are skipped.
func (p *Poller) Poll(ctx context.Context) ([]mail.Record, error) {
	if err := p.limiter.WaitN(ctx, unitsList); err != nil {
		return nil, err
	}
	list, err := p.svc.Users.Messages.List("me").Q(p.cfg.Query).MaxResults(p.cfg.Limit).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing gmail messages: %w", err)
	}

	out := make([]mail.Record, 0, len(list.Messages))
	for _, m := range list.Messages {
		if err := p.limiter.WaitN(ctx, unitsGet); err != nil {
			return out, err
		}
		msg, err := p.svc.Users.Messages.Get("me", m.Id).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				p.log.Debug("gmail message vanished", logx.String("id", m.Id))
				continue
			}
			return out, fmt.Errorf("getting gmail message %s: %w", m.Id, err)
		}
		out = append(out, toRecord(msg))
	}
	return out, nil
}

func toRecord(m *gmail.Message) mail.Record {
	r := mail.Record{
		Content: html.UnescapeString(m.Snippet),
		Size:    humanize.Bytes(uint64(max(m.SizeEstimate, 0))),
	}
	if m.InternalDate > 0 {
		r.Timestamp = time.UnixMilli(m.InternalDate).Format("2006-01-02 15:04")
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				r.Sender = h.Value
			case "subject":
				r.Title = h.Value
			}
		}
	}
	return r
}
