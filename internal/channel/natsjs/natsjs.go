// Package natsjs publishes notifications to a NATS JetStream subject, for
// downstream consumers that fan them out further.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"mailrelay/internal/channel"
	"mailrelay/internal/credential"
	logx "mailrelay/pkg/logx"
)

const Kind = "nats"

func init() {
	channel.Register(Kind, func(cfg channel.Config, log logx.Logger) (channel.Channel, error) {
		return New(cfg, log), nil
	})
}

// Message is the JSON payload published per notification.
type Message struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

type Publisher struct {
	cfg channel.Config
	log logx.Logger

	// Resolve turns cfg.Token into a secret. Replaced in tests.
	Resolve func(ref string) (string, error)

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

func New(cfg channel.Config, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	return &Publisher{cfg: cfg, log: log, Resolve: credential.Resolve}
}

func (p *Publisher) Kind() string { return Kind }

func (p *Publisher) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := strings.TrimSpace(p.cfg.Target)
	if subject == "" {
		return &channel.ConfigurationError{Channel: Kind, Field: "target", Reason: "subject not set"}
	}
	opts := []nats.Option{nats.Name("mailrelay")}
	if p.cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(p.cfg.Timeout))
	}
	if strings.TrimSpace(p.cfg.Token) != "" {
		token, err := p.Resolve(p.cfg.Token)
		if err != nil {
			return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "cannot resolve", Err: err}
		}
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(p.cfg.URL, opts...)
	if err != nil {
		return &channel.TransportError{Channel: Kind, Err: fmt.Errorf("failed to connect to NATS: %w", err)}
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return &channel.TransportError{Channel: Kind, Err: fmt.Errorf("failed to get JetStream context: %w", err)}
	}
	if p.cfg.Stream != "" {
		if err := ensureStream(js, p.cfg.Stream, subject); err != nil {
			nc.Close()
			return &channel.ConfigurationError{Channel: Kind, Field: "stream", Reason: "cannot ensure stream", Err: err}
		}
	}

	p.nc, p.js = nc, js
	p.log.Info("notifier prepared", logx.String("subject", subject), logx.String("stream", p.cfg.Stream))
	return nil
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	if info, err := js.StreamInfo(name); err == nil && info != nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Notify publishes text with a MsgId derived from it, so JetStream drops
// a duplicate published inside the stream's duplicate window.
func (p *Publisher) Notify(ctx context.Context, text string) error {
	p.mu.Lock()
	js := p.js
	p.mu.Unlock()
	if js == nil {
		return &channel.ConfigurationError{Channel: Kind, Field: "state", Reason: "not prepared"}
	}

	payload, err := json.Marshal(Message{ID: uuid.NewString(), Text: text, Time: time.Now().UTC()})
	if err != nil {
		return err
	}
	ack, err := js.Publish(p.cfg.Target, payload, nats.MsgId(msgID(text)), nats.Context(ctx))
	if err != nil {
		return mapError(err)
	}
	if ack.Duplicate {
		p.log.Debug("duplicate publish dropped by stream", logx.String("stream", ack.Stream))
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc, p.js = nil, nil
	return err
}

func msgID(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

func mapError(err error) error {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return &channel.DeliveryError{Channel: Kind, Code: strconv.Itoa(int(apiErr.ErrorCode)), Hint: apiErr.Description}
	}
	if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		return &channel.DeliveryError{Channel: Kind, Code: "no_stream", Hint: "no JetStream stream captures the subject"}
	}
	return &channel.TransportError{Channel: Kind, Err: err}
}
