// Package telegram delivers notifications through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mailrelay/internal/channel"
	"mailrelay/internal/credential"
	logx "mailrelay/pkg/logx"
)

const Kind = "telegram"

func init() {
	channel.Register(Kind, func(cfg channel.Config, log logx.Logger) (channel.Channel, error) {
		return New(cfg, log), nil
	})
}

type Notifier struct {
	cfg channel.Config
	log logx.Logger

	// Resolve turns cfg.Token into a secret. Replaced in tests.
	Resolve func(ref string) (string, error)

	mu   sync.Mutex
	bot  *tele.Bot
	chat *tele.Chat
}

func New(cfg channel.Config, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{cfg: cfg, log: log, Resolve: credential.Resolve}
}

func (n *Notifier) Kind() string { return Kind }

// Prepare builds the bot client. With Validate set it calls getMe (inside
// telebot.NewBot) and getChat so a bad token or chat id fails here rather
// than on the first mail.
func (n *Notifier) Prepare(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bot != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	token, err := n.Resolve(n.cfg.Token)
	if err != nil {
		return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "cannot resolve", Err: err}
	}
	if token == "" {
		return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "not set"}
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.cfg.Target), 10, 64)
	if err != nil {
		return &channel.ConfigurationError{Channel: Kind, Field: "target", Reason: "chat id must be an integer", Err: err}
	}

	timeout := n.cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(n.cfg.URL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: !n.cfg.Validate,
	})
	if err != nil {
		return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "getMe failed", Err: err}
	}

	chat := &tele.Chat{ID: chatID}
	if n.cfg.Validate {
		c, err := b.ChatByID(chatID)
		if err != nil {
			return &channel.ConfigurationError{Channel: Kind, Field: "target", Reason: "chat lookup failed", Err: err}
		}
		chat = c
		n.log.Info("telegram bot validated", logx.String("bot", b.Me.Username), logx.String("chat_type", string(c.Type)))
	}

	n.bot, n.chat = b, chat
	n.log.Info("notifier prepared", logx.Int64("chat_id", chatID))
	return nil
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	b, chat := n.bot, n.chat
	n.mu.Unlock()
	if b == nil {
		return &channel.ConfigurationError{Channel: Kind, Field: "state", Reason: "not prepared"}
	}

	// Once the first chunk is visible the mail counts as delivered: failing
	// now would roll the mark back and the retry would resend what the user
	// already saw.
	chunks := splitText(text, textLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			if i > 0 {
				n.partial(i, len(chunks), err)
				return nil
			}
			return &channel.TransportError{Channel: Kind, Err: err}
		}
		msg, err := b.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			if i > 0 {
				n.partial(i, len(chunks), err)
				return nil
			}
			return mapError(err)
		}
		if i == 0 {
			n.log.Debug("notified", logx.Int("message_id", msg.ID))
		}
	}
	return nil
}

func (n *Notifier) partial(sent, total int, err error) {
	n.log.Warn("notification partially sent",
		logx.Int("sent_chunks", sent),
		logx.Int("chunks", total),
		logx.Err(err))
}

func mapError(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		return &channel.DeliveryError{Channel: Kind, Code: strconv.Itoa(te.Code), Hint: te.Description}
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &channel.DeliveryError{Channel: Kind, Code: "429", Hint: "flood control, retry after " + strconv.Itoa(fe.RetryAfter) + "s"}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &channel.TransportError{Channel: Kind, Err: err}
	}
	return &channel.DeliveryError{Channel: Kind, Code: "unknown", Hint: err.Error()}
}

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
