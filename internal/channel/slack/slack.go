// Package slack posts notifications with the Slack Web API
// (chat.postMessage) using a bot token.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"

	"mailrelay/internal/channel"
	"mailrelay/internal/credential"
	logx "mailrelay/pkg/logx"
)

const (
	Kind       = "slack"
	defaultURL = "https://slack.com/api/"
)

var hints = map[string]string{
	"invalid_auth":      "Slack API token is invalid; reconfigure the token",
	"not_authed":        "no Slack API token was sent; reconfigure the token",
	"channel_not_found": "Slack channel not found; reconfigure the channel ID",
	"not_in_channel":    "the bot is not a member of the channel; invite it first",
	"ratelimited":       "Slack rate limit hit",
}

func init() {
	channel.Register(Kind, func(cfg channel.Config, log logx.Logger) (channel.Channel, error) {
		return New(cfg, log), nil
	})
}

type Notifier struct {
	cfg  channel.Config
	log  logx.Logger
	http *http.Client

	// Resolve turns cfg.Token into a secret. Replaced in tests.
	Resolve func(ref string) (string, error)

	mu       sync.Mutex
	prepared bool
	api      *slackapi.Client
}

func New(cfg channel.Config, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = defaultURL
	}
	// slack-go joins the base URL and method name without a separator.
	cfg.URL = strings.TrimRight(cfg.URL, "/") + "/"
	return &Notifier{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		Resolve: credential.Resolve,
	}
}

func (n *Notifier) Kind() string { return Kind }

func (n *Notifier) Prepare(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.prepared {
		n.log.Debug("slack notifier already prepared")
		return nil
	}

	token, err := n.Resolve(n.cfg.Token)
	if err != nil {
		return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "cannot resolve", Err: err}
	}
	if token == "" {
		return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "not set"}
	}
	if strings.TrimSpace(n.cfg.Target) == "" {
		return &channel.ConfigurationError{Channel: Kind, Field: "target", Reason: "channel ID not set"}
	}

	api := slackapi.New(token,
		slackapi.OptionHTTPClient(n.http),
		slackapi.OptionAPIURL(n.cfg.URL),
	)

	if n.cfg.Validate {
		resp, err := api.AuthTestContext(ctx)
		if err != nil {
			var se slackapi.SlackErrorResponse
			if errors.As(err, &se) {
				return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: hintOr(se.Err)}
			}
			return &channel.ConfigurationError{Channel: Kind, Field: "token", Reason: "auth.test failed", Err: err}
		}
		n.log.Info("slack token validated", logx.String("team", resp.Team), logx.String("bot_user", resp.User))
	}

	n.api = api
	n.prepared = true
	n.log.Info("notifier prepared", logx.String("target", n.cfg.Target))
	return nil
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	api, prepared := n.api, n.prepared
	n.mu.Unlock()
	if !prepared {
		return &channel.ConfigurationError{Channel: Kind, Field: "state", Reason: "not prepared"}
	}

	_, ts, err := api.PostMessageContext(ctx, n.cfg.Target, slackapi.MsgOptionText(text, false))
	if err != nil {
		return mapError(err)
	}
	n.log.Debug("notified", logx.String("ts", ts))
	return nil
}

// mapError sorts slack-go errors into the channel error kinds: API
// rejections and rate limits are delivery errors, everything else is
// transport.
func mapError(err error) error {
	var (
		se slackapi.SlackErrorResponse
		rl *slackapi.RateLimitedError
		sc slackapi.StatusCodeError
	)
	switch {
	case errors.As(err, &rl):
		return &channel.DeliveryError{Channel: Kind, Code: "ratelimited", Hint: fmt.Sprintf("%s, retry after %s", hints["ratelimited"], rl.RetryAfter)}
	case errors.As(err, &se):
		code := se.Err
		if code == "" {
			code = "unknown_error"
		}
		return &channel.DeliveryError{Channel: Kind, Code: code, Hint: hints[code]}
	case errors.As(err, &sc):
		return &channel.TransportError{Channel: Kind, Err: fmt.Errorf("http %d", sc.Code)}
	default:
		return &channel.TransportError{Channel: Kind, Err: err}
	}
}

func hintOr(code string) string {
	if h, ok := hints[code]; ok {
		return h
	}
	if code == "" {
		return "rejected"
	}
	return code
}
