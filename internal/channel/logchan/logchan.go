// Package logchan is a channel that writes notifications to the log.
// Useful for dry runs and as the default when no remote is configured.
package logchan

import (
	"context"

	"mailrelay/internal/channel"
	logx "mailrelay/pkg/logx"
)

const Kind = "log"

func init() {
	channel.Register(Kind, func(cfg channel.Config, log logx.Logger) (channel.Channel, error) {
		return New(log), nil
	})
}

type Channel struct {
	log logx.Logger
}

func New(log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{log: log}
}

func (c *Channel) Kind() string                      { return Kind }
func (c *Channel) Prepare(ctx context.Context) error { return ctx.Err() }

func (c *Channel) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return &channel.TransportError{Channel: Kind, Err: err}
	}
	c.log.Info("notification", logx.String("text", text))
	return nil
}
