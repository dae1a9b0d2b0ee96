package app

import (
	"fmt"
	"strings"
	"time"

	"mailrelay/internal/channel"
	"mailrelay/internal/config"
	"mailrelay/internal/dispatch"
	"mailrelay/internal/feed/gmailfeed"
	"mailrelay/internal/feed/httpapi"
	"mailrelay/internal/feed/imapfeed"
	"mailrelay/internal/lifecycle"
	"mailrelay/internal/storage"
	logx "mailrelay/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

// mapStorageConfig reports enabled=false when persistence is off.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
	}, true, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, lifecycle.Config, error) {
	d := cfg.Dispatch
	notify, err := config.ParseDurationField("dispatch.notify_timeout", d.NotifyTimeout)
	if err != nil {
		return dispatch.Config{}, lifecycle.Config{}, err
	}
	save, err := config.ParseDurationField("dispatch.save_timeout", d.SaveTimeout)
	if err != nil {
		return dispatch.Config{}, lifecycle.Config{}, err
	}
	return dispatch.Config{
			RatePerSec:    d.RatePerSec,
			Burst:         d.Burst,
			NotifyTimeout: notify,
			SaveTimeout:   save,
			HistorySize:   d.HistorySize,
		}, lifecycle.Config{
			QueueSize:  d.QueueSize,
			StrictLoad: cfg.Tracker.StrictLoad,
		}, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	c := cfg.Channel
	timeout, err := config.ParseDurationOrDefault("channel.timeout", c.Timeout, 10*time.Second)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		Kind:     strings.TrimSpace(c.Kind),
		Token:    c.Token,
		Target:   strings.TrimSpace(c.Target),
		URL:      strings.TrimSpace(c.URL),
		Stream:   strings.TrimSpace(c.Stream),
		Validate: c.Validate,
		Timeout:  timeout,
	}, nil
}

func mapIMAPConfig(c *config.IMAPConfig) (imapfeed.Config, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("watcher.imap.timeout", c.Timeout, time.Minute)
	if err != nil {
		return imapfeed.Config{}, 0, err
	}
	return imapfeed.Config{
		Host:       strings.TrimSpace(c.Host),
		Port:       c.Port,
		Username:   c.Username,
		Password:   c.Password,
		TLS:        c.TLS,
		Mailboxes:  c.Mailboxes,
		Limit:      c.Limit,
		SnippetLen: c.SnippetLen,
	}, timeout, nil
}

func mapGmailConfig(c *config.GmailConfig) (gmailfeed.Config, time.Duration, error) {
	timeout, err := config.ParseDurationOrDefault("watcher.gmail.timeout", c.Timeout, time.Minute)
	if err != nil {
		return gmailfeed.Config{}, 0, err
	}
	return gmailfeed.Config{
		CredentialsFile: c.CredentialsFile,
		Token:           c.Token,
		Query:           c.Query,
		Limit:           c.Limit,
	}, timeout, nil
}

func mapHTTPConfig(c *config.HTTPConfig) httpapi.Config {
	return httpapi.Config{Addr: strings.TrimSpace(c.Addr), Token: c.Token}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("watcher.timezone: %w", err)
	}
	return loc, nil
}
