package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"mailrelay/internal/channel"
	"mailrelay/internal/feed/schedule"
)

// Validate checks cfg for values the runtime would reject later. All
// problems are reported together.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if cfg.Tracker.Capacity < 0 {
		add(errors.New("tracker.capacity: must be >= 0"))
	}

	d := cfg.Dispatch
	if d.RatePerSec < 0 || d.Burst < 0 || d.HistorySize < 0 || d.QueueSize < 0 {
		add(errors.New("dispatch: rate_per_sec, burst, history_size and queue_size must be >= 0"))
	}
	dur("dispatch.notify_timeout", d.NotifyTimeout)
	dur("dispatch.save_timeout", d.SaveTimeout)

	kind := strings.TrimSpace(cfg.Channel.Kind)
	if kind == "" {
		add(errors.New("channel.kind: required"))
	} else if kinds := channel.Kinds(); !slices.Contains(kinds, kind) {
		add(fmt.Errorf("channel.kind: unknown kind %q (known: %s)", kind, strings.Join(kinds, ", ")))
	}
	dur("channel.timeout", cfg.Channel.Timeout)

	w := cfg.Watcher
	if tz := strings.TrimSpace(w.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("watcher.timezone: %w", err))
		}
	}
	if im := w.IMAP; im != nil {
		if strings.TrimSpace(im.Host) == "" {
			add(errors.New("watcher.imap.host: required"))
		}
		if im.Port < 0 || im.Port > 65535 {
			add(fmt.Errorf("watcher.imap.port: out of range: %d", im.Port))
		}
		add(validSchedule("watcher.imap.schedule", im.Schedule))
		dur("watcher.imap.timeout", im.Timeout)
	}
	if g := w.Gmail; g != nil {
		if strings.TrimSpace(g.CredentialsFile) == "" {
			add(errors.New("watcher.gmail.credentials_file: required"))
		}
		if strings.TrimSpace(g.Token) == "" {
			add(errors.New("watcher.gmail.token: required"))
		}
		add(validSchedule("watcher.gmail.schedule", g.Schedule))
		dur("watcher.gmail.timeout", g.Timeout)
	}
	if h := w.HTTP; h != nil && strings.TrimSpace(h.Addr) == "" {
		add(errors.New("watcher.http.addr: required"))
	}
	return errors.Join(errs...)
}

func validSchedule(path, raw string) error {
	if _, err := schedule.Parse(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
