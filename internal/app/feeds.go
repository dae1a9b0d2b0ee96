package app

import (
	"context"
	"time"

	"mailrelay/internal/config"
	"mailrelay/internal/feed"
	"mailrelay/internal/feed/gmailfeed"
	"mailrelay/internal/feed/httpapi"
	"mailrelay/internal/feed/imapfeed"
	"mailrelay/internal/feed/schedule"
	rtsup "mailrelay/internal/runtime/supervisor"
	logx "mailrelay/pkg/logx"
)

// startFeeds launches the configured watchers and the HTTP API under their
// own supervisor so a config change can restart them as a group. A feed
// that fails to build is logged and skipped.
func (a *App) startFeeds(parent context.Context, cfg *config.Config) {
	sup := rtsup.New(parent, rtsup.WithLogger(a.log.With(logx.String("comp", "feeds"))))
	w := cfg.Watcher
	loc, err := loadLocation(w.Timezone)
	if err != nil {
		a.log.Warn("invalid timezone; using local time", logx.Err(err))
	}

	if w.IMAP != nil {
		if err := a.startWatcher(sup, "feed.imap", loc, func(log logx.Logger) (feed.Poller, string, time.Duration, error) {
			ic, timeout, err := mapIMAPConfig(w.IMAP)
			if err != nil {
				return nil, "", 0, err
			}
			return imapfeed.New(ic, log), w.IMAP.Schedule, timeout, nil
		}); err != nil {
			a.log.Error("imap feed disabled", logx.Err(err))
		}
	}
	if w.Gmail != nil {
		if err := a.startWatcher(sup, "feed.gmail", loc, func(log logx.Logger) (feed.Poller, string, time.Duration, error) {
			gc, timeout, err := mapGmailConfig(w.Gmail)
			if err != nil {
				return nil, "", 0, err
			}
			p, err := gmailfeed.New(parent, gc, log)
			return p, w.Gmail.Schedule, timeout, err
		}); err != nil {
			a.log.Error("gmail feed disabled", logx.Err(err))
		}
	}
	if w.HTTP != nil {
		api, err := httpapi.New(mapHTTPConfig(w.HTTP), a.hub, a.ctl, a.svc, a.tasks, a.log.With(logx.String("comp", "httpapi")))
		if err != nil {
			a.log.Error("http api disabled", logx.Err(err))
		} else {
			sup.GoRestart("feed.http", api.Run, time.Second, 30*time.Second)
		}
	}

	a.mu.Lock()
	a.feeds = sup
	a.mu.Unlock()
}

type pollerFactory func(log logx.Logger) (p feed.Poller, spec string, timeout time.Duration, err error)

func (a *App) startWatcher(sup *rtsup.Supervisor, name string, loc *time.Location, build pollerFactory) error {
	log := a.log.With(logx.String("comp", name))
	p, raw, timeout, err := build(log)
	if err != nil {
		return err
	}
	spec, err := schedule.Parse(raw)
	if err != nil {
		return err
	}
	w := feed.NewWatcher(p, a.hub, spec, timeout, log).In(loc)
	sup.GoRestart(name, w.Run, time.Second, time.Minute)
	return nil
}

func (a *App) stopFeeds(ctx context.Context) error {
	a.mu.Lock()
	sup := a.feeds
	a.feeds = nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// tasks merges supervisor snapshots for the status endpoint.
func (a *App) tasks() []rtsup.TaskStats {
	var out []rtsup.TaskStats
	if a.sup != nil {
		out = append(out, a.sup.Snapshot()...)
	}
	a.mu.Lock()
	feeds := a.feeds
	a.mu.Unlock()
	if feeds != nil {
		out = append(out, feeds.Snapshot()...)
	}
	return out
}
