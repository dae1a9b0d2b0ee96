// Package app is the composition root: it builds every component from the
// config file, owns their lifetimes and applies hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mailrelay/internal/channel"
	"mailrelay/internal/config"
	"mailrelay/internal/dispatch"
	"mailrelay/internal/eventbus"
	"mailrelay/internal/feed"
	"mailrelay/internal/lifecycle"
	rtsup "mailrelay/internal/runtime/supervisor"
	"mailrelay/internal/storage"
	"mailrelay/internal/tracker"
	logx "mailrelay/pkg/logx"

	// Channel kinds register themselves.
	_ "mailrelay/internal/channel/logchan"
	_ "mailrelay/internal/channel/natsjs"
	_ "mailrelay/internal/channel/slack"
	_ "mailrelay/internal/channel/telegram"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.KV

	svc *dispatch.Service
	hub *feed.Hub
	ctl *lifecycle.Controller

	mu    sync.Mutex
	feeds *rtsup.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store storage.KV
	if enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		store = storage.NewMemory()
		appLog.Warn("storage disabled; notified mails are forgotten on restart")
	}

	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := channel.Open(chCfg, log.With(logx.String("comp", "channel")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dcfg, lcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tr := tracker.New(cfg.Tracker.Capacity, store, log.With(logx.String("comp", "tracker")))
	svc := dispatch.New(dcfg, tr, ch, log.With(logx.String("comp", "dispatch")), bus)
	hub := feed.NewHub()
	ctl := lifecycle.New(lcfg, svc, hub, log.With(logx.String("comp", "lifecycle")), bus)

	logSvc.SetChatSender(chatSink{ctl: ctl, svc: svc})

	return &App{
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
		svc:   svc,
		hub:   hub,
		ctl:   ctl,
	}, nil
}

// Controller exposes the lifecycle controller.
func (a *App) Controller() *lifecycle.Controller { return a.ctl }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	cfg := a.cfgm.Get()

	a.ctl.Start(a.sup.Context())
	if cfg.Watcher.Enabled {
		if err := a.setWatching(a.sup.Context(), true); err != nil {
			// Stay Idle; the API or a config edit can retry.
			a.log.Error("relay not started", logx.Err(err))
		}
	}
	a.startFeeds(a.sup.Context(), cfg)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("state", a.ctl.State().String()))
	return nil
}

// setWatching drives the controller to Running (preparing first if
// needed) or suspends it.
func (a *App) setWatching(ctx context.Context, on bool) error {
	if !on {
		if a.ctl.Suspend() {
			a.log.Info("relay suspended")
		}
		return nil
	}
	if a.ctl.State() < lifecycle.Prepared {
		if err := a.ctl.Prepare(ctx); err != nil {
			return err
		}
	}
	_, err := a.ctl.Run()
	return err
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})

	a.logs.Apply(mapLoggingConfig(newCfg))

	for _, s := range sections {
		if s == "storage" || s == "tracker" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if dcfg, _, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.svc.Apply(dcfg)
	}

	if config.ChannelChanged(oldCfg, newCfg) {
		if err := a.swapChannel(ctx, newCfg); err != nil {
			a.log.Error("channel change rejected; previous channel kept", logx.Err(err))
		}
	}

	if oldCfg.Watcher.Enabled != newCfg.Watcher.Enabled {
		if err := a.setWatching(ctx, newCfg.Watcher.Enabled); err != nil {
			a.log.Error("relay not started", logx.Err(err))
		}
	}

	if config.FeedsChanged(oldCfg, newCfg) {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.stopFeeds(sctx); err != nil {
			a.log.Warn("feeds did not stop cleanly", logx.Err(err))
		}
		cancel()
		a.startFeeds(ctx, newCfg)
	}
}

func (a *App) swapChannel(ctx context.Context, cfg *config.Config) error {
	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		return err
	}
	ch, err := channel.Open(chCfg, a.log.With(logx.String("comp", "channel")))
	if err != nil {
		return err
	}
	return a.ctl.Swap(ctx, ch)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Feeds first so nothing new is accepted, then drain queued batches.
	step("feeds", 3*time.Second, a.stopFeeds)
	step("lifecycle", 10*time.Second, a.ctl.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// chatSink forwards log lines to whichever channel is active, once it has
// been prepared.
type chatSink struct {
	ctl *lifecycle.Controller
	svc *dispatch.Service
}

func (s chatSink) Notify(ctx context.Context, text string) error {
	if s.ctl.State() < lifecycle.Prepared {
		return nil
	}
	ch := s.svc.Channel()
	if ch == nil {
		return nil
	}
	return ch.Notify(ctx, text)
}
