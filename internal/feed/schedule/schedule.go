// Package schedule parses poll schedules and fires them.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 90s", or with a "cron:" prefix
//   - interval: "2m", "1h30m", or with an "every:" prefix
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	Cron Kind = iota
	Interval
)

type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	raw   string
}

func (s Spec) String() string { return s.raw }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates raw. Cron expressions are checked here so a typo fails at
// config load, not at the first tick.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), raw)
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]), raw)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, raw)
	}
	return parseEvery(s, raw)
}

func parseCron(expr, raw string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
	}
	if _, err := parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return Spec{Kind: Cron, Cron: expr, raw: raw}, nil
}

func parseEvery(v, raw string) (Spec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '2m')", raw)
	}
	if d < time.Second {
		return Spec{}, fmt.Errorf("interval %s is below 1s", d)
	}
	return Spec{Kind: Interval, Every: d, raw: raw}, nil
}

// Run calls fn once immediately and then on every tick until ctx is done.
// Calls never overlap; a tick that fires while fn is running is dropped.
func Run(ctx context.Context, spec Spec, loc *time.Location, fn func(ctx context.Context)) error {
	if loc == nil {
		loc = time.Local
	}
	ticks := make(chan struct{}, 1)
	fire := func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}

	switch spec.Kind {
	case Cron:
		c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
		if _, err := c.AddFunc(spec.Cron, fire); err != nil {
			return fmt.Errorf("schedule %q: %w", spec.Cron, err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	case Interval:
		t := time.NewTicker(spec.Every)
		defer t.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					fire()
				}
			}
		}()
	default:
		return fmt.Errorf("unknown schedule kind %d", spec.Kind)
	}

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			fn(ctx)
		}
	}
}
