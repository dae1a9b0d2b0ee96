package config

import (
	"reflect"
	"sort"
	"strings"

	"mailrelay/internal/credential"
	logx "mailrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are never included: a literal token
// is reported only as set, a reference by its kind.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Tracker != newCfg.Tracker {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.Int("tracker.capacity", newCfg.Tracker.Capacity),
			logx.Bool("tracker.strict_load", newCfg.Tracker.StrictLoad),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.notify_timeout", newCfg.Dispatch.NotifyTimeout),
			logx.Int("dispatch.history_size", newCfg.Dispatch.HistorySize),
		)
	}

	if ChannelChanged(oldCfg, newCfg) {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.String("channel.kind", newCfg.Channel.Kind),
			logx.String("channel.token", describeSecret(newCfg.Channel.Token)),
			logx.Bool("channel.target_set", strings.TrimSpace(newCfg.Channel.Target) != ""),
			logx.Bool("channel.validate", newCfg.Channel.Validate),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watcher, newCfg.Watcher) {
		changed = append(changed, "watcher")
		attrs = append(attrs,
			logx.Bool("watcher.enabled", newCfg.Watcher.Enabled),
			logx.Bool("watcher.imap", newCfg.Watcher.IMAP != nil),
			logx.Bool("watcher.gmail", newCfg.Watcher.Gmail != nil),
			logx.Bool("watcher.http", newCfg.Watcher.HTTP != nil),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// ChannelChanged reports whether the channel must be rebuilt.
func ChannelChanged(oldCfg, newCfg *Config) bool {
	return oldCfg.Channel != newCfg.Channel
}

// FeedsChanged reports whether the pollers or the HTTP listener must be
// restarted. The enabled toggle alone does not count.
func FeedsChanged(oldCfg, newCfg *Config) bool {
	o, n := oldCfg.Watcher, newCfg.Watcher
	o.Enabled, n.Enabled = false, false
	return !reflect.DeepEqual(o, n)
}

func describeSecret(ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "unset"
	case credential.IsReference(ref):
		kind, _, _ := strings.Cut(ref, ":")
		return kind + " reference"
	default:
		return "literal"
	}
}
