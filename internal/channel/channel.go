// Package channel defines the outbound notification channel and the errors
// it reports. Implementations live in subpackages and register themselves
// by kind; Open builds one from config.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "mailrelay/pkg/logx"
)

// Channel delivers notification text to an external destination.
//
// Prepare validates configuration and is idempotent once it succeeded.
// Notify must not be called before a successful Prepare.
type Channel interface {
	Kind() string
	Prepare(ctx context.Context) error
	Notify(ctx context.Context, text string) error
}

// Config is the channel section of the config file. Token is a credential
// reference (literal, "env:NAME" or "keyring:key").
type Config struct {
	Kind     string
	Token    string
	Target   string        // slack channel id, telegram chat id, nats subject
	URL      string        // API base or server URL; empty uses the default
	Stream   string        // nats only
	Validate bool          // check credentials against the remote at Prepare
	Timeout  time.Duration // per request
}

// Factory builds an unprepared channel.
type Factory func(cfg Config, log logx.Logger) (Channel, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a channel kind available to Open. It panics on duplicates.
func Register(kind string, f Factory) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("channel: duplicate kind " + kind)
	}
	registry[kind] = f
}

// Kinds lists registered kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds the channel named by cfg.Kind. It does not contact the remote.
func Open(cfg Config, log logx.Logger) (Channel, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	regMu.RLock()
	f, ok := registry[kind]
	regMu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Channel: kind, Field: "kind", Reason: fmt.Sprintf("unknown kind (have %s)", strings.Join(Kinds(), ", "))}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return f(cfg, log.With(logx.String("channel", kind)))
}
