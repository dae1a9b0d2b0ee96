package config

// Config is the whole config file. JSON and YAML are both accepted; unknown
// keys are rejected.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Tracker  TrackerConfig  `json:"tracker"`
	Dispatch DispatchConfig `json:"dispatch"`
	Channel  ChannelConfig  `json:"channel"`
	Watcher  WatcherConfig  `json:"watcher"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards log lines at or above MinLevel to the notification
// channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls where notified fingerprints are kept. A nil
// section disables persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mailrelay.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int    `json:"compact_every,omitempty"`
}

// TrackerConfig sizes the fingerprint ring. Changing Capacity keeps the
// newest fingerprints on the next load.
type TrackerConfig struct {
	Capacity   int  `json:"capacity,omitempty"` // default 500
	StrictLoad bool `json:"strict_load,omitempty"`
}

// DispatchConfig controls delivery. Durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 0 (unpaced)
//   - notify_timeout: "10s"
//   - save_timeout: "5s"
//   - history_size: 300
//   - queue_size: 16
type DispatchConfig struct {
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	NotifyTimeout string  `json:"notify_timeout,omitempty"`
	SaveTimeout   string  `json:"save_timeout,omitempty"`
	HistorySize   int     `json:"history_size,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
}

// ChannelConfig selects the notification channel.
//
// Token is a credential reference: a literal, "env:NAME" or "keyring:key".
// Literals are accepted but never logged.
type ChannelConfig struct {
	Kind     string `json:"kind"`
	Token    string `json:"token,omitempty"`
	Target   string `json:"target,omitempty"`
	URL      string `json:"url,omitempty"`
	Stream   string `json:"stream,omitempty"`
	Validate bool   `json:"validate,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// WatcherConfig controls the mail feeds. Enabled is the persisted run
// toggle: when true the relay starts Running.
type WatcherConfig struct {
	Enabled  bool         `json:"enabled"`
	Timezone string       `json:"timezone,omitempty"`
	IMAP     *IMAPConfig  `json:"imap,omitempty"`
	Gmail    *GmailConfig `json:"gmail,omitempty"`
	HTTP     *HTTPConfig  `json:"http,omitempty"`
}

type IMAPConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port,omitempty"`
	Username   string   `json:"username"`
	Password   string   `json:"password"` // credential reference
	TLS        bool     `json:"tls"`
	Mailboxes  []string `json:"mailboxes,omitempty"` // default ["INBOX"]
	Limit      int      `json:"limit,omitempty"`
	SnippetLen int      `json:"snippet_len,omitempty"`
	// Schedule is a cron expression, "every:<duration>" or a bare duration.
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
}

type GmailConfig struct {
	CredentialsFile string `json:"credentials_file"`
	Token           string `json:"token"` // credential reference to the OAuth token JSON
	Query           string `json:"query,omitempty"`
	Limit           int64  `json:"limit,omitempty"`
	Schedule        string `json:"schedule"`
	Timeout         string `json:"timeout,omitempty"`
}

type HTTPConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token,omitempty"` // credential reference
}
