package dispatch

import (
	"time"

	"mailrelay/internal/mail"
)

// Config controls delivery pacing and bookkeeping.
type Config struct {
	RatePerSec    float64 // 0 disables pacing
	Burst         int
	NotifyTimeout time.Duration // per Notify call
	SaveTimeout   time.Duration // per tracker Save
	HistorySize   int
}

// Report summarizes one Ingest call. Notified+Skipped+Failed+Malformed
// equals the number of records processed.
type Report struct {
	BatchID   string `json:"batch_id"`
	Notified  int    `json:"notified"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Malformed int    `json:"malformed"`
	// Unprocessed counts records left when ingestion stopped early on
	// context cancellation.
	Unprocessed int `json:"unprocessed,omitempty"`
}

// Totals are cumulative counters since process start.
type Totals struct {
	Batches       uint64 `json:"batches"`
	Notified      uint64 `json:"notified"`
	Skipped       uint64 `json:"skipped"`
	Failed        uint64 `json:"failed"`
	Malformed     uint64 `json:"malformed"`
	PersistFailed uint64 `json:"persist_failed"`
}

// HistoryItem is one delivered notification.
type HistoryItem struct {
	At          time.Time        `json:"at"`
	BatchID     string           `json:"batch_id"`
	Fingerprint mail.Fingerprint `json:"fingerprint"`
	Text        string           `json:"text"`
}

// RecordEvent is the payload of dispatch.* bus events.
type RecordEvent struct {
	BatchID     string           `json:"batch_id"`
	Index       int              `json:"index"`
	Fingerprint mail.Fingerprint `json:"fingerprint"`
	Title       string           `json:"title,omitempty"`
	Error       string           `json:"error,omitempty"`
}
