package storage

import (
	"errors"
	"strings"

	logx "mailrelay/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, ErrDisabled) if storage is disabled.
func Open(cfg Config, log logx.Logger) (KV, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
