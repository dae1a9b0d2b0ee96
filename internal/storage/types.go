package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// KV is the persistence API consumed by the tracker.
//
// Get reports ok=false for a missing key; that is not an error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Entry is one key/value pair of a SetMany call.
type Entry struct {
	Key   string
	Value []byte
}

// MultiSetter is implemented by stores that can write several keys as one
// unit: after a crash either all entries are visible or none are.
type MultiSetter interface {
	SetMany(ctx context.Context, entries []Entry) error
}

// SetMany writes entries as one unit when kv is a MultiSetter, otherwise
// one Set per entry in order.
func SetMany(ctx context.Context, kv KV, entries []Entry) error {
	if ms, ok := kv.(MultiSetter); ok {
		return ms.SetMany(ctx, entries)
	}
	for _, e := range entries {
		if err := kv.Set(ctx, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Config configures storage.
//
// Driver values: "file", "sqlite", "memory". Empty or "none" disables
// persistence.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal records between compactions
}
