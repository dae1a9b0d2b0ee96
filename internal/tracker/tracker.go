// Package tracker remembers which mails were already notified.
//
// A Tracker is a fixed-size ring of fingerprints with a write cursor. Adding
// to a full ring overwrites the oldest insertion (FIFO, not LRU). The most
// recent Add can be undone once with Rollback, which is how the dispatch
// service un-marks a mail whose delivery failed.
//
// A Tracker is not safe for concurrent use; the dispatch service is its only
// writer.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"mailrelay/internal/mail"
	"mailrelay/internal/storage"
	logx "mailrelay/pkg/logx"
)

const (
	DefaultCapacity = 500

	// Storage keys. Kept compatible with state written by earlier releases.
	SlotsKey   = "notifiedMailHashes"
	PointerKey = "oldestNotifiedMailPointer"
)

// PersistenceError reports a failed Load or Save.
type PersistenceError struct {
	Op  string // "load" | "save"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("tracker %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type undo struct {
	slot    int
	prev    mail.Fingerprint
	pointer int
}

type Tracker struct {
	slots   []mail.Fingerprint
	pointer int
	backup  *undo

	// index counts occurrences per fingerprint currently in slots.
	index map[mail.Fingerprint]int

	kv  storage.KV
	log logx.Logger
}

// New returns an empty tracker of the given capacity backed by kv.
// kv may be nil, in which case Load and Save are no-ops.
func New(capacity int, kv storage.KV, log logx.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		slots: make([]mail.Fingerprint, capacity),
		index: make(map[mail.Fingerprint]int, capacity),
		kv:    kv,
		log:   log,
	}
}

func (t *Tracker) Cap() int { return len(t.slots) }

// Len returns the number of occupied slots.
func (t *Tracker) Len() int {
	n := 0
	for _, c := range t.index {
		n += c
	}
	return n
}

func (t *Tracker) Contains(f mail.Fingerprint) bool {
	if f.IsZero() {
		return false
	}
	return t.index[f] > 0
}

// Add advances the cursor and writes f into the new slot, remembering what
// it overwrote. Any earlier rollback record is discarded.
func (t *Tracker) Add(f mail.Fingerprint) {
	prevPointer := t.pointer
	t.pointer = (t.pointer + 1) % len(t.slots)
	t.backup = &undo{slot: t.pointer, prev: t.slots[t.pointer], pointer: prevPointer}
	t.put(t.pointer, f)
}

// Rollback undoes the most recent Add. Without a pending record it does
// nothing, so calling it twice is the same as calling it once.
func (t *Tracker) Rollback() {
	if t.backup == nil {
		return
	}
	t.put(t.backup.slot, t.backup.prev)
	t.pointer = t.backup.pointer
	t.backup = nil
}

// Reset empties the ring and drops the rollback record.
func (t *Tracker) Reset() {
	for i := range t.slots {
		t.slots[i] = ""
	}
	t.pointer = 0
	t.backup = nil
	t.index = make(map[mail.Fingerprint]int, len(t.slots))
}

// Fingerprints returns the occupied slots, oldest insertion first.
func (t *Tracker) Fingerprints() []mail.Fingerprint {
	n := len(t.slots)
	out := make([]mail.Fingerprint, 0, t.Len())
	for i := 1; i <= n; i++ {
		if f := t.slots[(t.pointer+i)%n]; !f.IsZero() {
			out = append(out, f)
		}
	}
	return out
}

func (t *Tracker) put(slot int, f mail.Fingerprint) {
	if old := t.slots[slot]; !old.IsZero() {
		if t.index[old] <= 1 {
			delete(t.index, old)
		} else {
			t.index[old]--
		}
	}
	t.slots[slot] = f
	if !f.IsZero() {
		t.index[f]++
	}
}

// Load replaces the in-memory ring with the persisted one. On failure the
// current state is left untouched. A ring persisted with a different
// capacity is replayed oldest-first, so the newest entries survive.
func (t *Tracker) Load(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}
	rawSlots, okSlots, err := t.kv.Get(ctx, SlotsKey)
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	rawPtr, okPtr, err := t.kv.Get(ctx, PointerKey)
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	if !okSlots {
		t.log.Info("no persisted fingerprints; starting empty")
		return nil
	}

	var stored []*string
	if err := json.Unmarshal(rawSlots, &stored); err != nil {
		return &PersistenceError{Op: "load", Err: fmt.Errorf("decode %s: %w", SlotsKey, err)}
	}
	pointer := 0
	if okPtr {
		if err := json.Unmarshal(rawPtr, &pointer); err != nil {
			return &PersistenceError{Op: "load", Err: fmt.Errorf("decode %s: %w", PointerKey, err)}
		}
	}
	if len(stored) > 0 && (pointer < 0 || pointer >= len(stored)) {
		return &PersistenceError{Op: "load", Err: fmt.Errorf("pointer %d out of range [0,%d)", pointer, len(stored))}
	}

	fresh := New(len(t.slots), t.kv, t.log)
	if len(stored) == len(t.slots) {
		for i, s := range stored {
			if s != nil {
				fresh.put(i, mail.Fingerprint(*s))
			}
		}
		fresh.pointer = pointer
	} else {
		n := len(stored)
		for i := 1; i <= n; i++ {
			if s := stored[(pointer+i)%n]; s != nil && *s != "" {
				fresh.Add(mail.Fingerprint(*s))
			}
		}
		fresh.backup = nil
		t.log.Warn("persisted ring capacity differs; replayed",
			logx.Int("stored_cap", n), logx.Int("cap", len(t.slots)))
	}

	t.slots, t.pointer, t.index, t.backup = fresh.slots, fresh.pointer, fresh.index, nil
	t.log.Info("loaded notified fingerprints", logx.Int("count", t.Len()), logx.Int("pointer", t.pointer))
	return nil
}

// Save persists slots and pointer. Empty slots are written as null.
//
// Both keys go out as one storage.SetMany so a crash cannot leave the
// persisted pointer behind the slots; otherwise the first Add after a
// restart would overwrite the newest persisted fingerprint. Stores without
// multi-key writes get the pointer first, which at worst loses the latest
// fingerprint.
func (t *Tracker) Save(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}
	out := make([]*string, len(t.slots))
	for i, f := range t.slots {
		if !f.IsZero() {
			s := string(f)
			out[i] = &s
		}
	}
	rawSlots, err := json.Marshal(out)
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	rawPtr, _ := json.Marshal(t.pointer)

	err = storage.SetMany(ctx, t.kv, []storage.Entry{
		{Key: PointerKey, Value: rawPtr},
		{Key: SlotsKey, Value: rawSlots},
	})
	if err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}
