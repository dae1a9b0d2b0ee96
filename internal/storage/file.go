package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "mailrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is replayed over the snapshot on open and compacted into it
// every CompactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	data         map[string][]byte

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op    string `json:"op"` // "set" | "remove" | "setmany"
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`

	// Entries holds the pairs of a "setmany" record. One journal line is
	// replayed whole or, if torn, not at all.
	Entries []journalEntry `json:"entries,omitempty"`
}

type journalEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (KV, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := map[string][]byte{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot %s: %w", snapPath, err)
	}
	if err := replayJournal(journalPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal %s: %w", journalPath, err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 64
	}
	log.Debug("file store opened", logx.String("snapshot", snapPath), logx.Int("keys", len(data)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	// Leave a compact snapshot behind so the next open replays nothing.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, journalRecord{Op: "set", Key: key, Value: value})
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	return s.write(ctx, journalRecord{Op: "remove", Key: key})
}

func (s *fileStore) SetMany(ctx context.Context, entries []Entry) error {
	rec := journalRecord{Op: "setmany", Entries: make([]journalEntry, 0, len(entries))}
	for _, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			return errors.New("storage: empty key")
		}
		rec.Entries = append(rec.Entries, journalEntry{Key: e.Key, Value: e.Value})
	}
	return s.write(ctx, rec)
}

func (s *fileStore) write(ctx context.Context, rec journalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Op != "setmany" && strings.TrimSpace(rec.Key) == "" {
		return errors.New("storage: empty key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	// Journal first: in-memory state never runs ahead of disk.
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	applyRecord(s.data, rec)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func applyRecord(m map[string][]byte, rec journalRecord) {
	switch rec.Op {
	case "set":
		m[rec.Key] = rec.Value
	case "remove":
		delete(m, rec.Key)
	case "setmany":
		for _, e := range rec.Entries {
			m[e.Key] = e.Value
		}
	}
}

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		// A torn last line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || (rec.Key == "" && len(rec.Entries) == 0) {
			continue
		}
		applyRecord(out, rec)
	}
	return sc.Err()
}
