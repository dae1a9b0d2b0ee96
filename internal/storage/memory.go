package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	m      map[string][]byte
	closed bool
}

// NewMemory returns an in-process KV. Values are copied on the way in and out.
func NewMemory() KV {
	return &memoryStore{m: map[string][]byte{}}
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStore) SetMany(ctx context.Context, entries []Entry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			return errors.New("storage: empty key")
		}
	}
	for _, e := range entries {
		s.m[e.Key] = append([]byte(nil), e.Value...)
	}
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.m, key)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
