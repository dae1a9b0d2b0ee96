// Package feed connects mail watchers to the dispatch pipeline.
//
// Watchers publish batches to a Hub. At most one listener is attached at a
// time; publishing with nothing attached fails with ErrNoListener so the
// watcher knows the relay is suspended.
package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"mailrelay/internal/mail"
)

var (
	ErrNoListener = errors.New("feed: no listener attached")
	ErrBusy       = errors.New("feed: listener busy")
)

// Listener acknowledges a batch. It must return quickly; a nil error means
// the batch was accepted, not that it was delivered.
type Listener func(ctx context.Context, b mail.Batch) error

// Subscription is the handle returned by Attach. Only the handle that is
// currently attached can detach.
type Subscription struct {
	id       uint64
	listener Listener
}

func (s *Subscription) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Attacher is what the lifecycle controller needs from a Hub.
type Attacher interface {
	Attach(l Listener) *Subscription
	Detach(s *Subscription) bool
}

type Hub struct {
	mu     sync.RWMutex
	active *Subscription
	seq    atomic.Uint64
}

func NewHub() *Hub { return &Hub{} }

// Attach installs l, replacing any current listener.
func (h *Hub) Attach(l Listener) *Subscription {
	s := &Subscription{id: h.seq.Add(1), listener: l}
	h.mu.Lock()
	h.active = s
	h.mu.Unlock()
	return s
}

// Detach removes s if it is still the active subscription.
func (h *Hub) Detach(s *Subscription) bool {
	if s == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != s {
		return false
	}
	h.active = nil
	return true
}

// Active reports whether a listener is attached.
func (h *Hub) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active != nil
}

// Publish hands b to the attached listener. Empty batches are dropped and a
// missing batch ID is filled in.
func (h *Hub) Publish(ctx context.Context, b mail.Batch) error {
	if len(b.Records) == 0 {
		return nil
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	h.mu.RLock()
	s := h.active
	h.mu.RUnlock()
	if s == nil {
		return ErrNoListener
	}
	return s.listener(ctx, b)
}
