package statebus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("statebus: subscription closed")

// Hub is the in-process bus used when no brokers are configured. Publish
// never blocks; a subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

type Subscription struct {
	hub  *Hub
	ch   chan Message
	once sync.Once
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{hub: h, ch: make(chan Message, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[*Subscription]struct{}{}
	h.mu.Unlock()
	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *Subscription) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close is idempotent.
func (s *Subscription) Close() error {
	s.hub.mu.Lock()
	_, exists := s.hub.subs[s]
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	if exists {
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}
