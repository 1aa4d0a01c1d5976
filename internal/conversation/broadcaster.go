// ABOUTME: In-process Live Update Channel: per-conversation change signals
// ABOUTME: Signals carry no payload, coalesce per subscriber, and stop synchronously on Unsubscribe

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrBroadcasterClosed is returned when subscribing to a closed broadcaster.
var ErrBroadcasterClosed = errors.New("broadcaster closed")

// Handle is a live subscription bound to one conversation id.
type Handle interface {
	ConversationID() string
	// Unsubscribe stops delivery. No callback runs after it returns.
	// It is safe to call more than once, but not from inside the callback.
	Unsubscribe()
}

// Broadcaster fans message_inserted signals out to subscribers of a conversation.
// Each subscriber has its own delivery goroutine, so a slow callback never
// blocks Publish or other subscribers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[string]*subscription // conversationID -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscription),
		logger:      logger.With("component", "broadcaster"),
	}
}

type subscription struct {
	id             string
	conversationID string
	onChange       func(conversationID string)
	b              *Broadcaster

	signal chan struct{} // buffer 1, pending signals coalesce
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) ConversationID() string { return s.conversationID }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s)
		close(s.quit)
	})
	<-s.done
}

func (s *subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
		// A signal is already pending; it will cover this one
	}
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.signal:
			// Re-check quit so Unsubscribe wins over a pending signal
			select {
			case <-s.quit:
				return
			default:
			}
			s.onChange(s.conversationID)
		}
	}
}

// Subscribe registers onChange for the conversation. onChange is called at
// least once after each Publish for that conversation that happens after
// Subscribe returns. The subscription ends when ctx is cancelled or the
// handle is unsubscribed.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string, onChange func(conversationID string)) (Handle, error) {
	sub := &subscription{
		id:             uuid.New().String(),
		conversationID: conversationID,
		onChange:       onChange,
		b:              b,
		signal:         make(chan struct{}, 1),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBroadcasterClosed
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*subscription)
	}
	b.subscribers[conversationID][sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", sub.id)

	// Auto-cleanup on context cancellation
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish signals every subscriber of the conversation. Non-blocking.
func (b *Broadcaster) Publish(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[conversationID] {
		sub.notify()
	}
}

// SubscriberCount returns the number of live subscriptions for a conversation.
func (b *Broadcaster) SubscriberCount(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[conversationID])
}

func (b *Broadcaster) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.conversationID]
	if !ok {
		return
	}
	if _, exists := subs[sub.id]; !exists {
		return
	}
	delete(subs, sub.id)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, sub.conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", sub.conversationID,
		"sub_id", sub.id)
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}

	b.logger.Debug("broadcaster closed")
}
