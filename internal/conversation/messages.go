// ABOUTME: Message Store service: validated append, ordered list and read receipts
// ABOUTME: Publishes a payload-free change signal after each committed append

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// MessageStore defines what the Messages service needs from storage
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	MarkMessageRead(ctx context.Context, id string, readAt time.Time) (bool, error)
}

// Notifier receives a signal after a message is committed to a conversation
type Notifier interface {
	Publish(conversationID string)
}

// Messages appends and lists conversation messages.
type Messages struct {
	store    MessageStore
	notifier Notifier
	clock    *monotonicClock
	logger   *slog.Logger
}

// NewMessages creates a Messages service. notifier may be nil.
func NewMessages(s MessageStore, notifier Notifier, logger *slog.Logger) *Messages {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messages{
		store:    s,
		notifier: notifier,
		clock:    &monotonicClock{now: time.Now},
		logger:   logger.With("component", "messages"),
	}
}

// Append persists a message from senderID and advances the conversation's
// UpdatedAt to the message's CreatedAt in the same transaction.
func (m *Messages) Append(ctx context.Context, conversationID, senderID, content string) (*store.Message, error) {
	conv, err := m.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, fmt.Errorf("%w: %s in conversation %s", ErrNotAParticipant, senderID, conversationID)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      m.clock.Next(conv.UpdatedAt),
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		return nil, StoreError(err)
	}

	m.logger.Debug("message appended",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender_id", senderID)

	if m.notifier != nil {
		m.notifier.Publish(conversationID)
	}
	return msg, nil
}

// List returns every message in the conversation in (CreatedAt, ID) order.
func (m *Messages) List(ctx context.Context, conversationID string) ([]*store.Message, error) {
	if _, err := m.lookup(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, StoreError(err)
	}
	return msgs, nil
}

// MarkRead sets the message's ReadAt when readerID is its recipient.
// Marking an already-read message is a no-op.
func (m *Messages) MarkRead(ctx context.Context, messageID, readerID string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return StoreError(err)
	}

	conv, err := m.lookup(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if readerID == msg.SenderID || !conv.HasParticipant(readerID) {
		return fmt.Errorf("%w: %s for message %s", ErrNotRecipient, readerID, messageID)
	}
	if msg.ReadAt != nil {
		return nil
	}

	changed, err := m.store.MarkMessageRead(ctx, messageID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if err != nil {
		return StoreError(err)
	}
	if changed {
		m.logger.Debug("message marked read", "message_id", messageID, "reader_id", readerID)
	}
	return nil
}

func (m *Messages) lookup(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, StoreError(err)
	}
	return conv, nil
}

// monotonicClock returns strictly increasing UTC timestamps at microsecond
// resolution, so two appends from one process never share a CreatedAt.
// Each timestamp is also strictly after the floor it is given.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func (c *monotonicClock) Next(floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	if !t.After(floor) {
		t = floor.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	c.last = t
	return t
}
