// ABOUTME: Conversation Directory resolves the single conversation for a participant pair
// ABOUTME: Dedupes concurrent first contact via a per-pair lock and the store's UNIQUE pair index

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// DirectoryStore defines what the directory needs from storage
type DirectoryStore interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByPair(ctx context.Context, participantA, participantB string) (*store.Conversation, error)
	ListConversationsFor(ctx context.Context, userID string, limit int) ([]*store.Conversation, error)
}

// IdentityChecker reports whether an identity is known to the Identity Provider
type IdentityChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Directory resolves and dedupes conversations per unordered participant pair.
type Directory struct {
	store      DirectoryStore
	identities IdentityChecker
	locks      keyedMutex
	logger     *slog.Logger
}

// NewDirectory creates a Directory. A nil identities checker skips the
// known-identity check and only rejects degenerate pairs.
func NewDirectory(s DirectoryStore, identities IdentityChecker, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:      s,
		identities: identities,
		locks:      keyedMutex{locks: make(map[string]*refMutex)},
		logger:     logger.With("component", "directory"),
	}
}

// CanonicalPair orders two participant ids so that the pair key is independent
// of argument order.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Resolve returns the conversation between a and b, creating it on first contact.
// Calling with the pair in either order yields the same conversation.
func (d *Directory) Resolve(ctx context.Context, a, b string) (*store.Conversation, error) {
	if err := d.validatePair(ctx, a, b); err != nil {
		return nil, err
	}

	pa, pb := CanonicalPair(a, b)
	unlock := d.locks.Lock(pa + "\x00" + pb)
	defer unlock()

	conv, err := d.store.GetConversationByPair(ctx, pa, pb)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, StoreError(err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:           uuid.New().String(),
		ParticipantA: pa,
		ParticipantB: pb,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		// Another process won the insert between our lookup and insert attempt
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := d.store.GetConversationByPair(ctx, pa, pb)
			if lookupErr == nil {
				d.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			d.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, StoreError(lookupErr)
		}
		return nil, StoreError(err)
	}

	d.logger.Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

func (d *Directory) validatePair(ctx context.Context, a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("%w: participant id is empty", ErrInvalidParticipants)
	}
	if a == b {
		return fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidParticipants)
	}
	if d.identities == nil {
		return nil
	}
	for _, id := range []string{a, b} {
		ok, err := d.identities.Exists(ctx, id)
		if err != nil {
			return StoreError(err)
		}
		if !ok {
			return fmt.Errorf("%w: unknown identity %q", ErrInvalidParticipants, id)
		}
	}
	return nil
}

// Get returns a conversation by id.
func (d *Directory) Get(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := d.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, StoreError(err)
	}
	return conv, nil
}

// ListFor returns the user's conversations, most recently active first.
func (d *Directory) ListFor(ctx context.Context, userID string) ([]*store.Conversation, error) {
	convs, err := d.store.ListConversationsFor(ctx, userID, 0)
	if err != nil {
		return nil, StoreError(err)
	}
	return convs, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
