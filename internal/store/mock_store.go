// ABOUTME: Mock Store implementation for testing
// ABOUTME: Enforces the same pair uniqueness and append atomicity as SQLite, without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store and ProfileStore implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[string]string        // keyed by "participantA\x00participantB" -> conversation ID
	messages      map[string]*Message      // keyed by message ID
	byConv        map[string][]string      // keyed by conversation ID -> message IDs
	profiles      map[string]*Profile      // keyed by profile ID
	usernames     map[string]string        // keyed by username -> profile ID

	// nextErr, when set, is returned (once) by the next call instead of running it
	nextErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string]*Message),
		byConv:        make(map[string][]string),
		profiles:      make(map[string]*Profile),
		usernames:     make(map[string]string),
	}
}

// FailNext makes the next store call return err.
func (m *MockStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// takeErrLocked returns and clears the injected error. Must be called with mu held.
func (m *MockStore) takeErrLocked() error {
	err := m.nextErr
	m.nextErr = nil
	return err
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

// CreateConversation stores a new conversation, rejecting duplicates per pair.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return err
	}
	if conv.ParticipantA >= conv.ParticipantB {
		return ErrNonCanonicalPair
	}
	key := pairKey(conv.ParticipantA, conv.ParticipantB)
	if _, exists := m.pairIndex[key]; exists {
		return ErrDuplicateConversation
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	m.pairIndex[key] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationByPair retrieves a conversation by its canonical pair.
func (m *MockStore) GetConversationByPair(ctx context.Context, participantA, participantB string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	id, ok := m.pairIndex[pairKey(participantA, participantB)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.conversations[id]
	return &result, nil
}

// ListConversationsFor returns a user's conversations, most recently updated first.
func (m *MockStore) ListConversationsFor(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	result := []*Conversation{}
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AppendMessage stores a message and advances the conversation timestamp atomically.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return err
	}
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := m.messages[msg.ID]; exists {
		return fmt.Errorf("inserting message: duplicate id %s", msg.ID)
	}

	cp := *msg
	m.messages[cp.ID] = &cp
	m.byConv[cp.ConversationID] = append(m.byConv[cp.ConversationID], cp.ID)
	if conv.UpdatedAt.Before(cp.CreatedAt) {
		conv.UpdatedAt = cp.CreatedAt
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListMessages returns a conversation's messages in (CreatedAt, ID) order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	ids := m.byConv[conversationID]
	result := make([]*Message, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyMessage(m.messages[id]))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Before(result[j])
	})
	return result, nil
}

// LatestMessage returns the newest message of a conversation.
func (m *MockStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	var latest *Message
	for _, id := range m.byConv[conversationID] {
		if msg := m.messages[id]; latest == nil || latest.Before(msg) {
			latest = msg
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyMessage(latest), nil
}

// MarkMessageRead sets ReadAt if unset.
func (m *MockStore) MarkMessageRead(ctx context.Context, id string, readAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return false, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if msg.ReadAt != nil {
		return false, nil
	}
	t := readAt
	msg.ReadAt = &t
	return true, nil
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	if msg.ReadAt != nil {
		t := *msg.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

// CreateProfile stores a profile, rejecting duplicate IDs and usernames.
func (m *MockStore) CreateProfile(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return err
	}
	if _, exists := m.profiles[p.ID]; exists {
		return ErrDuplicateProfile
	}
	if _, exists := m.usernames[p.Username]; exists {
		return ErrDuplicateProfile
	}
	cp := *p
	m.profiles[cp.ID] = &cp
	m.usernames[cp.Username] = cp.ID
	return nil
}

// GetProfile retrieves a profile by ID.
func (m *MockStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetProfileByUsername retrieves a profile by username.
func (m *MockStore) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.profiles[id]
	return &cp, nil
}

// SearchProfiles filters profiles by case-insensitive substring, ordered by username.
func (m *MockStore) SearchProfiles(ctx context.Context, filter ProfileFilter) ([]*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErrLocked(); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultProfileLimit
	}
	query := strings.ToLower(filter.Query)

	result := []*Profile{}
	for _, p := range m.profiles {
		if p.ID == filter.ExcludeID {
			continue
		}
		if !strings.Contains(strings.ToLower(p.Username), query) &&
			!strings.Contains(strings.ToLower(p.DisplayName), query) {
			continue
		}
		cp := *p
		cp.PasswordHash = ""
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store        = (*MockStore)(nil)
	_ ProfileStore = (*MockStore)(nil)
	_ Store        = (*SQLiteStore)(nil)
	_ ProfileStore = (*SQLiteStore)(nil)
	_ RecordStore  = (*SQLiteStore)(nil)
)
