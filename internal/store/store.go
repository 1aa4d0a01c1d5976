// ABOUTME: Store interfaces and data types for coven-chat persistence
// ABOUTME: Defines Conversation, Message, Profile and Record plus their storage contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the same participant
// pair already exists (the canonical pair UNIQUE constraint fired)
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateProfile is returned when a profile username is already taken
var ErrDuplicateProfile = errors.New("profile already exists")

// ErrNonCanonicalPair is returned when a conversation is stored with participants
// that are not in canonical (ascending) order
var ErrNonCanonicalPair = errors.New("participants must be in canonical order")

// Conversation is the durable two-participant messaging context.
// ParticipantA < ParticipantB always holds for stored rows.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
	UpdatedAt    time.Time // advanced to the CreatedAt of the newest message
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the participant that is not userID, or "" if userID is not a participant.
func (c *Conversation) Other(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// Message is a single message within a conversation.
// Messages are ordered by (CreatedAt, ID) and never edited except for ReadAt.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Before reports whether m sorts strictly before other in conversation order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Profile is a user identity known to the Identity Provider
type Profile struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string // bcrypt hash, empty if the profile cannot log in
	CreatedAt    time.Time
}

// Record is a generic row in a named collection, used by the CRUD features
// (posts, likes, follows, comments) that sit outside the messaging core
type Record struct {
	Collection string
	ID         string
	Data       []byte // JSON document
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store defines the persistence contract for conversations and messages
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, participantA, participantB string) (*Conversation, error)
	ListConversationsFor(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*Message, error)
	MarkMessageRead(ctx context.Context, id string, readAt time.Time) (bool, error)

	// Close releases any resources held by the store
	Close() error
}

// ProfileStore defines storage for user profiles
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*Profile, error)
	SearchProfiles(ctx context.Context, filter ProfileFilter) ([]*Profile, error)
}

// ProfileFilter selects profiles for the user directory. Query matches a
// case-insensitive substring of the username or display name; an empty query
// matches everyone. Results are ordered by username.
type ProfileFilter struct {
	Query     string
	ExcludeID string // typically the caller
	Limit     int    // 0 means DefaultProfileLimit
}

// DefaultProfileLimit caps a directory search without an explicit limit.
const DefaultProfileLimit = 50

// RecordStore is the generic Record Store collaborator: CRUD and counts over
// named collections
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, collection, id string) (*Record, error)
	UpdateRecord(ctx context.Context, rec *Record) error
	DeleteRecord(ctx context.Context, collection, id string) error
	CountRecords(ctx context.Context, collection string) (int, error)
}
