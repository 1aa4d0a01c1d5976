// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on pair uniqueness, append atomicity and error injection

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateConversation_DuplicatePair(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, newTestConversation("conv-1", "alice", "bob")))

	// Second create for the same pair should fail even with a different ID
	err := store.CreateConversation(ctx, newTestConversation("conv-2", "alice", "bob"))
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	got, err := store.GetConversationByPair(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ID)
}

func TestMockStore_CreateConversation_NonCanonical(t *testing.T) {
	store := NewMockStore()
	err := store.CreateConversation(context.Background(), newTestConversation("conv-1", "bob", "alice"))
	assert.ErrorIs(t, err, ErrNonCanonicalPair)
}

func TestMockStore_AppendMessage_AdvancesUpdatedAt(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv := newTestConversation("conv-1", "alice", "bob")
	require.NoError(t, store.CreateConversation(ctx, conv))

	ts := conv.CreatedAt.Add(time.Second)
	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "hi", CreatedAt: ts}))

	got, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(ts))
}

func TestMockStore_AppendMessage_UnknownConversation(t *testing.T) {
	store := NewMockStore()
	err := store.AppendMessage(context.Background(), &Message{ID: "m1", ConversationID: "nope", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_ListMessages_OrderAndCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv := newTestConversation("conv-1", "alice", "bob")
	require.NoError(t, store.CreateConversation(ctx, conv))

	base := conv.CreatedAt
	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m-b", ConversationID: "conv-1", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m-a", ConversationID: "conv-1", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m-0", ConversationID: "conv-1", CreatedAt: base}))

	got, err := store.ListMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m-0", "m-a", "m-b"}, []string{got[0].ID, got[1].ID, got[2].ID})

	// Mutating a returned message must not affect the store
	got[0].Content = "tampered"
	again, _ := store.GetMessage(ctx, "m-0")
	assert.Empty(t, again.Content)
}

func TestMockStore_MarkMessageRead(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, newTestConversation("conv-1", "alice", "bob")))
	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", CreatedAt: time.Now()}))

	changed, err := store.MarkMessageRead(ctx, "m1", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MarkMessageRead(ctx, "m1", time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.MarkMessageRead(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_FailNext(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	boom := errors.New("disk on fire")

	store.FailNext(boom)
	_, err := store.ListMessages(ctx, "conv-1")
	assert.ErrorIs(t, err, boom)

	// Only the next call fails
	_, err = store.ListMessages(ctx, "conv-1")
	assert.NoError(t, err)
}

func TestMockStore_Profiles(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateProfile(ctx, &Profile{ID: "u-1", Username: "alice"}))
	assert.ErrorIs(t, store.CreateProfile(ctx, &Profile{ID: "u-2", Username: "alice"}), ErrDuplicateProfile)

	p, err := store.GetProfileByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.ID)

	_, err = store.GetProfile(ctx, "u-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_SearchProfiles(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.CreateProfile(ctx, &Profile{ID: "u-3", Username: "carol", DisplayName: "Carol", PasswordHash: "h"}))
	require.NoError(t, store.CreateProfile(ctx, &Profile{ID: "u-1", Username: "alice", DisplayName: "Alice", PasswordHash: "h"}))
	require.NoError(t, store.CreateProfile(ctx, &Profile{ID: "u-2", Username: "bob", DisplayName: "Bob Carlson", PasswordHash: "h"}))

	got, err := store.SearchProfiles(ctx, ProfileFilter{Query: "car", ExcludeID: "u-3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].Username)
	assert.Empty(t, got[0].PasswordHash)

	all, err := store.SearchProfiles(ctx, ProfileFilter{ExcludeID: "u-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "bob", all[0].Username)
	assert.Equal(t, "carol", all[1].Username)
}

func TestMockStore_LatestMessage(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateConversation(ctx, &Conversation{ID: "conv-1", ParticipantA: "alice", ParticipantB: "bob", CreatedAt: now, UpdatedAt: now}))

	_, err := store.LatestMessage(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m-2", ConversationID: "conv-1", SenderID: "alice", Content: "later", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, store.AppendMessage(ctx, &Message{ID: "m-1", ConversationID: "conv-1", SenderID: "bob", Content: "earlier", CreatedAt: now.Add(time.Millisecond)}))

	latest, err := store.LatestMessage(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "m-2", latest.ID)
}
