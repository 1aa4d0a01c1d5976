// ABOUTME: Tests for the coven-chat HTTP API handlers
// ABOUTME: Runs the real handler stack over a temporary SQLite database

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/store"
)

const testJWTSecret = "server-api-test-secret-32-bytes!"

type testUser struct {
	ID       string
	Username string
	Token    string
}

type testServer struct {
	srv   *Server
	http  *httptest.Server
	store *store.SQLiteStore
	alice testUser
	bob   testUser
	carol testUser
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{GRPCAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{JWTSecret: testJWTSecret, TokenTTL: time.Hour},
		Chat: config.ChatConfig{
			RequestTimeout: 5 * time.Second,
			ReconnectMin:   10 * time.Millisecond,
			ReconnectMax:   100 * time.Millisecond,
			IdempotencyTTL: time.Minute,
		},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	srv, err := NewWithBackend(testConfig(), st, nil)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ts := &testServer{srv: srv, http: hs, store: st}
	ts.alice = ts.register(t, "alice")
	ts.bob = ts.register(t, "bob")
	ts.carol = ts.register(t, "carol")
	return ts
}

func (ts *testServer) register(t *testing.T, username string) testUser {
	t.Helper()
	password := "pw-" + username
	profile, err := ts.srv.identities.Register(context.Background(), username, "", password)
	require.NoError(t, err)

	resp, body := ts.do(t, http.MethodPost, "/api/token", "", TokenRequest{Username: username, Password: password}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var tok TokenResponse
	require.NoError(t, json.Unmarshal(body, &tok))
	assert.Equal(t, profile.ID, tok.UserID)
	return testUser{ID: profile.ID, Username: username, Token: tok.Token}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) resolve(t *testing.T, caller testUser, otherID string) ConversationResponse {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/conversations", caller.Token,
		ResolveConversationRequest{ParticipantID: otherID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var conv ConversationResponse
	require.NoError(t, json.Unmarshal(body, &conv))
	return conv
}

func (ts *testServer) send(t *testing.T, caller testUser, conversationID, content string) MessageResponse {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/conversations/"+conversationID+"/messages", caller.Token,
		SendMessageRequest{Content: content}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var msg MessageResponse
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

func (ts *testServer) listMessages(t *testing.T, caller testUser, conversationID string) []MessageResponse {
	t.Helper()
	resp, body := ts.do(t, http.MethodGet, "/api/conversations/"+conversationID+"/messages", caller.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var list ListMessagesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	return list.Messages
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = ts.do(t, http.MethodGet, "/health/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", string(body))
}

func TestToken(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name       string
		req        TokenRequest
		wantStatus int
	}{
		{"wrong password", TokenRequest{Username: "alice", Password: "nope"}, http.StatusUnauthorized},
		{"unknown user", TokenRequest{Username: "mallory", Password: "pw"}, http.StatusUnauthorized},
		{"missing password", TokenRequest{Username: "alice"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/token", "", tt.req, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestAPI_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/conversations", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/conversations", "not-a-jwt", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetUser(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/users/bob", ts.alice.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var user UserResponse
	require.NoError(t, json.Unmarshal(body, &user))
	assert.Equal(t, ts.bob.ID, user.ID)
	assert.Equal(t, "bob", user.DisplayName)

	resp, _ = ts.do(t, http.MethodGet, "/api/users/nobody", ts.alice.Token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListUsers(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/users", ts.bob.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var list ListUsersResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Users, 2, "caller is excluded")
	assert.Equal(t, "alice", list.Users[0].Username)
	assert.Equal(t, "carol", list.Users[1].Username)

	resp, body = ts.do(t, http.MethodGet, "/api/users?q=CAR", ts.alice.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Users, 1)
	assert.Equal(t, ts.carol.ID, list.Users[0].ID)

	resp, body = ts.do(t, http.MethodGet, "/api/users?q=zzz", ts.alice.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &list))
	assert.NotNil(t, list.Users)
	assert.Empty(t, list.Users)

	resp, _ = ts.do(t, http.MethodGet, "/api/users", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestResolveConversation(t *testing.T) {
	ts := newTestServer(t)

	fromAlice := ts.resolve(t, ts.alice, ts.bob.ID)
	fromBob := ts.resolve(t, ts.bob, ts.alice.ID)
	assert.Equal(t, fromAlice.ID, fromBob.ID)
	assert.Equal(t, fromAlice.CreatedAt, fromAlice.UpdatedAt)
	assert.Less(t, fromAlice.ParticipantA, fromAlice.ParticipantB)

	require.NotNil(t, fromAlice.Participant)
	assert.Equal(t, "bob", fromAlice.Participant.Username)
	require.NotNil(t, fromBob.Participant)
	assert.Equal(t, "alice", fromBob.Participant.Username)
	assert.Nil(t, fromAlice.LastMessage)

	tests := []struct {
		name    string
		otherID string
	}{
		{"self", ts.alice.ID},
		{"empty", ""},
		{"unknown identity", "no-such-user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/conversations", ts.alice.Token,
				ResolveConversationRequest{ParticipantID: tt.otherID}, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
}

func TestListConversations(t *testing.T) {
	ts := newTestServer(t)

	withBob := ts.resolve(t, ts.alice, ts.bob.ID)
	withCarol := ts.resolve(t, ts.alice, ts.carol.ID)
	ts.send(t, ts.alice, withBob.ID, "newest activity")

	resp, body := ts.do(t, http.MethodGet, "/api/conversations", ts.alice.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list ListConversationsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, withBob.ID, list.Conversations[0].ID, "most recently updated first")
	assert.Equal(t, withCarol.ID, list.Conversations[1].ID)

	latest := list.Conversations[0]
	require.NotNil(t, latest.Participant)
	assert.Equal(t, ts.bob.ID, latest.Participant.ID)
	require.NotNil(t, latest.LastMessage)
	assert.Equal(t, "newest activity", latest.LastMessage.Content)
	assert.Equal(t, ts.alice.ID, latest.LastMessage.SenderID)
	require.NotNil(t, list.Conversations[1].Participant)
	assert.Equal(t, "carol", list.Conversations[1].Participant.Username)
	assert.Nil(t, list.Conversations[1].LastMessage)

	resp, body = ts.do(t, http.MethodGet, "/api/conversations", ts.bob.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Conversations, 1)
}

func TestSendAndListMessages(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.resolve(t, ts.alice, ts.bob.ID)

	first := ts.send(t, ts.alice, conv.ID, "**hi** bob")
	second := ts.send(t, ts.bob, conv.ID, "hey <script>alert(1)</script>")

	assert.Equal(t, "<p><strong>hi</strong> bob</p>", first.ContentHTML)
	assert.NotContains(t, second.ContentHTML, "<script>")

	msgs := ts.listMessages(t, ts.bob, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)
	assert.Equal(t, ts.bob.ID, msgs[1].SenderID)
	assert.Nil(t, msgs[0].ReadAt)
}

func TestSendMessage_Errors(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.resolve(t, ts.alice, ts.bob.ID)

	tests := []struct {
		name       string
		caller     testUser
		convID     string
		content    string
		wantStatus int
	}{
		{"empty content", ts.alice, conv.ID, "   ", http.StatusBadRequest},
		{"not a participant", ts.carol, conv.ID, "let me in", http.StatusForbidden},
		{"unknown conversation", ts.alice, "missing", "hello", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/conversations/"+tt.convID+"/messages", tt.caller.Token,
				SendMessageRequest{Content: tt.content}, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
		})
	}

	resp, _ := ts.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", ts.carol.Token, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, ts.listMessages(t, ts.alice, conv.ID))
}

func TestSendMessage_Idempotent(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.resolve(t, ts.alice, ts.bob.ID)
	path := "/api/conversations/" + conv.ID + "/messages"
	headers := map[string]string{IdempotencyHeader: "retry-1"}

	resp, body := ts.do(t, http.MethodPost, path, ts.alice.Token, SendMessageRequest{Content: "once"}, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first MessageResponse
	require.NoError(t, json.Unmarshal(body, &first))

	resp, body = ts.do(t, http.MethodPost, path, ts.alice.Token, SendMessageRequest{Content: "once"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var retry MessageResponse
	require.NoError(t, json.Unmarshal(body, &retry))
	assert.Equal(t, first.ID, retry.ID)

	// A failed attempt does not consume the key
	failHeaders := map[string]string{IdempotencyHeader: "retry-2"}
	resp, _ = ts.do(t, http.MethodPost, path, ts.alice.Token, SendMessageRequest{Content: ""}, failHeaders)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, path, ts.alice.Token, SendMessageRequest{Content: "second"}, failHeaders)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Len(t, ts.listMessages(t, ts.alice, conv.ID), 2)
}

func TestSendMessage_InProgressKey(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.resolve(t, ts.alice, ts.bob.ID)
	path := "/api/conversations/" + conv.ID + "/messages"

	// Hold the key as a concurrent attempt would
	_, st := ts.srv.sends.Begin(ts.alice.ID + ":" + conv.ID + ":busy-1")
	require.Equal(t, dedupe.StatusNew, st)

	resp, body := ts.do(t, http.MethodPost, path, ts.alice.Token, SendMessageRequest{Content: "hi"},
		map[string]string{IdempotencyHeader: "busy-1"})
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, CodeInProgress, errResp.Code)
	assert.Empty(t, ts.listMessages(t, ts.alice, conv.ID))
}

func TestMarkRead(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.resolve(t, ts.alice, ts.bob.ID)
	msg := ts.send(t, ts.alice, conv.ID, "read me")

	tests := []struct {
		name       string
		caller     testUser
		messageID  string
		wantStatus int
	}{
		{"sender", ts.alice, msg.ID, http.StatusForbidden},
		{"outsider", ts.carol, msg.ID, http.StatusForbidden},
		{"unknown message", ts.bob, "missing", http.StatusNotFound},
		{"recipient", ts.bob, msg.ID, http.StatusNoContent},
		{"recipient again", ts.bob, msg.ID, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/messages/"+tt.messageID+"/read", tt.caller.Token, nil, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
		})
	}

	msgs := ts.listMessages(t, ts.alice, conv.ID)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ReadAt)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{conversation.ErrInvalidParticipants, http.StatusBadRequest},
		{conversation.ErrEmptyContent, http.StatusBadRequest},
		{conversation.ErrNotAParticipant, http.StatusForbidden},
		{conversation.ErrNotRecipient, http.StatusForbidden},
		{conversation.ErrConversationNotFound, http.StatusNotFound},
		{conversation.ErrMessageNotFound, http.StatusNotFound},
		{conversation.ErrTimeout, http.StatusGatewayTimeout},
		{conversation.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}
