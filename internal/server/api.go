// ABOUTME: JSON HTTP API over the conversation directory and message store
// ABOUTME: Token issue, conversation resolve/list, message list/send with idempotency, read receipts

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// IdempotencyHeader names the request header that makes a send retry-safe.
const IdempotencyHeader = "Idempotency-Key"

// TokenRequest is the JSON request body for POST /api/token.
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is the JSON response for POST /api/token.
type TokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

// UserResponse is the JSON response for GET /api/users/{username}.
type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// ListUsersResponse is the JSON response for GET /api/users.
type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
}

// ResolveConversationRequest is the JSON request body for POST /api/conversations.
type ResolveConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

// ConversationResponse is the JSON form of a conversation. Participant is
// the profile of the member other than the caller and LastMessage the newest
// message, absent while the conversation is empty.
type ConversationResponse struct {
	ID           string           `json:"id"`
	ParticipantA string           `json:"participant_a"`
	ParticipantB string           `json:"participant_b"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	Participant  *UserResponse    `json:"participant,omitempty"`
	LastMessage  *MessageResponse `json:"last_message,omitempty"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	Content        string  `json:"content"`
	ContentHTML    string  `json:"content_html,omitempty"`
	CreatedAt      string  `json:"created_at"`
	ReadAt         *string `json:"read_at,omitempty"`
}

// ListMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// ErrorResponse is the JSON body of every error response. Code is set for
// errors from the conversation package.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code
const (
	CodeInvalidParticipants  = "invalid_participants"
	CodeEmptyContent         = "empty_content"
	CodeNotAParticipant      = "not_a_participant"
	CodeNotRecipient         = "not_recipient"
	CodeConversationNotFound = "conversation_not_found"
	CodeMessageNotFound      = "message_not_found"
	CodeTimeout              = "timeout"
	CodeStoreUnavailable     = "store_unavailable"
	CodeInProgress           = "in_progress"
)

// handleToken handles POST /api/token: exchanges credentials for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		s.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	profile, err := s.identities.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.writeError(w, r, conversation.StoreError(err))
		return
	}

	ttl := s.config.Auth.TokenTTL
	token, err := s.tokens.Generate(profile.ID, ttl)
	if err != nil {
		s.logger.Error("failed to generate token", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		UserID:    profile.ID,
		ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

// handleGetUser handles GET /api/users/{username}.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	profile, err := s.store.GetProfileByUsername(ctx, r.PathValue("username"))
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.writeError(w, r, conversation.StoreError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, toUserResponse(profile))
}

// handleListUsers handles GET /api/users?q=: profiles whose username or
// display name contains q, excluding the caller, ordered by username.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	profiles, err := s.store.SearchProfiles(ctx, store.ProfileFilter{
		Query:     strings.TrimSpace(r.URL.Query().Get("q")),
		ExcludeID: caller.UserID,
	})
	if err != nil {
		s.writeError(w, r, conversation.StoreError(err))
		return
	}

	resp := ListUsersResponse{Users: make([]UserResponse, len(profiles))}
	for i, p := range profiles {
		resp.Users[i] = toUserResponse(p)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListConversations handles GET /api/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	convs, err := s.directory.ListFor(ctx, caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, len(convs))}
	for i, conv := range convs {
		if resp.Conversations[i], err = s.conversationSummary(ctx, conv, caller.UserID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleResolveConversation handles POST /api/conversations: returns the
// caller's conversation with participant_id, creating it on first contact.
func (s *Server) handleResolveConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req ResolveConversationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	conv, err := s.directory.Resolve(ctx, caller.UserID, req.ParticipantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.conversationSummary(ctx, conv, caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListMessages handles GET /api/conversations/{id}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	conversationID := r.PathValue("id")

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.requireParticipant(ctx, conversationID, caller.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}

	msgs, err := s.messages.List(ctx, conversationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, len(msgs)),
	}
	for i, msg := range msgs {
		resp.Messages[i] = s.toMessageResponse(msg)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSendMessage handles POST /api/conversations/{id}/messages. A repeated
// Idempotency-Key from the same caller returns the original message.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	conversationID := r.PathValue("id")

	var req SendMessageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	var key string
	if k := r.Header.Get(IdempotencyHeader); k != "" {
		key = caller.UserID + ":" + conversationID + ":" + k
		switch prev, st := s.sends.Begin(key); st {
		case dedupe.StatusDone:
			s.writeJSON(w, http.StatusOK, s.toMessageResponse(prev))
			return
		case dedupe.StatusInFlight:
			s.writeJSON(w, http.StatusConflict, ErrorResponse{
				Error: "request with this idempotency key is in progress",
				Code:  CodeInProgress,
			})
			return
		}
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	msg, err := s.messages.Append(ctx, conversationID, caller.UserID, req.Content)
	if err != nil {
		if key != "" {
			s.sends.Abort(key)
		}
		s.writeError(w, r, err)
		return
	}
	if key != "" {
		s.sends.Complete(key, msg)
	}

	s.writeJSON(w, http.StatusCreated, s.toMessageResponse(msg))
}

// handleMarkRead handles POST /api/messages/{id}/read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.messages.MarkRead(ctx, r.PathValue("id"), caller.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireParticipant checks the caller may read the conversation.
func (s *Server) requireParticipant(ctx context.Context, conversationID, userID string) error {
	conv, err := s.directory.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s", conversation.ErrNotAParticipant, conversationID)
	}
	return nil
}

// requestContext bounds a request by chat.request_timeout.
func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.Chat.RequestTimeout)
}

// conversationSummary adds the other participant's profile and the newest
// message to a conversation. A participant without a profile is left out.
func (s *Server) conversationSummary(ctx context.Context, conv *store.Conversation, callerID string) (ConversationResponse, error) {
	resp := toConversationResponse(conv)

	profile, err := s.store.GetProfile(ctx, conv.Other(callerID))
	switch {
	case err == nil:
		user := toUserResponse(profile)
		resp.Participant = &user
	case !errors.Is(err, store.ErrNotFound):
		return resp, conversation.StoreError(err)
	}

	last, err := s.store.LatestMessage(ctx, conv.ID)
	switch {
	case err == nil:
		msg := s.toMessageResponse(last)
		resp.LastMessage = &msg
	case !errors.Is(err, store.ErrNotFound):
		return resp, conversation.StoreError(err)
	}
	return resp, nil
}

func toUserResponse(p *store.Profile) UserResponse {
	return UserResponse{ID: p.ID, Username: p.Username, DisplayName: p.DisplayName}
}

func toConversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           conv.ID,
		ParticipantA: conv.ParticipantA,
		ParticipantB: conv.ParticipantB,
		CreatedAt:    conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) toMessageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		ContentHTML:    s.renderContent(msg.Content),
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.ReadAt != nil {
		readAt := msg.ReadAt.UTC().Format(time.RFC3339Nano)
		resp.ReadAt = &readAt
	}
	return resp
}

// renderContent converts message markdown to HTML. Raw HTML in the source is
// omitted by goldmark's default renderer.
func (s *Server) renderContent(content string) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(content), &buf); err != nil {
		s.logger.Warn("failed to render message content", "error", err)
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// decodeJSON reads a bounded JSON body into v, writing a 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// writeError maps a conversation error onto an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: ErrorCode(err)})
}

// ErrorCode returns the ErrorResponse code for err, or "" if it has none.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

var errorCodes = []struct {
	err  error
	code string
}{
	{conversation.ErrInvalidParticipants, CodeInvalidParticipants},
	{conversation.ErrEmptyContent, CodeEmptyContent},
	{conversation.ErrNotAParticipant, CodeNotAParticipant},
	{conversation.ErrNotRecipient, CodeNotRecipient},
	{conversation.ErrConversationNotFound, CodeConversationNotFound},
	{conversation.ErrMessageNotFound, CodeMessageNotFound},
	{conversation.ErrTimeout, CodeTimeout},
	{conversation.ErrStoreUnavailable, CodeStoreUnavailable},
}

// StatusFor returns the HTTP status for an error from the conversation package.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidParticipants),
		errors.Is(err, conversation.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotAParticipant),
		errors.Is(err, conversation.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, conversation.ErrConversationNotFound),
		errors.Is(err, conversation.ErrMessageNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, conversation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
