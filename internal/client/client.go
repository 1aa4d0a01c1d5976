// ABOUTME: HTTP client for the coven-chat JSON API
// ABOUTME: Implements the session Directory and Messages ports and maps error responses back to sentinels

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/server"
	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrUnauthorized is returned for a missing, invalid or expired token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUserNotFound is returned by LookupUser for an unknown username.
	ErrUserNotFound = errors.New("user not found")
)

// defaultSendAttempts bounds retries of a send that failed in transit.
const defaultSendAttempts = 3

// Client talks to a coven-chat server over HTTP.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	sendAttempts int
	retryDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSendRetry sets how many times Append tries a send and the pause
// between attempts.
func WithSendRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.sendAttempts = attempts
		}
		c.retryDelay = delay
	}
}

// New creates a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        token,
		http:         &http.Client{},
		sendAttempts: defaultSendAttempts,
		retryDelay:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a bearer token. It returns the token and
// the authenticated user id.
func (c *Client) Login(ctx context.Context, username, password string) (token, userID string, err error) {
	var resp server.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/token", server.TokenRequest{Username: username, Password: password}, nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Token, resp.UserID, nil
}

// Health reports whether the server answers its readiness check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil, nil)
}

// LookupUser returns the profile for username.
func (c *Client) LookupUser(ctx context.Context, username string) (*store.Profile, error) {
	var resp server.UserResponse
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(username), nil, nil, &resp)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	return toProfile(resp), nil
}

// SearchUsers returns the profiles whose username or display name contains
// query, ordered by username. The authenticated user is never included and
// an empty query lists everyone else.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]*store.Profile, error) {
	path := "/api/users"
	if query != "" {
		path += "?" + url.Values{"q": {query}}.Encode()
	}
	var resp server.ListUsersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	profiles := make([]*store.Profile, len(resp.Users))
	for i, u := range resp.Users {
		profiles[i] = toProfile(u)
	}
	return profiles, nil
}

// Resolve returns the conversation between the authenticated user and b.
// The server always resolves for the token's user, so a must be that user.
func (c *Client) Resolve(ctx context.Context, a, b string) (*store.Conversation, error) {
	if a == b {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", conversation.ErrInvalidParticipants)
	}
	var resp server.ConversationResponse
	if err := c.do(ctx, http.MethodPost, "/api/conversations", server.ResolveConversationRequest{ParticipantID: b}, nil, &resp); err != nil {
		return nil, err
	}
	return toConversation(resp)
}

// Summary is a conversation together with the profile of the other
// participant and the newest message. Either may be nil.
type Summary struct {
	Conversation *store.Conversation
	Participant  *store.Profile
	LastMessage  *store.Message
}

// ListSummaries returns the authenticated user's conversations, most recent
// first, each with its peer profile and last message.
func (c *Client) ListSummaries(ctx context.Context) ([]Summary, error) {
	var resp server.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &resp); err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(resp.Conversations))
	for _, r := range resp.Conversations {
		sum, err := toSummary(r)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// ListFor returns the authenticated user's conversations, most recent first.
func (c *Client) ListFor(ctx context.Context, userID string) ([]*store.Conversation, error) {
	summaries, err := c.ListSummaries(ctx)
	if err != nil {
		return nil, err
	}
	convs := make([]*store.Conversation, len(summaries))
	for i, sum := range summaries {
		convs[i] = sum.Conversation
	}
	return convs, nil
}

// Append sends a message as the authenticated user. Every attempt carries
// the same Idempotency-Key, so a retry after a lost response never
// duplicates the message. A 409 means an earlier attempt with the key is
// still running on the server, and is retried like a transport failure.
func (c *Client) Append(ctx context.Context, conversationID, senderID, content string) (*store.Message, error) {
	headers := map[string]string{server.IdempotencyHeader: uuid.New().String()}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"

	var lastErr error
	for attempt := 0; attempt < c.sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, transportError(ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}

		var resp server.MessageResponse
		err := c.do(ctx, http.MethodPost, path, server.SendMessageRequest{Content: content}, headers, &resp)
		if err == nil {
			return toMessage(resp)
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// List returns the conversation's messages in order.
func (c *Client) List(ctx context.Context, conversationID string) ([]*store.Message, error) {
	var resp server.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]*store.Message, 0, len(resp.Messages))
	for _, r := range resp.Messages {
		msg, err := toMessage(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkRead records that the authenticated user read messageID.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, nil, nil)
}

// do sends one JSON request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", conversation.ErrStoreUnavailable, err)
	}
	return nil
}

// errTransport marks failures that never reached a server response.
var errTransport = errors.New("transport failure")

// transportError classifies an error from http.Client.Do.
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", conversation.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w: %v", conversation.ErrStoreUnavailable, errTransport, err)
}

// retryable reports whether a send may be retried with the same key.
func retryable(err error) bool {
	return errors.Is(err, errTransport) ||
		errors.Is(err, errServerUnavailable) ||
		errors.Is(err, ErrInProgress)
}

var errServerUnavailable = errors.New("server unavailable")

// ErrInProgress is returned when the server is still processing an earlier
// send with the same Idempotency-Key.
var ErrInProgress = errors.New("send in progress")

// errorFromResponse maps an error response onto the conversation taxonomy.
func errorFromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp server.ErrorResponse
	if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
		errResp.Error = strings.TrimSpace(string(data))
	}
	msg := errResp.Error

	if errResp.Code == server.CodeInProgress || resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrInProgress, msg)
	}
	if sentinel, ok := codeSentinels[errResp.Code]; ok {
		if errResp.Code == server.CodeStoreUnavailable {
			return fmt.Errorf("%w: %w: %s", sentinel, errServerUnavailable, msg)
		}
		return fmt.Errorf("%w: %s", sentinel, msg)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, msg)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", conversation.ErrTimeout, msg)
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return fmt.Errorf("%w: %w: %s", conversation.ErrStoreUnavailable, errServerUnavailable, msg)
	default:
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg)
	}
}

var codeSentinels = map[string]error{
	server.CodeInvalidParticipants:  conversation.ErrInvalidParticipants,
	server.CodeEmptyContent:         conversation.ErrEmptyContent,
	server.CodeNotAParticipant:      conversation.ErrNotAParticipant,
	server.CodeNotRecipient:         conversation.ErrNotRecipient,
	server.CodeConversationNotFound: conversation.ErrConversationNotFound,
	server.CodeMessageNotFound:      conversation.ErrMessageNotFound,
	server.CodeTimeout:              conversation.ErrTimeout,
	server.CodeStoreUnavailable:     conversation.ErrStoreUnavailable,
}

func toProfile(r server.UserResponse) *store.Profile {
	return &store.Profile{ID: r.ID, Username: r.Username, DisplayName: r.DisplayName}
}

func toSummary(r server.ConversationResponse) (Summary, error) {
	conv, err := toConversation(r)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Conversation: conv}
	if r.Participant != nil {
		sum.Participant = toProfile(*r.Participant)
	}
	if r.LastMessage != nil {
		if sum.LastMessage, err = toMessage(*r.LastMessage); err != nil {
			return Summary{}, err
		}
	}
	return sum, nil
}

func toConversation(r server.ConversationResponse) (*store.Conversation, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &store.Conversation{
		ID:           r.ID,
		ParticipantA: r.ParticipantA,
		ParticipantB: r.ParticipantB,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func toMessage(r server.MessageResponse) (*store.Message, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg := &store.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		CreatedAt:      createdAt,
	}
	if r.ReadAt != nil {
		readAt, err := time.Parse(time.RFC3339Nano, *r.ReadAt)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		msg.ReadAt = &readAt
	}
	return msg, nil
}
