// ABOUTME: Chat Session Controller: client-side state machine for one user's chat screen
// ABOUTME: Owns at most one live subscription and discards notifications for stale conversations

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoActiveConversation is returned by Send before a conversation is selected.
	ErrNoActiveConversation = errors.New("no active conversation")
)

// DefaultRequestTimeout bounds each operation when no timeout is configured.
const DefaultRequestTimeout = 10 * time.Second

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateListLoaded
	StateConversationActive
	StateSwitching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListLoaded:
		return "list_loaded"
	case StateConversationActive:
		return "conversation_active"
	case StateSwitching:
		return "switching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Directory resolves and lists conversations.
type Directory interface {
	Resolve(ctx context.Context, a, b string) (*store.Conversation, error)
	ListFor(ctx context.Context, userID string) ([]*store.Conversation, error)
}

// Messages appends and lists messages.
type Messages interface {
	Append(ctx context.Context, conversationID, senderID, content string) (*store.Message, error)
	List(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// LiveChannel delivers change signals for one conversation per handle.
type LiveChannel interface {
	Subscribe(ctx context.Context, conversationID string, onChange func(conversationID string)) (conversation.Handle, error)
}

// Snapshot is a read-only view of the controller's state.
type Snapshot struct {
	State          State
	ConversationID string
	Messages       []*store.Message
	Conversations  []*store.Conversation
	// Err is the last background refresh failure, cleared by the next success.
	Err error
}

// Option configures a Controller.
type Option func(*Controller)

// WithRequestTimeout bounds every operation and background refresh.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller drives one user's chat session.
//
// Transitions are serialized by opMu. Live callbacks only mark the session
// dirty under mu and wake the notification loop, so Unsubscribe never waits
// on a transition in progress.
type Controller struct {
	userID  string
	dir     Directory
	msgs    Messages
	live    LiveChannel
	timeout time.Duration
	logger  *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wake       chan struct{}
	loopDone   chan struct{}
	updates    chan Snapshot

	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	activeID      string
	generation    uint64
	dirty         bool
	handle        conversation.Handle
	messages      []*store.Message
	conversations []*store.Conversation
	lastErr       error
	refreshCancel context.CancelFunc
	updatesClosed bool
}

// New creates a controller for userID and starts its notification loop.
func New(userID string, dir Directory, msgs Messages, live LiveChannel, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		userID:     userID,
		dir:        dir,
		msgs:       msgs,
		live:       live,
		timeout:    DefaultRequestTimeout,
		logger:     slog.Default(),
		baseCtx:    ctx,
		baseCancel: cancel,
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
		updates:    make(chan Snapshot, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session", "user_id", userID)
	go c.loop()
	return c
}

// Updates streams snapshots after every state change. Only the latest
// unread snapshot is kept. The channel is closed by Close.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Load fetches the conversation list.
func (c *Controller) Load(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	convs, err := c.dir.ListFor(ctx, c.userID)
	if err != nil {
		return timeoutError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrSessionClosed
	}
	c.conversations = convs
	if c.state == StateIdle {
		c.state = StateListLoaded
	}
	c.publishLocked()
	return nil
}

// Select makes conversationID the active conversation. Selecting the
// conversation that is already active refreshes it.
func (c *Controller) Select(ctx context.Context, conversationID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.selectLocked(ctx, conversationID)
}

// SwitchTo is Select under the name the chat screen uses.
func (c *Controller) SwitchTo(ctx context.Context, conversationID string) error {
	return c.Select(ctx, conversationID)
}

// ResolveAndSelect opens the conversation with otherUserID, creating it on
// first contact, and selects it. The conversation joins the list only once
// the selection succeeds.
func (c *Controller) ResolveAndSelect(ctx context.Context, otherUserID string) (*store.Conversation, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil, ErrSessionClosed
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	conv, err := c.dir.Resolve(rctx, c.userID, otherUserID)
	cancel()
	if err != nil {
		return nil, timeoutError(err)
	}

	if err := c.selectWith(ctx, conv.ID, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// selectLocked runs a selection. The caller holds opMu.
func (c *Controller) selectLocked(ctx context.Context, conversationID string) error {
	return c.selectWith(ctx, conversationID, nil)
}

// selectWith runs a selection and, when it succeeds, adds pending to the
// front of the list if it is not there yet. The caller holds opMu.
func (c *Controller) selectWith(ctx context.Context, conversationID string, pending *store.Conversation) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state == StateConversationActive && c.activeID == conversationID {
		gen := c.generation
		c.addConversationLocked(pending)
		c.mu.Unlock()
		return c.refresh(ctx, conversationID, gen)
	}

	old := c.handle
	c.handle = nil
	c.generation++
	gen := c.generation
	c.cancelRefreshLocked()
	c.state = StateSwitching
	c.activeID = conversationID
	c.dirty = false
	c.messages = nil
	c.lastErr = nil
	c.publishLocked()
	c.mu.Unlock()

	// No callback for the old conversation runs after this returns
	if old != nil {
		old.Unsubscribe()
	}

	// Subscribe before fetching so nothing appended in between is missed
	h, err := c.live.Subscribe(c.baseCtx, conversationID, c.onChange(conversationID, gen))
	if err != nil {
		if !errors.Is(err, conversation.ErrTransportDropped) {
			c.abandonSwitch(gen)
			return timeoutError(err)
		}
		c.logger.Warn("live channel unavailable, continuing without updates",
			"conversation_id", conversationID,
			"error", err)
		h = nil
	}

	msgs, err := c.msgs.List(ctx, conversationID)
	if err != nil {
		if h != nil {
			h.Unsubscribe()
		}
		c.abandonSwitch(gen)
		return timeoutError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
	c.state = StateConversationActive
	c.messages = msgs
	c.addConversationLocked(pending)
	if c.dirty {
		c.signalLoop()
	}
	c.publishLocked()
	c.logger.Debug("conversation selected", "conversation_id", conversationID)
	return nil
}

func (c *Controller) addConversationLocked(conv *store.Conversation) {
	if conv != nil && !containsConversation(c.conversations, conv.ID) {
		c.conversations = append([]*store.Conversation{conv}, c.conversations...)
	}
}

// abandonSwitch returns a failed selection to the list view.
func (c *Controller) abandonSwitch(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.state == StateClosed {
		return
	}
	c.state = StateListLoaded
	c.activeID = ""
	c.messages = nil
	c.dirty = false
	c.publishLocked()
}

// Send appends content to the active conversation and refreshes it. On
// failure the session state is left unchanged.
func (c *Controller) Send(ctx context.Context, content string) (*store.Message, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrSessionClosed
	case StateConversationActive:
	default:
		c.mu.Unlock()
		return nil, ErrNoActiveConversation
	}
	id, gen := c.activeID, c.generation
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.msgs.Append(ctx, id, c.userID, content)
	if err != nil {
		return nil, timeoutError(err)
	}

	// The message is committed; a failed refresh is reported through Snapshot.Err
	_ = c.refresh(ctx, id, gen)
	return msg, nil
}

// Close releases the live subscription and stops the notification loop.
// It is safe to call more than once.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	h := c.handle
	c.handle = nil
	c.generation++
	c.cancelRefreshLocked()
	c.state = StateClosed
	c.activeID = ""
	c.messages = nil
	c.dirty = false
	c.publishLocked()
	c.mu.Unlock()

	if h != nil {
		h.Unsubscribe()
	}
	c.baseCancel()
	<-c.loopDone

	c.mu.Lock()
	c.updatesClosed = true
	close(c.updates)
	c.mu.Unlock()

	c.logger.Debug("session closed")
	return nil
}

// onChange returns the live callback for one selection. It never blocks.
func (c *Controller) onChange(conversationID string, gen uint64) func(string) {
	return func(string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation != gen || c.activeID != conversationID {
			c.logger.Debug("discarding stale notification", "conversation_id", conversationID)
			return
		}
		c.dirty = true
		if c.state == StateConversationActive {
			c.signalLoop()
		}
	}
}

func (c *Controller) signalLoop() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// loop runs pull refreshes for notifications on the active conversation.
func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-c.wake:
		}

		c.mu.Lock()
		if !c.dirty || c.state != StateConversationActive {
			c.mu.Unlock()
			continue
		}
		c.dirty = false
		id, gen := c.activeID, c.generation
		ctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
		c.refreshCancel = cancel
		c.mu.Unlock()

		_ = c.refresh(ctx, id, gen)

		c.mu.Lock()
		cancel()
		c.refreshCancel = nil
		c.mu.Unlock()
	}
}

// refresh re-fetches messages and applies them only if the selection is
// unchanged.
func (c *Controller) refresh(ctx context.Context, conversationID string, gen uint64) error {
	msgs, err := c.msgs.List(ctx, conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.activeID != conversationID || c.state == StateClosed {
		return nil
	}
	if err != nil {
		err = timeoutError(err)
		c.lastErr = err
		c.publishLocked()
		c.logger.Warn("refresh failed", "conversation_id", conversationID, "error", err)
		return err
	}
	c.messages = msgs
	c.lastErr = nil
	c.publishLocked()
	return nil
}

func (c *Controller) cancelRefreshLocked() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:          c.state,
		ConversationID: c.activeID,
		Messages:       append([]*store.Message(nil), c.messages...),
		Conversations:  append([]*store.Conversation(nil), c.conversations...),
		Err:            c.lastErr,
	}
}

// publishLocked replaces any unread snapshot with the current one.
func (c *Controller) publishLocked() {
	if c.updatesClosed {
		return
	}
	s := c.snapshotLocked()
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- s:
	default:
	}
}

func containsConversation(convs []*store.Conversation, id string) bool {
	for _, conv := range convs {
		if conv.ID == id {
			return true
		}
	}
	return false
}

// timeoutError reports an exceeded deadline as conversation.ErrTimeout.
func timeoutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, conversation.ErrTimeout) {
		return fmt.Errorf("%w: %v", conversation.ErrTimeout, err)
	}
	return err
}
