// ABOUTME: Remote Live Update Channel client over the LiveUpdates gRPC stream
// ABOUTME: Reconnects with exponential backoff and fires one synthetic signal after each reconnect

package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-chat/internal/conversation"
)

// ErrUnauthenticated is returned when the server rejects the bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultOpenTimeout  = 10 * time.Second
)

var watchStreamDesc = &grpc.StreamDesc{
	StreamName:    "Watch",
	ServerStreams: true,
}

// Client subscribes to conversations on a remote LiveUpdates service.
type Client struct {
	conn         grpc.ClientConnInterface
	closer       func() error
	token        string
	reconnectMin time.Duration
	reconnectMax time.Duration
	openTimeout  time.Duration
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnectBackoff sets the reconnect delay bounds.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		if minDelay > 0 {
			c.reconnectMin = minDelay
		}
		if maxDelay >= c.reconnectMin {
			c.reconnectMax = maxDelay
		}
	}
}

// WithOpenTimeout bounds how long opening a stream may wait for the server.
func WithOpenTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.openTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient wraps an existing connection. The caller owns conn.
func NewClient(conn grpc.ClientConnInterface, token string, opts ...ClientOption) *Client {
	c := &Client{
		conn:         conn,
		closer:       func() error { return nil },
		token:        token,
		reconnectMin: defaultReconnectMin,
		reconnectMax: defaultReconnectMax,
		openTimeout:  defaultOpenTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "live_client")
	return c
}

// Dial connects to a LiveUpdates server at addr.
func Dial(addr, token string, opts ...ClientOption) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c := NewClient(conn, token, opts...)
	c.closer = conn.Close
	return c, nil
}

// Close releases the connection if the client dialed it.
func (c *Client) Close() error {
	return c.closer()
}

// subscription is one remote watch and its reconnect loop.
type subscription struct {
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}
}

func (s *subscription) ConversationID() string { return s.conversationID }

// Unsubscribe tears down the stream and waits for the loop to exit.
func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

// Subscribe opens a watch on conversationID. It returns once the server has
// confirmed the subscription, or with an error the server reported as
// permanent (unknown conversation, not a participant, bad token). A
// transient failure on the first attempt still returns a handle that keeps
// reconnecting in the background.
func (c *Client) Subscribe(ctx context.Context, conversationID string, onChange func(conversationID string)) (conversation.Handle, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		conversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	stream, streamCancel, err := c.open(subCtx, conversationID)
	if err != nil {
		if mapped, permanent := classify(err); permanent {
			cancel()
			return nil, mapped
		}
		c.logger.Warn("live stream unavailable, will retry",
			"conversation_id", conversationID,
			"error", err)
	}

	go c.run(subCtx, sub, stream, streamCancel, onChange)
	return sub, nil
}

// open starts a Watch stream and waits for the ready header.
func (c *Client) open(ctx context.Context, conversationID string) (grpc.ClientStream, context.CancelFunc, error) {
	streamCtx, streamCancel := context.WithCancel(ctx)
	if c.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.token)
	}

	timer := time.AfterFunc(c.openTimeout, streamCancel)
	defer timer.Stop()

	stream, err := c.conn.NewStream(streamCtx, watchStreamDesc, WatchMethod)
	if err != nil {
		streamCancel()
		return nil, nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(conversationID)); err != nil {
		streamCancel()
		return nil, nil, recvErr(stream, err)
	}
	if err := stream.CloseSend(); err != nil {
		streamCancel()
		return nil, nil, err
	}

	md, err := stream.Header()
	if err != nil {
		streamCancel()
		return nil, nil, err
	}
	if len(md.Get(ReadyHeader)) == 0 {
		// Terminated without headers; the status is on the stream
		streamCancel()
		return nil, nil, recvErr(stream, errors.New("watch stream closed before ready"))
	}
	return stream, streamCancel, nil
}

// recvErr surfaces the stream's final status, falling back to err.
func recvErr(stream grpc.ClientStream, err error) error {
	if rerr := stream.RecvMsg(new(wrapperspb.StringValue)); rerr != nil {
		return rerr
	}
	return err
}

func (c *Client) run(ctx context.Context, sub *subscription, stream grpc.ClientStream, streamCancel context.CancelFunc, onChange func(string)) {
	defer close(sub.done)

	delay := c.reconnectMin
	for {
		if stream != nil {
			err := c.pump(ctx, stream, onChange)
			streamCancel()
			stream, streamCancel = nil, nil
			if ctx.Err() != nil {
				return
			}
			if mapped, permanent := classify(err); permanent {
				c.logger.Warn("live stream closed permanently",
					"conversation_id", sub.conversationID,
					"error", mapped)
				return
			}
			c.logger.Info("live stream dropped",
				"conversation_id", sub.conversationID,
				"error", fmt.Errorf("%w: %v", conversation.ErrTransportDropped, err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		var err error
		stream, streamCancel, err = c.open(ctx, sub.conversationID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if mapped, permanent := classify(err); permanent {
				c.logger.Warn("live stream rejected on reconnect",
					"conversation_id", sub.conversationID,
					"error", mapped)
				return
			}
			delay = min(delay*2, c.reconnectMax)
			continue
		}

		c.logger.Info("live stream reconnected", "conversation_id", sub.conversationID)
		delay = c.reconnectMin

		// Cover anything appended while disconnected
		if ctx.Err() != nil {
			streamCancel()
			return
		}
		onChange(sub.conversationID)
	}
}

// pump delivers signals until the stream ends.
func (c *Client) pump(ctx context.Context, stream grpc.ClientStream, onChange func(string)) error {
	for {
		msg := new(wrapperspb.StringValue)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onChange(msg.GetValue())
	}
}

// classify maps a stream error onto the error taxonomy. Permanent errors
// mean reconnecting cannot help.
func classify(err error) (error, bool) {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, status.Convert(err).Message()), true
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", conversation.ErrNotAParticipant, status.Convert(err).Message()), true
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ErrUnauthenticated, status.Convert(err).Message()), true
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", conversation.ErrInvalidParticipants, status.Convert(err).Message()), true
	default:
		return fmt.Errorf("%w: %v", conversation.ErrTransportDropped, err), false
	}
}
