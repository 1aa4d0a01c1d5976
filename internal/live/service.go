// ABOUTME: LiveUpdates gRPC service: streams message_inserted signals for one conversation
// ABOUTME: Service descriptor is declared by hand; messages are wrapperspb.StringValue conversation ids

package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "coven.chat.v1.LiveUpdates"

	// WatchMethod is the full method path of the Watch stream
	WatchMethod = "/" + ServiceName + "/Watch"

	// ReadyHeader is sent once the server-side subscription is in place.
	// Signals published after the client sees it are guaranteed to be delivered.
	ReadyHeader = "x-watch-ready"
)

// WatchServer is the server API for the LiveUpdates service.
type WatchServer interface {
	// Watch streams one StringValue (the conversation id) per change signal.
	Watch(req *wrapperspb.StringValue, stream grpc.ServerStream) error
}

// ServiceDesc describes the LiveUpdates service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WatchServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "coven/chat/v1/live.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(WatchServer).Watch(req, stream)
}

// Subscriber is the in-process live channel the service forwards from
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, onChange func(conversationID string)) (conversation.Handle, error)
}

// ConversationGetter looks up a conversation for the participation check
type ConversationGetter interface {
	Get(ctx context.Context, id string) (*store.Conversation, error)
}

// Service implements WatchServer over a Subscriber.
type Service struct {
	live          Subscriber
	conversations ConversationGetter
	logger        *slog.Logger

	stopping chan struct{}
	stopOnce sync.Once
}

// NewService creates the LiveUpdates service.
func NewService(live Subscriber, conversations ConversationGetter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		live:          live,
		conversations: conversations,
		logger:        logger.With("component", "live"),
		stopping:      make(chan struct{}),
	}
}

// Stop ends every open Watch with codes.Unavailable so clients reconnect
// elsewhere, and lets grpc.Server.GracefulStop complete.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Register adds the service to a gRPC server.
func (s *Service) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&ServiceDesc, s)
}

// Watch subscribes the caller to a conversation they participate in and
// forwards each signal until the client goes away.
func (s *Service) Watch(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	ctx := stream.Context()
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return status.Error(codes.Unauthenticated, "not authenticated")
	}

	conversationID := req.GetValue()
	if conversationID == "" {
		return status.Error(codes.InvalidArgument, "conversation id required")
	}

	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return toStatus(err)
	}
	if !conv.HasParticipant(authCtx.UserID) {
		return status.Error(codes.PermissionDenied, "not a participant")
	}

	signals := make(chan struct{}, 1)
	h, err := s.live.Subscribe(ctx, conversationID, func(string) {
		select {
		case signals <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}
	defer h.Unsubscribe()

	if err := stream.SendHeader(metadata.Pairs(ReadyHeader, "1")); err != nil {
		return err
	}

	s.logger.Debug("watch started", "conversation_id", conversationID, "user_id", authCtx.UserID)
	defer s.logger.Debug("watch ended", "conversation_id", conversationID, "user_id", authCtx.UserID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopping:
			return status.Error(codes.Unavailable, "server shutting down")
		case <-signals:
			if err := stream.SendMsg(wrapperspb.String(conversationID)); err != nil {
				return err
			}
		}
	}
}

// toStatus maps the conversation error taxonomy onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, conversation.ErrNotAParticipant):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, conversation.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
