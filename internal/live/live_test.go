// ABOUTME: Tests for the LiveUpdates gRPC service and its reconnecting client
// ABOUTME: Runs over bufconn with the real auth interceptor and an in-process broadcaster

package live

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

var liveTestSecret = []byte("live-updates-test-secret-32bytes")

type testEnv struct {
	broadcaster *conversation.Broadcaster
	conv        *store.Conversation
	verifier    *auth.JWTVerifier
	conn        *grpc.ClientConn
}

// startServer serves register on a bufconn listener and returns a client conn
func startServer(t *testing.T, profiles auth.ProfileLookup, verifier auth.TokenVerifier, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.StreamInterceptor(auth.StreamInterceptor(profiles, verifier, nil)))
	register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s := store.NewMockStore()
	for _, id := range []string{"u-alice", "u-bob", "u-mallory"} {
		require.NoError(t, s.CreateProfile(ctx, &store.Profile{ID: id, Username: id}))
	}

	verifier, err := auth.NewJWTVerifier(liveTestSecret)
	require.NoError(t, err)

	dir := conversation.NewDirectory(s, nil, nil)
	conv, err := dir.Resolve(ctx, "u-alice", "u-bob")
	require.NoError(t, err)

	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	conn := startServer(t, s, verifier, func(gs *grpc.Server) {
		NewService(b, dir, nil).Register(gs)
	})

	return &testEnv{broadcaster: b, conv: conv, verifier: verifier, conn: conn}
}

func (e *testEnv) client(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return NewClient(e.conn, token, WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))
}

func recorder() (func(string), <-chan string) {
	ch := make(chan string, 64)
	return func(id string) { ch <- id }, ch
}

func waitSignal(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return ""
	}
}

func TestWatch_DeliversSignalsAfterReady(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "u-alice")

	onChange, ch := recorder()
	h, err := c.Subscribe(t.Context(), env.conv.ID, onChange)
	require.NoError(t, err)
	defer h.Unsubscribe()
	assert.Equal(t, env.conv.ID, h.ConversationID())

	// Subscribe returned after the server subscribed, so this publish is not lost
	env.broadcaster.Publish(env.conv.ID)
	assert.Equal(t, env.conv.ID, waitSignal(t, ch))
}

func TestWatch_UnsubscribeStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "u-bob")

	onChange, ch := recorder()
	h, err := c.Subscribe(t.Context(), env.conv.ID, onChange)
	require.NoError(t, err)
	require.Equal(t, 1, env.broadcaster.SubscriberCount(env.conv.ID))

	h.Unsubscribe()

	env.broadcaster.Publish(env.conv.ID)
	select {
	case <-ch:
		t.Fatal("signal delivered after Unsubscribe returned")
	case <-time.After(100 * time.Millisecond):
	}

	// The server side tears down once the stream is cancelled
	require.Eventually(t, func() bool {
		return env.broadcaster.SubscriberCount(env.conv.ID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_PermanentErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		client   *Client
		convID   string
		expected error
	}{
		{"not a participant", env.client(t, "u-mallory"), env.conv.ID, conversation.ErrNotAParticipant},
		{"unknown conversation", env.client(t, "u-alice"), "missing", conversation.ErrConversationNotFound},
		{"bad token", NewClient(env.conn, "garbage"), env.conv.ID, ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := tt.client.Subscribe(t.Context(), tt.convID, func(string) {})
			assert.ErrorIs(t, err, tt.expected)
			assert.Nil(t, h)
		})
	}
}

// flakyWatch drops the first stream after it is ready and holds later ones open
type flakyWatch struct {
	calls atomic.Int32
}

func (f *flakyWatch) Watch(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	n := f.calls.Add(1)
	if err := stream.SendHeader(metadata.Pairs(ReadyHeader, "1")); err != nil {
		return err
	}
	if n == 1 {
		return status.Error(codes.Unavailable, "server going away")
	}
	<-stream.Context().Done()
	return nil
}

func TestWatch_ReconnectFiresSyntheticSignal(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.CreateProfile(context.Background(), &store.Profile{ID: "u-alice", Username: "alice"}))
	verifier, err := auth.NewJWTVerifier(liveTestSecret)
	require.NoError(t, err)

	flaky := &flakyWatch{}
	conn := startServer(t, s, verifier, func(gs *grpc.Server) {
		gs.RegisterService(&ServiceDesc, flaky)
	})

	token, _ := verifier.Generate("u-alice", time.Hour)
	c := NewClient(conn, token, WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))

	onChange, ch := recorder()
	h, err := c.Subscribe(t.Context(), "conv-1", onChange)
	require.NoError(t, err)
	defer h.Unsubscribe()

	// No real message was published; the signal comes from the reconnect
	assert.Equal(t, "conv-1", waitSignal(t, ch))
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestWatch_TransientFirstAttemptKeepsRetrying(t *testing.T) {
	s := store.NewMockStore()
	require.NoError(t, s.CreateProfile(context.Background(), &store.Profile{ID: "u-alice", Username: "alice"}))
	verifier, err := auth.NewJWTVerifier(liveTestSecret)
	require.NoError(t, err)

	var calls atomic.Int32
	conn := startServer(t, s, verifier, func(gs *grpc.Server) {
		gs.RegisterService(&ServiceDesc, watchFunc(func(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
			if calls.Add(1) == 1 {
				return status.Error(codes.Unavailable, "warming up")
			}
			if err := stream.SendHeader(metadata.Pairs(ReadyHeader, "1")); err != nil {
				return err
			}
			<-stream.Context().Done()
			return nil
		}))
	})

	token, _ := verifier.Generate("u-alice", time.Hour)
	c := NewClient(conn, token, WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond))

	onChange, ch := recorder()
	h, err := c.Subscribe(t.Context(), "conv-1", onChange)
	require.NoError(t, err, "transient failures return a retrying handle")
	defer h.Unsubscribe()

	assert.Equal(t, "conv-1", waitSignal(t, ch))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

// watchFunc adapts a function to WatchServer
type watchFunc func(req *wrapperspb.StringValue, stream grpc.ServerStream) error

func (f watchFunc) Watch(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	return f(req, stream)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code      codes.Code
		expected  error
		permanent bool
	}{
		{codes.NotFound, conversation.ErrConversationNotFound, true},
		{codes.PermissionDenied, conversation.ErrNotAParticipant, true},
		{codes.Unauthenticated, ErrUnauthenticated, true},
		{codes.Unavailable, conversation.ErrTransportDropped, false},
		{codes.Internal, conversation.ErrTransportDropped, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err, permanent := classify(status.Error(tt.code, "x"))
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, tt.permanent, permanent)
		})
	}
}
