// Package live carries conversation change signals across the network.
//
// The server side, Service, exposes a single server-streaming gRPC method,
// coven.chat.v1.LiveUpdates/Watch. The request and every streamed message
// is a wrapperspb.StringValue holding the conversation id. The caller must
// pass the auth stream interceptor and be a participant in the
// conversation. Once the in-process subscription exists the server sends
// the x-watch-ready header, so a client that has seen it cannot miss a
// later signal.
//
// The client side, Client, satisfies the same Subscribe contract as
// conversation.Broadcaster:
//
//	c, err := live.Dial("chat.example:50051", token)
//	h, err := c.Subscribe(ctx, convID, func(id string) { refresh(id) })
//	defer h.Unsubscribe()
//
// When the stream drops the client reconnects with exponential backoff and
// fires one onChange per successful reconnect, which makes the subscriber
// re-read anything appended while it was disconnected. Rejections that a
// reconnect cannot fix end the subscription instead.
package live
