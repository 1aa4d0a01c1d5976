// Package client is the HTTP client for a coven-chat server.
//
// A Client satisfies the Directory and Messages ports of the session
// controller, so a terminal or bridge can drive a chat session against a
// remote server exactly as it would against local stores:
//
//	api := client.New("http://localhost:8080", token)
//	watcher, _ := live.Dial("localhost:50051", token)
//	ctrl := session.New(userID, api, api, watcher)
//
// Error responses carry a stable code that Client maps back onto the
// conversation error taxonomy, so errors.Is(err, conversation.ErrNotAParticipant)
// works the same on both sides of the wire. Transport failures surface as
// conversation.ErrStoreUnavailable, or conversation.ErrTimeout when the
// context deadline passed.
//
// Append tags every send with a fresh Idempotency-Key and retries transport
// failures and 503 responses with the same key, so a message is stored at
// most once even when a response is lost.
package client
