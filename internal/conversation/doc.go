// Package conversation provides the server-side messaging core.
//
// # Overview
//
// The conversation package sits between the HTTP/gRPC handlers and the
// store, providing the three server-side components of the messaging
// subsystem:
//
//   - Directory: resolves the one conversation for a participant pair
//   - Messages: appends and lists messages, records read receipts
//   - Broadcaster: per-conversation change signals for live sessions
//
// # Directory
//
//	dir := conversation.NewDirectory(store, identities, logger)
//	conv, err := dir.Resolve(ctx, "alice", "bob")
//
// The pair is sorted into canonical order before lookup, so Resolve(A, B)
// and Resolve(B, A) return the same conversation. First contact is guarded
// twice: a per-pair lock serializes resolves inside one process, and the
// store's UNIQUE (participant_a, participant_b) index rejects a second
// insert from another process. On that rejection the directory re-reads the
// row the winner inserted.
//
// # Messages
//
//	msgs := conversation.NewMessages(store, broadcaster, logger)
//	msg, err := msgs.Append(ctx, conv.ID, "alice", "hi")
//
// Append checks membership and content, then writes the message and the
// conversation's updated_at in one transaction. After commit it publishes a
// signal for the conversation. List returns messages in (created_at, id)
// order. MarkRead sets read_at once, and only for the recipient.
//
// # Broadcaster
//
// Signals carry only the conversation id. Subscribers re-read state through
// Messages.List on each signal, so lost, duplicated or coalesced signals
// never corrupt what a session displays:
//
//	h, err := b.Subscribe(ctx, conv.ID, func(id string) { refresh(id) })
//	defer h.Unsubscribe()
//
// Unsubscribe returns only after the delivery goroutine has stopped.
//
// # Errors
//
// Every failure is one of the sentinel errors in errors.go, matched with
// errors.Is. Backend failures are classified by StoreError into ErrTimeout
// or ErrStoreUnavailable.
package conversation
