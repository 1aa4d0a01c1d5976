// ABOUTME: Error taxonomy for the messaging subsystem
// ABOUTME: Sentinels are matched with errors.Is at the HTTP, gRPC and session boundaries

package conversation

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidParticipants: the pair is degenerate or an identity is unknown
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrNotAParticipant: the sender is not one of the conversation's participants
	ErrNotAParticipant = errors.New("not a participant")

	// ErrEmptyContent: the message content is blank after trimming
	ErrEmptyContent = errors.New("empty content")

	// ErrConversationNotFound: no conversation exists with the given id
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound: no message exists with the given id
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotRecipient: the reader is the sender or not in the conversation
	ErrNotRecipient = errors.New("not the recipient")

	// ErrTransportDropped: the live update transport disconnected (recoverable)
	ErrTransportDropped = errors.New("transport dropped")

	// ErrTimeout: an operation exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrStoreUnavailable: the backing store failed
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreError classifies a backend failure. Deadline overruns become ErrTimeout,
// everything else becomes ErrStoreUnavailable. Errors already in the taxonomy
// pass through unchanged.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
