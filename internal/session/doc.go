// Package session implements the client-side chat session controller.
//
// A Controller holds one user's chat screen: the conversation list, the
// active conversation and its messages, and the single live subscription
// that keeps them current.
//
//	c := session.New(userID, directory, messages, live)
//	defer c.Close()
//
//	conv, err := c.ResolveAndSelect(ctx, "bob")
//	_, err = c.Send(ctx, "hi")
//	for snap := range c.Updates() {
//		render(snap)
//	}
//
// States move Idle → ListLoaded → ConversationActive, pass through
// Switching on every change of conversation, and end in Closed. Switching
// unsubscribes the previous handle before subscribing the next, and every
// selection bumps a generation token. A notification or refresh result is
// applied only while its (conversation id, generation) tag still matches,
// so a late signal for a conversation the user left is dropped.
//
// The Directory, Messages and LiveChannel ports are satisfied in-process by
// the conversation package and remotely by internal/client and
// internal/live.
package session
