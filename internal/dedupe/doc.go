// Package dedupe provides idempotency-key tracking using a time-based cache,
// so a client that retries a send within the window gets the original result
// instead of a second message.
package dedupe
