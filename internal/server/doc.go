// Package server runs the coven-chat backend.
//
// A Server owns the store, the conversation directory, the message store,
// the in-process broadcaster and two listeners:
//
//   - HTTP: health checks, token issue and the JSON API over conversations,
//     messages, read receipts and Record Store collections
//   - gRPC: the LiveUpdates Watch stream from package live
//
// Listeners are plain TCP from server.grpc_addr and server.http_addr, or
// tsnet listeners on a tailnet node when tailscale.enabled is set.
//
//	srv, err := server.New(cfg, logger)
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx)
//
// Run blocks until ctx is canceled and then shuts down. Open Watch streams
// are ended with codes.Unavailable so live clients reconnect.
//
// All /api routes except /api/token require a bearer token. Errors from the
// conversation package map onto HTTP status codes through StatusFor.
package server
