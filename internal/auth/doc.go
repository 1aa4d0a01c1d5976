// Package auth provides authentication and the Identity Provider for coven-chat.
//
// # Identities
//
// Every user is a profile in the store. The profile ID is the identity used
// as a conversation participant and as a message sender. IdentityProvider
// answers whether an ID is known (used by the conversation directory) and
// checks bcrypt password hashes when issuing tokens:
//
//	idp := auth.NewIdentityProvider(store)
//	profile, err := idp.Authenticate(ctx, "alice", "hunter2")
//
// # JWT Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured
// jwt_secret (at least 32 bytes). The "sub" claim carries the profile ID:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate(profile.ID, 24*time.Hour)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads "Authorization: Bearer <jwt>", verifies it,
// loads the profile and stores an AuthContext on the request context.
//
// # gRPC Interceptors
//
// UnaryInterceptor and StreamInterceptor do the same for gRPC, reading the
// token from the "authorization" metadata key. Handlers read the caller with:
//
//	authCtx := auth.MustFromContext(ctx)
package auth
