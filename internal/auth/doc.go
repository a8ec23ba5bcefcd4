// Package auth provides token authentication for archon-mcp.
//
// # Authentication Method
//
// Clients authenticate with JWT tokens signed with HS256 using the configured
// jwt_secret. The token's "sub" claim identifies the principal.
//
// # Token Management
//
// Tokens are generated and verified through the JWTVerifier:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(principalID, time.Hour)
//	principalID, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// Middleware verifies a request's bearer token and attaches the principal to
// the request context when verification succeeds; anonymous requests pass
// through. Handlers retrieve the identity with FromContext and decide whether
// to require it.
package auth
