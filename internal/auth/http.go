// ABOUTME: HTTP middleware that attaches verified JWT principals to request context
// ABOUTME: Anonymous requests continue; handlers that need auth check FromContext

package auth

import (
	"net/http"
	"strings"
)

// bearerToken pulls the token out of an Authorization header, returning ""
// when the header is absent or not a bearer credential.
func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}

// Middleware verifies a request's bearer token and, on success, attaches the
// principal to the request context for handlers to read via FromContext.
// Requests without a usable token pass through anonymously; whether auth is
// required is the handler's decision, since the transport endpoint must still
// answer unauthenticated callers with a structured protocol error rather than
// a bare 401.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{
				PrincipalID: principalID,
			})))
		})
	}
}
