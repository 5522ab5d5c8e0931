package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"agripulse.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = map[string]bool{
	"/v1/auth/token": true,
	"/metrics":       true,
	"/healthz":       true,
	"/readyz":        true,
	"/v1/info":       true,
}

// withAuth validates bearer tokens and attaches the principal. The event
// stream also accepts ?access_token= because EventSource cannot set headers.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get(authHeader)
		if header == "" && r.URL.Path == "/v1/events" {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				header = bearer + tok
			}
		}
		token, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), auth.PrincipalFromClaims(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require writes 401/403 and returns false unless the caller holds perm.
func require(w http.ResponseWriter, r *http.Request, perm string) bool {
	switch err := auth.Require(r.Context(), perm); {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	default:
		writeError(w, r, http.StatusForbidden, "forbidden")
	}
	return false
}

// callerAccount returns the ledger account carried by the token.
func callerAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	acct, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "token carries no ledger account")
		return "", false
	}
	return acct, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
