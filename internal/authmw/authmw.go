// Package authmw provides HTTP middleware for bearer token authentication.
// Each token maps to a principal (user ID and role) that handlers read from
// the request context to attribute audit entries.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

// Principal is the caller a token authenticates as.
type Principal struct {
	UserID string
	Role   triage.Role
}

type ctxKey struct{}

// FromContext returns the principal set by Bearer.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

type entry struct {
	token []byte
	p     Principal
}

// ParseTokens parses a comma-separated list of token:user_id:role triples.
func ParseTokens(list string) (map[string]Principal, error) {
	out := make(map[string]Principal)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("token entry %q: want token:user_id:role", redact(item))
		}
		role := triage.Role(parts[2])
		switch role {
		case triage.RoleAdmin, triage.RoleAgent, triage.RoleCustomer:
		default:
			return nil, fmt.Errorf("token entry for %s: unknown role %q", parts[1], parts[2])
		}
		if _, dup := out[parts[0]]; dup {
			return nil, fmt.Errorf("token entry for %s: duplicate token", parts[1])
		}
		out[parts[0]] = Principal{UserID: parts[1], Role: role}
	}
	return out, nil
}

func redact(item string) string {
	if i := strings.IndexByte(item, ':'); i >= 0 {
		return "***" + item[i:]
	}
	return "***"
}

// Bearer returns middleware that validates the Authorization header against
// tokens and stores the matching principal in the request context. Every
// configured token is compared in constant time.
func Bearer(tokens map[string]Principal) func(http.Handler) http.Handler {
	entries := make([]entry, 0, len(tokens))
	for tok, p := range tokens {
		if tok == "" {
			continue
		}
		entries = append(entries, entry{token: []byte(tok), p: p})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			var (
				match Principal
				found int
			)
			for _, e := range entries {
				eq := subtle.ConstantTimeCompare(got, e.token)
				if eq == 1 {
					match = e.p
				}
				found |= eq
			}
			if found != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), match)))
		})
	}
}

// RequireRole rejects requests whose principal is not one of roles.
func RequireRole(roles ...triage.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok || !slices.Contains(roles, p.Role) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
