package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeySubject contextKey = "jwt_subject"
	contextKeyRole    contextKey = "jwt_role"
)

// Role represents an authorized persona of the service API.
type Role string

const (
	// RoleAdmin manages the operator whitelist.
	RoleAdmin Role = "admin"
	// RoleOperator triggers repayments on behalf of users.
	RoleOperator Role = "operator"
	// RoleUser configures their own policy and reads state.
	RoleUser Role = "user"
)

var allowedRoles = map[Role]struct{}{
	RoleAdmin:    {},
	RoleOperator: {},
	RoleUser:     {},
}

// Claims is the identity extracted from a verified bearer token.
type Claims struct {
	Subject string
	Role    Role
}

// Authenticator verifies HS256 bearer tokens carrying a subject and a role
// claim.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses and validates a bearer token, returning its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(a.leeway))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("token subject missing")
	}

	rawRole, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(rawRole)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, errors.New("token role missing or not permitted")
	}

	return &Claims{Subject: subject, Role: role}, nil
}

// Middleware enforces bearer authentication and attaches the claims to the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySubject, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the claims attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	subject, ok := ctx.Value(contextKeySubject).(string)
	if !ok || subject == "" {
		return nil, errors.New("missing identity in context")
	}
	role, ok := ctx.Value(contextKeyRole).(string)
	if !ok || role == "" {
		return nil, errors.New("missing role in context")
	}
	return &Claims{Subject: subject, Role: Role(role)}, nil
}

// RequireRole ensures the authenticated caller has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
