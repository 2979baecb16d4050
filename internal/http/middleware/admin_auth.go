package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/pearlflow/internal/http/httpjson"
)

type contextKey string

const adminClaimsKey contextKey = "adminClaims"

// Roles accepted on admin routes.
const (
	RoleAdmin       = "admin"
	RoleClinicStaff = "clinic_staff"
)

// AdminClaims are the claims of an operator token. A token with a ClinicID
// is scoped to that clinic; an admin token without one sees every clinic.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	ClinicID string `json:"clinic_id,omitempty"`
}

// CanAccess reports whether the claims cover clinicID.
func (c AdminClaims) CanAccess(clinicID string) bool {
	if c.ClinicID == "" {
		return c.Role == RoleAdmin
	}
	return c.ClinicID == clinicID
}

// AdminJWT enforces an HMAC-signed JWT with an operator role.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				unauthorized(w, "admin auth disabled")
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing authorization header")
				return
			}
			claims := AdminClaims{}
			token, err := parser.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			if claims.Role != RoleAdmin && claims.Role != RoleClinicStaff {
				httpjson.Write(w, http.StatusForbidden, httpjson.ErrorBody{Error: "insufficient role", Kind: "forbidden"})
				return
			}
			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClaimsFromContext returns admin JWT claims if present.
func AdminClaimsFromContext(ctx context.Context) (AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(AdminClaims)
	return claims, ok
}

// ContextWithAdminClaims is used by tests and internal callers that have
// already authenticated the operator.
func ContextWithAdminClaims(ctx context.Context, c AdminClaims) context.Context {
	return context.WithValue(ctx, adminClaimsKey, c)
}

func unauthorized(w http.ResponseWriter, msg string) {
	httpjson.Write(w, http.StatusUnauthorized, httpjson.ErrorBody{Error: msg, Kind: "unauthorized"})
}

// AdminAccess reports whether the operator on ctx may act on clinicID. An
// empty clinicID asks for access to every clinic.
func AdminAccess(ctx context.Context, clinicID string) bool {
	c, ok := AdminClaimsFromContext(ctx)
	return ok && c.CanAccess(clinicID)
}
