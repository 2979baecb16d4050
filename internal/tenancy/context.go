// Package tenancy carries the clinic a request was authenticated for.
package tenancy

import (
	"context"
	"strings"
)

type ctxKey string

const clinicKey ctxKey = "pearlflow.clinic_id"

// WithClinicID stores the authenticated clinic id in context.
func WithClinicID(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, clinicKey, clinicID)
}

// ClinicIDFromContext extracts the clinic id if present.
func ClinicIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(clinicKey)
	if val == nil {
		return "", false
	}
	clinicID, ok := val.(string)
	return clinicID, ok && clinicID != ""
}

// Scope resolves the clinic a request acts on. Without a clinic in ctx the
// requested id is used as is. A scoped request defaults to its own clinic
// and may not name another; ok is false when it does.
func Scope(ctx context.Context, requested string) (clinicID string, ok bool) {
	requested = strings.TrimSpace(requested)
	scoped, has := ClinicIDFromContext(ctx)
	if !has {
		return requested, true
	}
	if requested == "" || requested == scoped {
		return scoped, true
	}
	return "", false
}

// Allows reports whether ctx may act on a record owned by clinicID.
func Allows(ctx context.Context, clinicID string) bool {
	scoped, has := ClinicIDFromContext(ctx)
	return !has || scoped == clinicID
}
