package router

import (
	"net/http"
	"strings"

	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/tenancy"
)

const clinicKeyHeader = "X-Clinic-Key"

// ClinicKeys resolves a clinic API key. *scheduling.Directory implements it.
type ClinicKeys interface {
	ClinicForAPIKey(key string) (string, bool)
}

// requireClinicKey resolves X-Clinic-Key to a clinic and rejects requests
// whose clinic_id query parameter names a different one. A nil resolver
// disables the check.
func requireClinicKey(keys ClinicKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keys == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clinicID, ok := keys.ClinicForAPIKey(strings.TrimSpace(r.Header.Get(clinicKeyHeader)))
			if !ok {
				httpjson.Write(w, http.StatusUnauthorized, httpjson.ErrorBody{Error: "invalid clinic API key", Kind: "unauthorized"})
				return
			}
			if q := strings.TrimSpace(r.URL.Query().Get("clinic_id")); q != "" && q != clinicID {
				httpjson.Forbidden(w, "clinic key does not match clinic_id")
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithClinicID(r.Context(), clinicID)))
		})
	}
}

// clinicIDFromRequest returns the clinic resolved by requireClinicKey.
func clinicIDFromRequest(r *http.Request) (string, bool) {
	return tenancy.ClinicIDFromContext(r.Context())
}
