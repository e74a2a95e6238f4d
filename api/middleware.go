package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/oakpki/oakpki/ca"
)

type contextKey int

const identityKey contextKey = iota

// Tenant identity travels in headers, set by the gateway that fronts
// this service. DefaultUserStoreDomain applies when the caller omits
// the domain header.
const (
	headerTenantID        = "X-Tenant-ID"
	headerUsername        = "X-Username"
	headerUserStoreDomain = "X-User-Store-Domain"

	DefaultUserStoreDomain = "PRIMARY"
)

// IdentityMiddleware resolves the caller's tenant identity from request
// headers and stores it on the request context.
func (a *API) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantHeader := r.Header.Get(headerTenantID)
		if tenantHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Tenant-ID header")
			return
		}
		tenantID, err := strconv.Atoi(tenantHeader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid X-Tenant-ID header")
			return
		}

		username := r.Header.Get(headerUsername)
		if username == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Username header")
			return
		}

		domain := r.Header.Get(headerUserStoreDomain)
		if domain == "" {
			domain = DefaultUserStoreDomain
		}

		id := ca.Identity{
			TenantID:        tenantID,
			Username:        username,
			UserStoreDomain: domain,
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identityFromContext returns the identity stored by IdentityMiddleware.
// The zero Identity is never stored, so the second return distinguishes
// unauthenticated requests.
func identityFromContext(ctx context.Context) (ca.Identity, bool) {
	id, ok := ctx.Value(identityKey).(ca.Identity)
	return id, ok
}

// Request body caps. CSR submissions carry a PEM blob, everything else
// is a small JSON document.
const (
	maxSmallBodySize = 16 << 10
	maxCSRBodySize   = 64 << 10
)

// decodeJSON reads and decodes a JSON request body into T, writing an
// error response and returning ok=false on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "request body is required")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return req, false
	}
	return req, true
}
