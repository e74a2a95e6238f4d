// Package api exposes the certificate authority over REST. Handlers are
// thin: they decode the request, resolve the caller's tenant identity,
// and delegate to the ca service. CRL and OCSP distribution endpoints
// are unauthenticated because relying parties fetch them anonymously.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/oakpki/oakpki/ca"
	"github.com/oakpki/oakpki/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc   *ca.Service
	crls  storage.CRLStore
	audit *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance.
func New(svc *ca.Service, crls storage.CRLStore, opts ...Option) *API {
	a := &API{
		svc:  svc,
		crls: crls,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Public distribution points. These serve the stored artifacts and
	// match the URLs embedded in issued certificates.
	r.Get("/ca/crl/{tenantID}", a.GetCRL)
	r.Post("/ca/ocsp/{tenantID}", a.OCSP)

	// Everything else is scoped to the caller's tenant.
	r.Group(func(r chi.Router) {
		r.Use(a.IdentityMiddleware)

		r.Post("/csrs", a.SubmitCSR)
		r.Get("/csrs", a.ListCSRs)
		r.Get("/csrs/{serial}", a.GetCSR)
		r.Delete("/csrs/{serial}", a.DeleteCSR)
		r.Post("/csrs/{serial}/sign", a.SignCSR)
		r.Post("/csrs/{serial}/reject", a.RejectCSR)

		r.Get("/certificates", a.ListCertificates)
		r.Get("/certificates/{serial}", a.GetCertificate)
		r.Post("/certificates/{serial}/revoke", a.RevokeCertificate)
		r.Get("/certificates/{serial}/revocation", a.GetRevocationReason)

		r.Post("/keystore/rotate", a.RotateSigningKey)
		r.Get("/keystore/aliases", a.ListKeyAliases)
	})

	return r
}
