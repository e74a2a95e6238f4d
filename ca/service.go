package ca

import (
	"crypto/x509"
	"log/slog"
	"os"

	"github.com/oakpki/oakpki/keystore"
	"github.com/oakpki/oakpki/storage"
)

// CRLBuilder is the contract for the external CRL encoder. Implementations
// read all current revocation records for the tenant and produce and
// persist a CRL artifact; the core only decides when regeneration happens.
type CRLBuilder interface {
	RegenerateDelta(tenantID int) error
	RegenerateFull(tenantID int) error
}

// Service is the issuance and revocation engine. All operations are safe
// for concurrent use; conflicting operations on the same (tenant, serial)
// pair are serialized internally.
type Service struct {
	csrs        storage.CSRStore
	certs       storage.CertificateStore
	revocations storage.RevocationStore
	keys        keystore.Provider
	crl         CRLBuilder

	serverBaseURL string
	sigAlg        x509.SignatureAlgorithm
	logger        *slog.Logger
	locks         *serialLocks
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the structured logger for operation events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSignatureAlgorithm overrides the algorithm certificates are signed
// with. The default is SHA256WithRSA; the SHA-1 scheme some legacy relying
// parties expect can be selected here, but should not be.
func WithSignatureAlgorithm(alg x509.SignatureAlgorithm) Option {
	return func(s *Service) {
		s.sigAlg = alg
	}
}

// New creates a Service over the given stores, key provider, and CRL
// builder. serverBaseURL is the externally reachable base URL embedded in
// issued certificates' CRL and OCSP pointers.
func New(store storage.Store, keys keystore.Provider, crl CRLBuilder, serverBaseURL string, opts ...Option) *Service {
	s := &Service{
		csrs:          store,
		certs:         store,
		revocations:   store,
		keys:          keys,
		crl:           crl,
		serverBaseURL: serverBaseURL,
		sigAlg:        x509.SHA256WithRSA,
		locks:         newSerialLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}
