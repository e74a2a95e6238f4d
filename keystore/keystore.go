// Package keystore supplies per-tenant CA signing identities. A Provider
// resolves the private key and CA certificate a tenant currently signs
// with, and records which keystore/alias pair the tenant is configured to
// use. Implementations may be backed by software keystore files, an HSM,
// or a cloud KMS without changing calling code.
package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
)

var (
	// ErrNoSigningConfig is returned when the tenant has no keystore/alias
	// configured yet.
	ErrNoSigningConfig = errors.New("tenant has no signing key configured")

	// ErrKeyStoreNotFound is returned when the referenced keystore does not
	// exist.
	ErrKeyStoreNotFound = errors.New("keystore not found")

	// ErrAliasNotFound is returned when the keystore exists but does not
	// contain the referenced alias.
	ErrAliasNotFound = errors.New("alias not found in keystore")

	// ErrAliasExists is returned when creating an alias that already exists.
	ErrAliasExists = errors.New("alias already exists in keystore")
)

// Provider resolves tenant signing identities.
type Provider interface {
	// SigningKey returns the tenant's CA private key as a crypto.Signer.
	SigningKey(tenantID int) (crypto.Signer, error)

	// CACertificate returns the tenant's CA certificate.
	CACertificate(tenantID int) (*x509.Certificate, error)

	// SetKeyAndAlias points the tenant at a new keystore/alias pair. The
	// referenced alias must exist and hold a usable key and certificate.
	SetKeyAndAlias(tenantID int, keyStore, alias string) error

	// ListAliases returns the available "keystore/alias" pairs for the
	// tenant, the currently configured pair first when one is set.
	ListAliases(tenantID int) ([]string, error)

	// Tenants returns the IDs of all tenants with a signing configuration.
	Tenants() ([]int, error)
}
