// Package storage defines the durable record types and store contracts for
// the certificate authority core. Every record and every lookup is scoped by
// tenant ID; backends must never let one tenant observe another tenant's
// records, even when serial numbers collide numerically.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced record does not exist for
	// the given tenant.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateSerial is returned when inserting a record whose serial
	// number already exists for the tenant. Serial numbers are never reused.
	ErrDuplicateSerial = errors.New("serial number already exists")
)

// CSRStatus is the lifecycle state of a certificate signing request.
// Transitions are monotonic: once Signed or Rejected a CSR never changes
// status again.
type CSRStatus string

const (
	CSRPending  CSRStatus = "PENDING"
	CSRSigned   CSRStatus = "SIGNED"
	CSRRejected CSRStatus = "REJECTED"
)

// CertStatus is the revocation state of an issued certificate.
type CertStatus string

const (
	CertActive  CertStatus = "ACTIVE"
	CertRevoked CertStatus = "REVOKED"
)

// CSR is a stored certificate signing request. RawRequest holds the
// PEM-encoded PKCS#10 bytes as submitted.
type CSR struct {
	SerialNumber    string    `json:"serial_number"`
	TenantID        int       `json:"tenant_id"`
	RawRequest      []byte    `json:"raw_request"`
	Username        string    `json:"username"`
	UserStoreDomain string    `json:"user_store_domain"`
	CommonName      string    `json:"common_name"`
	Organization    string    `json:"organization"`
	Status          CSRStatus `json:"status"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Certificate is a stored issued certificate. DER holds the signed
// certificate bytes. The serial number equals the originating CSR's serial.
type Certificate struct {
	SerialNumber    string     `json:"serial_number"`
	TenantID        int        `json:"tenant_id"`
	DER             []byte     `json:"der"`
	Username        string     `json:"username"`
	UserStoreDomain string     `json:"user_store_domain"`
	Status          CertStatus `json:"status"`
	NotBefore       time.Time  `json:"not_before"`
	NotAfter        time.Time  `json:"not_after"`
}

// Revocation records the last known revocation reason for a serial number.
// There is at most one record per serial; subsequent revocations overwrite
// the reason in place.
type Revocation struct {
	SerialNumber string    `json:"serial_number"`
	TenantID     int       `json:"tenant_id"`
	Reason       int       `json:"reason"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// CRLKind distinguishes the per-tenant full CRL from the incremental delta.
type CRLKind string

const (
	CRLFull  CRLKind = "full"
	CRLDelta CRLKind = "delta"
)

// CRL is a stored CRL artifact for a tenant.
type CRL struct {
	TenantID   int       `json:"tenant_id"`
	Kind       CRLKind   `json:"kind"`
	DER        []byte    `json:"der"`
	Number     int64     `json:"number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
}

// CSRStore persists certificate signing requests keyed by
// (serial number, tenant).
type CSRStore interface {
	PutCSR(csr *CSR) error
	GetCSR(tenantID int, serial string) (*CSR, error)
	UpdateCSRStatus(tenantID int, serial string, status CSRStatus) error
	ListCSRs(tenantID int) ([]*CSR, error)
	DeleteCSR(tenantID int, serial string) error
}

// CertificateStore persists issued certificates keyed by
// (serial number, tenant).
type CertificateStore interface {
	PutCertificate(cert *Certificate) error
	GetCertificate(tenantID int, serial string) (*Certificate, error)
	UpdateCertificateStatus(tenantID int, serial string, status CertStatus) error
	ListCertificates(tenantID int) ([]*Certificate, error)
}

// RevocationStore persists revocation records keyed by
// (serial number, tenant).
type RevocationStore interface {
	PutRevocation(rev *Revocation) error
	GetRevocation(tenantID int, serial string) (*Revocation, error)
	UpdateRevocationReason(tenantID int, serial string, reason int) error
	ListRevocations(tenantID int) ([]*Revocation, error)
}

// CRLStore persists generated CRL artifacts and allocates monotonic CRL
// numbers per tenant.
type CRLStore interface {
	PutCRL(crl *CRL) error
	GetCRL(tenantID int, kind CRLKind) (*CRL, error)
	NextCRLNumber(tenantID int) (int64, error)
}

// Store is the full set of store contracts implemented by each backend.
type Store interface {
	CSRStore
	CertificateStore
	RevocationStore
	CRLStore
}
