package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/oakpki/oakpki/storage"
)

// millisPerDay converts a validity in whole days to a duration. The add is
// pure integer arithmetic, deliberately not calendar-aware.
const millisPerDay = 86400000

const csrPEMType = "CERTIFICATE REQUEST"

// serialBits sizes generated serial numbers. 128 bits of randomness makes
// per-tenant collisions practically impossible; PutCSR still rejects a
// duplicate outright since serials are never reused.
var serialBound = new(big.Int).Lsh(big.NewInt(1), 128)

func newSerial() (string, error) {
	n, err := rand.Int(rand.Reader, serialBound)
	if err != nil {
		return "", fmt.Errorf("generating serial number: %w", err)
	}
	return n.String(), nil
}

func parseCSRPEM(raw []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != csrPEMType {
		return nil, fmt.Errorf("%w: not a PEM certificate request", ErrCrypto)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate request: %v", ErrCrypto, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: certificate request signature invalid: %v", ErrCrypto, err)
	}
	return csr, nil
}

// SubmitCSR stores a new PEM-encoded PKCS#10 request for the tenant and
// returns the stored record. The generated serial number becomes the
// eventual certificate's serial number.
func (s *Service) SubmitCSR(ctx context.Context, id Identity, csrPEM []byte) (*storage.CSR, error) {
	parsed, err := parseCSRPEM(csrPEM)
	if err != nil {
		return nil, err
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	org := ""
	if len(parsed.Subject.Organization) > 0 {
		org = parsed.Subject.Organization[0]
	}
	record := &storage.CSR{
		SerialNumber:    serial,
		TenantID:        id.TenantID,
		RawRequest:      append([]byte(nil), csrPEM...),
		Username:        id.Username,
		UserStoreDomain: id.UserStoreDomain,
		CommonName:      parsed.Subject.CommonName,
		Organization:    org,
		Status:          storage.CSRPending,
		SubmittedAt:     time.Now().UTC(),
	}
	if err := s.csrs.PutCSR(record); err != nil {
		return nil, fmt.Errorf("storing csr: %w", err)
	}

	s.logger.Info("csr submitted",
		"tenant", id.TenantID, "serial", serial, "cn", record.CommonName, "user", id.Username)
	return record, nil
}

// SignCSR signs the Pending CSR identified by serial and issues a
// certificate valid for validityDays whole days. The certificate's serial
// number equals the CSR's serial number; its extension set is fixed by
// BuildExtensions. On success the CSR transitions to Signed and the
// certificate is persisted as Active.
func (s *Service) SignCSR(ctx context.Context, id Identity, serial string, validityDays int) (*storage.Certificate, error) {
	unlock := s.locks.lock(id.TenantID, serial)
	defer unlock()

	record, err := s.csrs.GetCSR(id.TenantID, serial)
	if err != nil {
		return nil, fmt.Errorf("loading csr: %w", err)
	}
	if record.Status != storage.CSRPending {
		return nil, fmt.Errorf("csr %s has status %s: %w", serial, record.Status, ErrNotPending)
	}

	parsed, err := parseCSRPEM(record.RawRequest)
	if err != nil {
		return nil, err
	}

	serialInt, ok := new(big.Int).SetString(serial, 10)
	if !ok {
		return nil, fmt.Errorf("%q: %w", serial, ErrInvalidSerial)
	}

	caCert, err := s.keys.CACertificate(id.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading CA certificate: %w", err)
	}
	signer, err := s.keys.SigningKey(id.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading CA signing key: %w", err)
	}

	exts, err := BuildExtensions(caCert, parsed.PublicKey, id.TenantID, s.serverBaseURL)
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.Add(time.Duration(validityDays) * millisPerDay * time.Millisecond)

	template := &x509.Certificate{
		SerialNumber:       serialInt,
		Subject:            parsed.Subject,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: s.sigAlg,
		ExtraExtensions:    exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, parsed.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: signing certificate: %v", ErrCrypto, err)
	}

	cert := &storage.Certificate{
		SerialNumber:    serial,
		TenantID:        id.TenantID,
		DER:             der,
		Username:        record.Username,
		UserStoreDomain: record.UserStoreDomain,
		Status:          storage.CertActive,
		NotBefore:       notBefore,
		NotAfter:        notAfter,
	}
	if err := s.certs.PutCertificate(cert); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	// A failure here leaves an issued certificate next to a Pending CSR;
	// callers detect the inconsistency by re-reading.
	if err := s.csrs.UpdateCSRStatus(id.TenantID, serial, storage.CSRSigned); err != nil {
		return nil, fmt.Errorf("updating csr status: %w", err)
	}

	s.logger.Info("csr signed",
		"tenant", id.TenantID, "serial", serial, "validity_days", validityDays, "user", id.Username)
	return cert, nil
}

// RejectCSR transitions a Pending CSR to Rejected.
func (s *Service) RejectCSR(ctx context.Context, id Identity, serial string) error {
	unlock := s.locks.lock(id.TenantID, serial)
	defer unlock()

	record, err := s.csrs.GetCSR(id.TenantID, serial)
	if err != nil {
		return fmt.Errorf("loading csr: %w", err)
	}
	if record.Status != storage.CSRPending {
		return fmt.Errorf("csr %s has status %s: %w", serial, record.Status, ErrNotPending)
	}
	if err := s.csrs.UpdateCSRStatus(id.TenantID, serial, storage.CSRRejected); err != nil {
		return fmt.Errorf("updating csr status: %w", err)
	}

	s.logger.Info("csr rejected", "tenant", id.TenantID, "serial", serial, "user", id.Username)
	return nil
}

// DeleteCSR removes a CSR record. This is the only deletion path in the
// system; certificates and revocation records are never deleted.
func (s *Service) DeleteCSR(ctx context.Context, id Identity, serial string) error {
	if err := s.csrs.DeleteCSR(id.TenantID, serial); err != nil {
		return fmt.Errorf("deleting csr: %w", err)
	}
	s.logger.Info("csr deleted", "tenant", id.TenantID, "serial", serial, "user", id.Username)
	return nil
}

// GetCSR returns the CSR stored under (serial, tenant).
func (s *Service) GetCSR(ctx context.Context, id Identity, serial string) (*storage.CSR, error) {
	return s.csrs.GetCSR(id.TenantID, serial)
}

// CSRFilter narrows ListCSRs results. Zero-valued fields match everything.
type CSRFilter struct {
	Status       storage.CSRStatus
	Requester    string
	CommonName   string
	Organization string
}

func (f CSRFilter) matches(csr *storage.CSR) bool {
	if f.Status != "" && csr.Status != f.Status {
		return false
	}
	if f.Requester != "" && csr.Username != f.Requester {
		return false
	}
	if f.CommonName != "" && !strings.EqualFold(csr.CommonName, f.CommonName) {
		return false
	}
	if f.Organization != "" && !strings.EqualFold(csr.Organization, f.Organization) {
		return false
	}
	return true
}

// ListCSRs returns the tenant's CSRs matching the filter.
func (s *Service) ListCSRs(ctx context.Context, id Identity, filter CSRFilter) ([]*storage.CSR, error) {
	all, err := s.csrs.ListCSRs(id.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing csrs: %w", err)
	}
	out := make([]*storage.CSR, 0, len(all))
	for _, csr := range all {
		if filter.matches(csr) {
			out = append(out, csr)
		}
	}
	return out, nil
}

// GetCertificate returns the certificate stored under (serial, tenant).
func (s *Service) GetCertificate(ctx context.Context, id Identity, serial string) (*storage.Certificate, error) {
	return s.certs.GetCertificate(id.TenantID, serial)
}

// ListCertificates returns the tenant's certificates, optionally narrowed
// by status.
func (s *Service) ListCertificates(ctx context.Context, id Identity, status storage.CertStatus) ([]*storage.Certificate, error) {
	all, err := s.certs.ListCertificates(id.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	if status == "" {
		return all, nil
	}
	out := make([]*storage.Certificate, 0, len(all))
	for _, cert := range all {
		if cert.Status == status {
			out = append(out, cert)
		}
	}
	return out, nil
}
