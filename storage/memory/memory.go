// Package memory provides a thread-safe in-memory implementation of the
// storage contracts. Suitable for testing, demos, and single-process use.
package memory

import (
	"fmt"
	"sync"

	"github.com/oakpki/oakpki/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
type Store struct {
	mu      sync.RWMutex
	csrs    map[int]map[string]*storage.CSR
	certs   map[int]map[string]*storage.Certificate
	revs    map[int]map[string]*storage.Revocation
	crls    map[int]map[storage.CRLKind]*storage.CRL
	crlSeqs map[int]int64
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		csrs:    make(map[int]map[string]*storage.CSR),
		certs:   make(map[int]map[string]*storage.Certificate),
		revs:    make(map[int]map[string]*storage.Revocation),
		crls:    make(map[int]map[storage.CRLKind]*storage.CRL),
		crlSeqs: make(map[int]int64),
	}
}

func cloneCSR(c *storage.CSR) *storage.CSR {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RawRequest = append([]byte(nil), c.RawRequest...)
	return &cp
}

func cloneCert(c *storage.Certificate) *storage.Certificate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.DER = append([]byte(nil), c.DER...)
	return &cp
}

func cloneRev(r *storage.Revocation) *storage.Revocation {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func cloneCRL(c *storage.CRL) *storage.CRL {
	if c == nil {
		return nil
	}
	cp := *c
	cp.DER = append([]byte(nil), c.DER...)
	return &cp
}

func (s *Store) PutCSR(csr *storage.CSR) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.csrs[csr.TenantID]
	if !ok {
		tenant = make(map[string]*storage.CSR)
		s.csrs[csr.TenantID] = tenant
	}
	if _, exists := tenant[csr.SerialNumber]; exists {
		return fmt.Errorf("csr %s: %w", csr.SerialNumber, storage.ErrDuplicateSerial)
	}
	tenant[csr.SerialNumber] = cloneCSR(csr)
	return nil
}

func (s *Store) GetCSR(tenantID int, serial string) (*storage.CSR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	csr, ok := s.csrs[tenantID][serial]
	if !ok {
		return nil, fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
	}
	return cloneCSR(csr), nil
}

func (s *Store) UpdateCSRStatus(tenantID int, serial string, status storage.CSRStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	csr, ok := s.csrs[tenantID][serial]
	if !ok {
		return fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
	}
	csr.Status = status
	return nil
}

func (s *Store) ListCSRs(tenantID int) ([]*storage.CSR, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.CSR, 0, len(s.csrs[tenantID]))
	for _, csr := range s.csrs[tenantID] {
		out = append(out, cloneCSR(csr))
	}
	return out, nil
}

func (s *Store) DeleteCSR(tenantID int, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.csrs[tenantID][serial]; !ok {
		return fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
	}
	delete(s.csrs[tenantID], serial)
	return nil
}

func (s *Store) PutCertificate(cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.certs[cert.TenantID]
	if !ok {
		tenant = make(map[string]*storage.Certificate)
		s.certs[cert.TenantID] = tenant
	}
	if _, exists := tenant[cert.SerialNumber]; exists {
		return fmt.Errorf("certificate %s: %w", cert.SerialNumber, storage.ErrDuplicateSerial)
	}
	tenant[cert.SerialNumber] = cloneCert(cert)
	return nil
}

func (s *Store) GetCertificate(tenantID int, serial string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[tenantID][serial]
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", serial, storage.ErrNotFound)
	}
	return cloneCert(cert), nil
}

func (s *Store) UpdateCertificateStatus(tenantID int, serial string, status storage.CertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[tenantID][serial]
	if !ok {
		return fmt.Errorf("certificate %s: %w", serial, storage.ErrNotFound)
	}
	cert.Status = status
	return nil
}

func (s *Store) ListCertificates(tenantID int) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Certificate, 0, len(s.certs[tenantID]))
	for _, cert := range s.certs[tenantID] {
		out = append(out, cloneCert(cert))
	}
	return out, nil
}

func (s *Store) PutRevocation(rev *storage.Revocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.revs[rev.TenantID]
	if !ok {
		tenant = make(map[string]*storage.Revocation)
		s.revs[rev.TenantID] = tenant
	}
	if _, exists := tenant[rev.SerialNumber]; exists {
		return fmt.Errorf("revocation %s: %w", rev.SerialNumber, storage.ErrDuplicateSerial)
	}
	tenant[rev.SerialNumber] = cloneRev(rev)
	return nil
}

func (s *Store) GetRevocation(tenantID int, serial string) (*storage.Revocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[tenantID][serial]
	if !ok {
		return nil, fmt.Errorf("revocation %s: %w", serial, storage.ErrNotFound)
	}
	return cloneRev(rev), nil
}

func (s *Store) UpdateRevocationReason(tenantID int, serial string, reason int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revs[tenantID][serial]
	if !ok {
		return fmt.Errorf("revocation %s: %w", serial, storage.ErrNotFound)
	}
	rev.Reason = reason
	return nil
}

func (s *Store) ListRevocations(tenantID int) ([]*storage.Revocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Revocation, 0, len(s.revs[tenantID]))
	for _, rev := range s.revs[tenantID] {
		out = append(out, cloneRev(rev))
	}
	return out, nil
}

func (s *Store) PutCRL(crl *storage.CRL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.crls[crl.TenantID]
	if !ok {
		tenant = make(map[storage.CRLKind]*storage.CRL)
		s.crls[crl.TenantID] = tenant
	}
	tenant[crl.Kind] = cloneCRL(crl)
	return nil
}

func (s *Store) GetCRL(tenantID int, kind storage.CRLKind) (*storage.CRL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	crl, ok := s.crls[tenantID][kind]
	if !ok {
		return nil, fmt.Errorf("crl %s: %w", kind, storage.ErrNotFound)
	}
	return cloneCRL(crl), nil
}

func (s *Store) NextCRLNumber(tenantID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crlSeqs[tenantID]++
	return s.crlSeqs[tenantID], nil
}
