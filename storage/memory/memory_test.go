package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/oakpki/oakpki/storage"
)

func TestMemoryStoreCSRs(t *testing.T) {
	store := NewStore()
	csr := &storage.CSR{
		SerialNumber: "1001",
		TenantID:     5,
		RawRequest:   []byte("-----BEGIN CERTIFICATE REQUEST-----"),
		Username:     "admin",
		CommonName:   "server.example.com",
		Status:       storage.CSRPending,
		SubmittedAt:  time.Now().UTC(),
	}

	t.Run("PutAndGet", func(t *testing.T) {
		if err := store.PutCSR(csr); err != nil {
			t.Fatalf("PutCSR failed: %v", err)
		}

		got, err := store.GetCSR(5, "1001")
		if err != nil {
			t.Fatalf("GetCSR failed: %v", err)
		}
		if got.CommonName != csr.CommonName || got.Status != storage.CSRPending {
			t.Errorf("GetCSR returned wrong record: %+v", got)
		}

		// Test isolation (cloning)
		got.RawRequest[0] = 'X'
		got2, _ := store.GetCSR(5, "1001")
		if got2.RawRequest[0] == 'X' {
			t.Error("Memory store should return clones of CSR records")
		}
	})

	t.Run("DuplicateSerial", func(t *testing.T) {
		err := store.PutCSR(csr)
		if !errors.Is(err, storage.ErrDuplicateSerial) {
			t.Errorf("Expected ErrDuplicateSerial, got %v", err)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		if err := store.UpdateCSRStatus(5, "1001", storage.CSRSigned); err != nil {
			t.Fatalf("UpdateCSRStatus failed: %v", err)
		}
		got, _ := store.GetCSR(5, "1001")
		if got.Status != storage.CSRSigned {
			t.Errorf("Expected SIGNED, got %s", got.Status)
		}

		err := store.UpdateCSRStatus(5, "9999", storage.CSRSigned)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for unknown serial, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := store.GetCSR(6, "1001")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Tenant 6 should not see tenant 5's CSR, got %v", err)
		}

		other := *csr
		other.TenantID = 6
		if err := store.PutCSR(&other); err != nil {
			t.Fatalf("Same serial under another tenant should be allowed: %v", err)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		csrs, err := store.ListCSRs(5)
		if err != nil {
			t.Fatalf("ListCSRs failed: %v", err)
		}
		if len(csrs) != 1 {
			t.Errorf("Expected 1 CSR for tenant 5, got %d", len(csrs))
		}

		if err := store.DeleteCSR(5, "1001"); err != nil {
			t.Fatalf("DeleteCSR failed: %v", err)
		}
		if _, err := store.GetCSR(5, "1001"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
		if err := store.DeleteCSR(5, "1001"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
		}
	})
}

func TestMemoryStoreCertificates(t *testing.T) {
	store := NewStore()
	cert := &storage.Certificate{
		SerialNumber: "2001",
		TenantID:     1,
		DER:          []byte{0x30, 0x82},
		Status:       storage.CertActive,
		NotBefore:    time.Now().UTC(),
		NotAfter:     time.Now().UTC().Add(24 * time.Hour),
	}

	if err := store.PutCertificate(cert); err != nil {
		t.Fatalf("PutCertificate failed: %v", err)
	}
	if err := store.PutCertificate(cert); !errors.Is(err, storage.ErrDuplicateSerial) {
		t.Errorf("Expected ErrDuplicateSerial, got %v", err)
	}

	if err := store.UpdateCertificateStatus(1, "2001", storage.CertRevoked); err != nil {
		t.Fatalf("UpdateCertificateStatus failed: %v", err)
	}
	got, err := store.GetCertificate(1, "2001")
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if got.Status != storage.CertRevoked {
		t.Errorf("Expected REVOKED, got %s", got.Status)
	}

	certs, _ := store.ListCertificates(1)
	if len(certs) != 1 {
		t.Errorf("Expected 1 certificate, got %d", len(certs))
	}
	certs, _ = store.ListCertificates(2)
	if len(certs) != 0 {
		t.Errorf("Expected 0 certificates for other tenant, got %d", len(certs))
	}
}

func TestMemoryStoreRevocations(t *testing.T) {
	store := NewStore()
	rev := &storage.Revocation{
		SerialNumber: "3001",
		TenantID:     2,
		Reason:       1,
		RevokedAt:    time.Now().UTC(),
	}

	if _, err := store.GetRevocation(2, "3001"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound before put, got %v", err)
	}

	if err := store.PutRevocation(rev); err != nil {
		t.Fatalf("PutRevocation failed: %v", err)
	}
	if err := store.UpdateRevocationReason(2, "3001", 8); err != nil {
		t.Fatalf("UpdateRevocationReason failed: %v", err)
	}

	got, err := store.GetRevocation(2, "3001")
	if err != nil {
		t.Fatalf("GetRevocation failed: %v", err)
	}
	if got.Reason != 8 {
		t.Errorf("Expected reason 8, got %d", got.Reason)
	}

	revs, _ := store.ListRevocations(2)
	if len(revs) != 1 {
		t.Errorf("Expected 1 revocation, got %d", len(revs))
	}
}

func TestMemoryStoreCRLs(t *testing.T) {
	store := NewStore()

	t.Run("NumbersAreMonotonic", func(t *testing.T) {
		n1, err := store.NextCRLNumber(1)
		if err != nil {
			t.Fatalf("NextCRLNumber failed: %v", err)
		}
		n2, _ := store.NextCRLNumber(1)
		if n2 <= n1 {
			t.Errorf("Expected increasing numbers, got %d then %d", n1, n2)
		}

		// Sequences are per tenant.
		m1, _ := store.NextCRLNumber(2)
		if m1 != n1 {
			t.Errorf("Expected tenant 2 to start at %d, got %d", n1, m1)
		}
	})

	t.Run("PutAndGetByKind", func(t *testing.T) {
		full := &storage.CRL{TenantID: 1, Kind: storage.CRLFull, DER: []byte{1}, Number: 1}
		delta := &storage.CRL{TenantID: 1, Kind: storage.CRLDelta, DER: []byte{2}, Number: 2}
		if err := store.PutCRL(full); err != nil {
			t.Fatalf("PutCRL full failed: %v", err)
		}
		if err := store.PutCRL(delta); err != nil {
			t.Fatalf("PutCRL delta failed: %v", err)
		}

		got, err := store.GetCRL(1, storage.CRLFull)
		if err != nil {
			t.Fatalf("GetCRL failed: %v", err)
		}
		if got.Number != 1 {
			t.Errorf("Expected full CRL number 1, got %d", got.Number)
		}

		// Replacement overwrites in place.
		if err := store.PutCRL(&storage.CRL{TenantID: 1, Kind: storage.CRLFull, DER: []byte{3}, Number: 3}); err != nil {
			t.Fatalf("PutCRL replace failed: %v", err)
		}
		got, _ = store.GetCRL(1, storage.CRLFull)
		if got.Number != 3 {
			t.Errorf("Expected replaced CRL number 3, got %d", got.Number)
		}

		if _, err := store.GetCRL(2, storage.CRLFull); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for other tenant, got %v", err)
		}
	})
}
