// Package bbolt provides a BBolt-backed implementation of the storage
// contracts. Each tenant gets its own bucket, keyed by record type and
// serial number.
package bbolt

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/oakpki/oakpki/storage"
)

const (
	typeCSR  = "csr"
	typeCert = "cert"
	typeRev  = "rev"
	typeCRL  = "crl"

	crlSeqKey = "crlseq"
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func tenantBucketName(tenantID int) []byte {
	return []byte(strconv.Itoa(tenantID))
}

func recordKey(recordType, id string) []byte {
	return []byte(recordType + ":" + id)
}

func (s *Store) put(tenantID int, recordType, id string, v any, mustNotExist bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tenantBucketName(tenantID))
		if err != nil {
			return err
		}
		key := recordKey(recordType, id)
		if mustNotExist && b.Get(key) != nil {
			return fmt.Errorf("%s %s: %w", recordType, id, storage.ErrDuplicateSerial)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) get(tenantID int, recordType, id string, v any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantBucketName(tenantID))
		if b == nil {
			return fmt.Errorf("%s %s: %w", recordType, id, storage.ErrNotFound)
		}
		data := b.Get(recordKey(recordType, id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", recordType, id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// update reads a record, applies fn, and writes it back within a single
// bbolt Update transaction, so concurrent status flips never lose writes.
func (s *Store) update(tenantID int, recordType, id string, v any, fn func()) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantBucketName(tenantID))
		if b == nil {
			return fmt.Errorf("%s %s: %w", recordType, id, storage.ErrNotFound)
		}
		key := recordKey(recordType, id)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s %s: %w", recordType, id, storage.ErrNotFound)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return err
		}
		fn()
		updated, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
}

func (s *Store) list(tenantID int, recordType string, each func(data []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantBucketName(tenantID))
		if b == nil {
			return nil
		}
		prefix := []byte(recordType + ":")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := each(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PutCSR(csr *storage.CSR) error {
	return s.put(csr.TenantID, typeCSR, csr.SerialNumber, csr, true)
}

func (s *Store) GetCSR(tenantID int, serial string) (*storage.CSR, error) {
	var csr storage.CSR
	if err := s.get(tenantID, typeCSR, serial, &csr); err != nil {
		return nil, err
	}
	return &csr, nil
}

func (s *Store) UpdateCSRStatus(tenantID int, serial string, status storage.CSRStatus) error {
	var csr storage.CSR
	return s.update(tenantID, typeCSR, serial, &csr, func() {
		csr.Status = status
	})
}

func (s *Store) ListCSRs(tenantID int) ([]*storage.CSR, error) {
	var out []*storage.CSR
	err := s.list(tenantID, typeCSR, func(data []byte) error {
		var csr storage.CSR
		if err := json.Unmarshal(data, &csr); err != nil {
			return err
		}
		out = append(out, &csr)
		return nil
	})
	return out, err
}

func (s *Store) DeleteCSR(tenantID int, serial string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantBucketName(tenantID))
		if b == nil {
			return fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
		}
		key := recordKey(typeCSR, serial)
		if b.Get(key) == nil {
			return fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
		}
		return b.Delete(key)
	})
}

func (s *Store) PutCertificate(cert *storage.Certificate) error {
	return s.put(cert.TenantID, typeCert, cert.SerialNumber, cert, true)
}

func (s *Store) GetCertificate(tenantID int, serial string) (*storage.Certificate, error) {
	var cert storage.Certificate
	if err := s.get(tenantID, typeCert, serial, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) UpdateCertificateStatus(tenantID int, serial string, status storage.CertStatus) error {
	var cert storage.Certificate
	return s.update(tenantID, typeCert, serial, &cert, func() {
		cert.Status = status
	})
}

func (s *Store) ListCertificates(tenantID int) ([]*storage.Certificate, error) {
	var out []*storage.Certificate
	err := s.list(tenantID, typeCert, func(data []byte) error {
		var cert storage.Certificate
		if err := json.Unmarshal(data, &cert); err != nil {
			return err
		}
		out = append(out, &cert)
		return nil
	})
	return out, err
}

func (s *Store) PutRevocation(rev *storage.Revocation) error {
	return s.put(rev.TenantID, typeRev, rev.SerialNumber, rev, true)
}

func (s *Store) GetRevocation(tenantID int, serial string) (*storage.Revocation, error) {
	var rev storage.Revocation
	if err := s.get(tenantID, typeRev, serial, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *Store) UpdateRevocationReason(tenantID int, serial string, reason int) error {
	var rev storage.Revocation
	return s.update(tenantID, typeRev, serial, &rev, func() {
		rev.Reason = reason
	})
}

func (s *Store) ListRevocations(tenantID int) ([]*storage.Revocation, error) {
	var out []*storage.Revocation
	err := s.list(tenantID, typeRev, func(data []byte) error {
		var rev storage.Revocation
		if err := json.Unmarshal(data, &rev); err != nil {
			return err
		}
		out = append(out, &rev)
		return nil
	})
	return out, err
}

func (s *Store) PutCRL(crl *storage.CRL) error {
	return s.put(crl.TenantID, typeCRL, string(crl.Kind), crl, false)
}

func (s *Store) GetCRL(tenantID int, kind storage.CRLKind) (*storage.CRL, error) {
	var crl storage.CRL
	if err := s.get(tenantID, typeCRL, string(kind), &crl); err != nil {
		return nil, err
	}
	return &crl, nil
}

func (s *Store) NextCRLNumber(tenantID int) (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tenantBucketName(tenantID))
		if err != nil {
			return err
		}
		cur := b.Get([]byte(crlSeqKey))
		if cur != nil {
			next = int64(binary.BigEndian.Uint64(cur))
		}
		next++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		return b.Put([]byte(crlSeqKey), buf)
	})
	return next, err
}
