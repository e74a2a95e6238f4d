// Package postgres implements the storage contracts backed by PostgreSQL.
//
// Every table uses a composite primary key (tenant_id, serial_number) that
// mirrors the key space used by the BBolt and in-memory backends, so the
// per-tenant isolation guarantee is enforced by the schema itself.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakpki/oakpki/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// uniqueViolation is the PostgreSQL error code for duplicate primary keys.
const uniqueViolation = "23505"

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) PutCSR(csr *storage.CSR) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO csrs (tenant_id, serial_number, raw_request, username, user_store_domain,
		                   common_name, organization, status, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		csr.TenantID, csr.SerialNumber, csr.RawRequest, csr.Username, csr.UserStoreDomain,
		csr.CommonName, csr.Organization, csr.Status, csr.SubmittedAt)
	if isDuplicate(err) {
		return fmt.Errorf("csr %s: %w", csr.SerialNumber, storage.ErrDuplicateSerial)
	}
	return err
}

func (s *Store) GetCSR(tenantID int, serial string) (*storage.CSR, error) {
	var csr storage.CSR
	err := s.pool.QueryRow(context.Background(),
		`SELECT tenant_id, serial_number, raw_request, username, user_store_domain,
		        common_name, organization, status, submitted_at
		 FROM csrs WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial).Scan(
		&csr.TenantID, &csr.SerialNumber, &csr.RawRequest, &csr.Username, &csr.UserStoreDomain,
		&csr.CommonName, &csr.Organization, &csr.Status, &csr.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &csr, nil
}

func (s *Store) UpdateCSRStatus(tenantID int, serial string, status storage.CSRStatus) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE csrs SET status = $3 WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListCSRs(tenantID int) ([]*storage.CSR, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT tenant_id, serial_number, raw_request, username, user_store_domain,
		        common_name, organization, status, submitted_at
		 FROM csrs WHERE tenant_id = $1 ORDER BY submitted_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.CSR
	for rows.Next() {
		var csr storage.CSR
		if err := rows.Scan(
			&csr.TenantID, &csr.SerialNumber, &csr.RawRequest, &csr.Username, &csr.UserStoreDomain,
			&csr.CommonName, &csr.Organization, &csr.Status, &csr.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, &csr)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCSR(tenantID int, serial string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM csrs WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("csr %s: %w", serial, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) PutCertificate(cert *storage.Certificate) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO certificates (tenant_id, serial_number, der, username, user_store_domain,
		                           status, not_before, not_after)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cert.TenantID, cert.SerialNumber, cert.DER, cert.Username, cert.UserStoreDomain,
		cert.Status, cert.NotBefore, cert.NotAfter)
	if isDuplicate(err) {
		return fmt.Errorf("certificate %s: %w", cert.SerialNumber, storage.ErrDuplicateSerial)
	}
	return err
}

func (s *Store) GetCertificate(tenantID int, serial string) (*storage.Certificate, error) {
	var cert storage.Certificate
	err := s.pool.QueryRow(context.Background(),
		`SELECT tenant_id, serial_number, der, username, user_store_domain,
		        status, not_before, not_after
		 FROM certificates WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial).Scan(
		&cert.TenantID, &cert.SerialNumber, &cert.DER, &cert.Username, &cert.UserStoreDomain,
		&cert.Status, &cert.NotBefore, &cert.NotAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("certificate %s: %w", serial, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) UpdateCertificateStatus(tenantID int, serial string, status storage.CertStatus) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE certificates SET status = $3 WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("certificate %s: %w", serial, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListCertificates(tenantID int) ([]*storage.Certificate, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT tenant_id, serial_number, der, username, user_store_domain,
		        status, not_before, not_after
		 FROM certificates WHERE tenant_id = $1 ORDER BY not_before`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Certificate
	for rows.Next() {
		var cert storage.Certificate
		if err := rows.Scan(
			&cert.TenantID, &cert.SerialNumber, &cert.DER, &cert.Username, &cert.UserStoreDomain,
			&cert.Status, &cert.NotBefore, &cert.NotAfter); err != nil {
			return nil, err
		}
		out = append(out, &cert)
	}
	return out, rows.Err()
}

func (s *Store) PutRevocation(rev *storage.Revocation) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO revocations (tenant_id, serial_number, reason, revoked_at)
		 VALUES ($1, $2, $3, $4)`,
		rev.TenantID, rev.SerialNumber, rev.Reason, rev.RevokedAt)
	if isDuplicate(err) {
		return fmt.Errorf("revocation %s: %w", rev.SerialNumber, storage.ErrDuplicateSerial)
	}
	return err
}

func (s *Store) GetRevocation(tenantID int, serial string) (*storage.Revocation, error) {
	var rev storage.Revocation
	err := s.pool.QueryRow(context.Background(),
		`SELECT tenant_id, serial_number, reason, revoked_at
		 FROM revocations WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial).Scan(
		&rev.TenantID, &rev.SerialNumber, &rev.Reason, &rev.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("revocation %s: %w", serial, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *Store) UpdateRevocationReason(tenantID int, serial string, reason int) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE revocations SET reason = $3 WHERE tenant_id = $1 AND serial_number = $2`,
		tenantID, serial, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revocation %s: %w", serial, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRevocations(tenantID int) ([]*storage.Revocation, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT tenant_id, serial_number, reason, revoked_at
		 FROM revocations WHERE tenant_id = $1 ORDER BY revoked_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Revocation
	for rows.Next() {
		var rev storage.Revocation
		if err := rows.Scan(&rev.TenantID, &rev.SerialNumber, &rev.Reason, &rev.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, &rev)
	}
	return out, rows.Err()
}

func (s *Store) PutCRL(crl *storage.CRL) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO crls (tenant_id, kind, der, number, this_update, next_update)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, kind)
		 DO UPDATE SET der = $3, number = $4, this_update = $5, next_update = $6`,
		crl.TenantID, crl.Kind, crl.DER, crl.Number, crl.ThisUpdate, crl.NextUpdate)
	return err
}

func (s *Store) GetCRL(tenantID int, kind storage.CRLKind) (*storage.CRL, error) {
	var crl storage.CRL
	err := s.pool.QueryRow(context.Background(),
		`SELECT tenant_id, kind, der, number, this_update, next_update
		 FROM crls WHERE tenant_id = $1 AND kind = $2`,
		tenantID, kind).Scan(
		&crl.TenantID, &crl.Kind, &crl.DER, &crl.Number, &crl.ThisUpdate, &crl.NextUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("crl %s: %w", kind, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &crl, nil
}

func (s *Store) NextCRLNumber(tenantID int) (int64, error) {
	var next int64
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO crl_sequence (tenant_id, number) VALUES ($1, 1)
		 ON CONFLICT (tenant_id) DO UPDATE SET number = crl_sequence.number + 1
		 RETURNING number`,
		tenantID).Scan(&next)
	return next, err
}
