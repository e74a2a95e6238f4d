package ca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oakpki/oakpki/storage"
)

// RotateFailure records one certificate that could not be revoked during a
// signing-key rotation.
type RotateFailure struct {
	SerialNumber string
	Err          error
}

// RotateResult reports the outcome of the cascading revocation that follows
// a signing-key rotation. The key change itself succeeded whenever a
// RotateResult is returned; Failed lists the certificates whose revocation
// did not go through.
type RotateResult struct {
	Succeeded []string
	Failed    []RotateFailure
}

// Revoke records a revocation for the certificate under (serial, tenant)
// and updates the certificate's status. A first call creates the
// revocation record; later calls overwrite the reason in place, last
// writer wins. The ReasonRemoveFromCRL sentinel un-revokes: the
// certificate returns to Active while the record is retained as the last
// known reason. Any other reason marks the certificate Revoked regardless
// of prior status.
//
// The record write and the status write happen inside one per-serial
// critical section, so a concurrent Revoke never observes one without the
// other. The tenant's delta CRL is regenerated synchronously as the final
// step; a regeneration failure is returned to the caller but the state
// changes already made are not rolled back.
func (s *Service) Revoke(ctx context.Context, id Identity, serial string, reason int) error {
	if !ValidReason(reason) {
		return fmt.Errorf("reason %d: %w", reason, ErrInvalidReason)
	}

	if err := s.applyRevocation(id, serial, reason); err != nil {
		return err
	}

	if err := s.crl.RegenerateDelta(id.TenantID); err != nil {
		return fmt.Errorf("regenerating delta crl for tenant %d: %w", id.TenantID, err)
	}
	return nil
}

func (s *Service) applyRevocation(id Identity, serial string, reason int) error {
	unlock := s.locks.lock(id.TenantID, serial)
	defer unlock()

	if _, err := s.certs.GetCertificate(id.TenantID, serial); err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}

	_, err := s.revocations.GetRevocation(id.TenantID, serial)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rev := &storage.Revocation{
			SerialNumber: serial,
			TenantID:     id.TenantID,
			Reason:       reason,
			RevokedAt:    time.Now().UTC(),
		}
		if err := s.revocations.PutRevocation(rev); err != nil {
			return fmt.Errorf("storing revocation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("loading revocation: %w", err)
	default:
		if err := s.revocations.UpdateRevocationReason(id.TenantID, serial, reason); err != nil {
			return fmt.Errorf("updating revocation reason: %w", err)
		}
	}

	status := storage.CertRevoked
	if transitionFor(reason) == transitionUnrevoke {
		status = storage.CertActive
	}
	if err := s.certs.UpdateCertificateStatus(id.TenantID, serial, status); err != nil {
		return fmt.Errorf("updating certificate status: %w", err)
	}

	s.logger.Info("certificate revocation applied",
		"tenant", id.TenantID, "serial", serial, "reason", reason,
		"status", string(status), "user", id.Username)
	return nil
}

// RevocationReason returns the last recorded revocation reason for the
// serial. A ReasonRemoveFromCRL result means the certificate is currently
// Active and was previously un-revoked.
func (s *Service) RevocationReason(ctx context.Context, id Identity, serial string) (int, error) {
	rev, err := s.revocations.GetRevocation(id.TenantID, serial)
	if err != nil {
		return 0, fmt.Errorf("loading revocation: %w", err)
	}
	return rev.Reason, nil
}

// RotateSigningKey points the tenant at a new keystore/alias pair and then
// revokes every currently Active certificate with ReasonCACompromise,
// since certificates signed by the retired key can no longer be trusted.
//
// The key-provider update is the gate: if it fails the operation aborts
// with no state changed. The cascade itself is best-effort per
// certificate; individual failures are collected in the result and do not
// stop the loop, so the rotation makes maximal progress.
func (s *Service) RotateSigningKey(ctx context.Context, id Identity, keyStore, alias string) (*RotateResult, error) {
	if err := s.keys.SetKeyAndAlias(id.TenantID, keyStore, alias); err != nil {
		return nil, fmt.Errorf("updating signing key configuration: %w", err)
	}

	active, err := s.ListCertificates(ctx, id, storage.CertActive)
	if err != nil {
		return nil, err
	}

	result := &RotateResult{}
	for _, cert := range active {
		if err := s.Revoke(ctx, id, cert.SerialNumber, ReasonCACompromise); err != nil {
			s.logger.Error("revoking certificate after key rotation",
				"tenant", id.TenantID, "serial", cert.SerialNumber, "error", err)
			result.Failed = append(result.Failed, RotateFailure{
				SerialNumber: cert.SerialNumber,
				Err:          err,
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, cert.SerialNumber)
	}

	s.logger.Info("signing key rotated",
		"tenant", id.TenantID, "key_store", keyStore, "alias", alias,
		"revoked", len(result.Succeeded), "failed", len(result.Failed), "user", id.Username)
	return result, nil
}

// ListKeyAliases returns the "keystore/alias" pairs available to the
// tenant, the currently configured pair first.
func (s *Service) ListKeyAliases(ctx context.Context, id Identity) ([]string, error) {
	return s.keys.ListAliases(id.TenantID)
}
