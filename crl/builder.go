// Package crl builds and schedules per-tenant certificate revocation
// lists. The Builder reads the tenant's revocation records, signs a CRL
// with the tenant's CA key, and persists the artifact; the Updater drives
// a daily full regeneration sweep across all known tenants.
package crl

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/oakpki/oakpki/ca"
	"github.com/oakpki/oakpki/keystore"
	"github.com/oakpki/oakpki/storage"
)

// oidDeltaCRLIndicator marks a CRL as a delta and names its base CRL
// number (RFC 5280, 5.2.4).
var oidDeltaCRLIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}

const (
	defaultFullValidity  = 24 * time.Hour
	defaultDeltaValidity = 24 * time.Hour
)

// Builder produces per-tenant CRL artifacts. Both kinds read every current
// revocation record for the tenant: the full CRL lists certificates that
// are revoked right now, the delta additionally carries removeFromCRL
// entries so relying parties holding the previous full CRL learn about
// un-revocations.
type Builder struct {
	revocations storage.RevocationStore
	crls        storage.CRLStore
	keys        keystore.Provider

	fullValidity  time.Duration
	deltaValidity time.Duration

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

var _ ca.CRLBuilder = (*Builder)(nil)

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithValidity overrides how long generated full and delta CRLs remain
// current (the thisUpdate to nextUpdate window).
func WithValidity(full, delta time.Duration) BuilderOption {
	return func(b *Builder) {
		b.fullValidity = full
		b.deltaValidity = delta
	}
}

// NewBuilder creates a Builder over the given stores and key provider.
func NewBuilder(store storage.Store, keys keystore.Provider, opts ...BuilderOption) *Builder {
	b := &Builder{
		revocations:   store,
		crls:          store,
		keys:          keys,
		fullValidity:  defaultFullValidity,
		deltaValidity: defaultDeltaValidity,
		locks:         make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// lockTenant serializes CRL generation per tenant so the periodic full
// sweep and an event-driven delta regeneration never interleave their
// read-modify-write of the CRL store.
func (b *Builder) lockTenant(tenantID int) func() {
	b.mu.Lock()
	m, ok := b.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[tenantID] = m
	}
	b.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (b *Builder) entries(tenantID int, includeRemoved bool) ([]x509.RevocationListEntry, error) {
	revs, err := b.revocations.ListRevocations(tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	out := make([]x509.RevocationListEntry, 0, len(revs))
	for _, rev := range revs {
		if !includeRemoved && rev.Reason == ca.ReasonRemoveFromCRL {
			continue
		}
		serial, ok := new(big.Int).SetString(rev.SerialNumber, 10)
		if !ok {
			return nil, fmt.Errorf("%q: %w", rev.SerialNumber, ca.ErrInvalidSerial)
		}
		out = append(out, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: rev.RevokedAt,
			ReasonCode:     rev.Reason,
		})
	}
	return out, nil
}

func (b *Builder) sign(tenantID int, template *x509.RevocationList) ([]byte, error) {
	caCert, err := b.keys.CACertificate(tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading CA certificate: %w", err)
	}
	signer, err := b.keys.SigningKey(tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading CA signing key: %w", err)
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, signer)
	if err != nil {
		return nil, fmt.Errorf("creating crl: %w", err)
	}
	return der, nil
}

// RegenerateFull replaces the tenant's full CRL with one listing every
// certificate currently revoked for the tenant.
func (b *Builder) RegenerateFull(tenantID int) error {
	unlock := b.lockTenant(tenantID)
	defer unlock()
	_, err := b.regenerateFullLocked(tenantID)
	return err
}

func (b *Builder) regenerateFullLocked(tenantID int) (int64, error) {
	entries, err := b.entries(tenantID, false)
	if err != nil {
		return 0, err
	}
	number, err := b.crls.NextCRLNumber(tenantID)
	if err != nil {
		return 0, fmt.Errorf("allocating crl number: %w", err)
	}

	now := time.Now().UTC()
	nextUpdate := now.Add(b.fullValidity)
	der, err := b.sign(tenantID, &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	})
	if err != nil {
		return 0, err
	}

	err = b.crls.PutCRL(&storage.CRL{
		TenantID:   tenantID,
		Kind:       storage.CRLFull,
		DER:        der,
		Number:     number,
		ThisUpdate: now,
		NextUpdate: nextUpdate,
	})
	if err != nil {
		return 0, fmt.Errorf("storing full crl: %w", err)
	}
	return number, nil
}

// RegenerateDelta replaces the tenant's delta CRL. The delta's base is the
// tenant's current full CRL; when none exists yet a full CRL is generated
// first so the delta indicator has a base to point at.
func (b *Builder) RegenerateDelta(tenantID int) error {
	unlock := b.lockTenant(tenantID)
	defer unlock()

	baseNumber := int64(0)
	full, err := b.crls.GetCRL(tenantID, storage.CRLFull)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		baseNumber, err = b.regenerateFullLocked(tenantID)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("loading full crl: %w", err)
	default:
		baseNumber = full.Number
	}

	entries, err := b.entries(tenantID, true)
	if err != nil {
		return err
	}
	number, err := b.crls.NextCRLNumber(tenantID)
	if err != nil {
		return fmt.Errorf("allocating crl number: %w", err)
	}

	indicator, err := asn1.Marshal(big.NewInt(baseNumber))
	if err != nil {
		return fmt.Errorf("encoding delta crl indicator: %w", err)
	}

	now := time.Now().UTC()
	nextUpdate := now.Add(b.deltaValidity)
	der, err := b.sign(tenantID, &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
		ExtraExtensions: []pkix.Extension{{
			Id:       oidDeltaCRLIndicator,
			Critical: true,
			Value:    indicator,
		}},
	})
	if err != nil {
		return err
	}

	err = b.crls.PutCRL(&storage.CRL{
		TenantID:   tenantID,
		Kind:       storage.CRLDelta,
		DER:        der,
		Number:     number,
		ThisUpdate: now,
		NextUpdate: nextUpdate,
	})
	if err != nil {
		return fmt.Errorf("storing delta crl: %w", err)
	}
	return nil
}
