package crl_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakpki/oakpki/crl"
	"github.com/oakpki/oakpki/keystore"
	"github.com/oakpki/oakpki/storage"
	"github.com/oakpki/oakpki/storage/memory"
)

var (
	caOnce sync.Once
	caKey  *rsa.PrivateKey
)

// fakeProvider serves one shared CA identity to the tenants it knows and
// fails for everyone else.
type fakeProvider struct {
	cert    *x509.Certificate
	known   map[int]bool
	tenants []int
}

var _ keystore.Provider = (*fakeProvider)(nil)

func newFakeProvider(t *testing.T, tenantIDs ...int) *fakeProvider {
	t.Helper()
	caOnce.Do(func() {
		var err error
		caKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "CRL Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	known := make(map[int]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		known[id] = true
	}
	return &fakeProvider{cert: cert, known: known, tenants: tenantIDs}
}

func (p *fakeProvider) SigningKey(tenantID int) (crypto.Signer, error) {
	if !p.known[tenantID] {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, keystore.ErrNoSigningConfig)
	}
	return caKey, nil
}

func (p *fakeProvider) CACertificate(tenantID int) (*x509.Certificate, error) {
	if !p.known[tenantID] {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, keystore.ErrNoSigningConfig)
	}
	return p.cert, nil
}

func (p *fakeProvider) SetKeyAndAlias(tenantID int, keyStore, alias string) error {
	return nil
}

func (p *fakeProvider) ListAliases(tenantID int) ([]string, error) {
	return nil, nil
}

func (p *fakeProvider) Tenants() ([]int, error) {
	return p.tenants, nil
}

func putRevocation(t *testing.T, store *memory.Store, tenantID int, serial string, reason int) {
	t.Helper()
	require.NoError(t, store.PutRevocation(&storage.Revocation{
		SerialNumber: serial,
		TenantID:     tenantID,
		Reason:       reason,
		RevokedAt:    time.Now().UTC(),
	}))
}

var oidDeltaCRLIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}

func deltaIndicator(t *testing.T, list *x509.RevocationList) *big.Int {
	t.Helper()
	for _, ext := range list.Extensions {
		if !ext.Id.Equal(oidDeltaCRLIndicator) {
			continue
		}
		require.True(t, ext.Critical, "delta CRL indicator must be critical")
		var base *big.Int
		_, err := asn1.Unmarshal(ext.Value, &base)
		require.NoError(t, err)
		return base
	}
	t.Fatal("delta CRL indicator extension not found")
	return nil
}

func serials(list *x509.RevocationList) []string {
	out := make([]string, len(list.RevokedCertificateEntries))
	for i, e := range list.RevokedCertificateEntries {
		out[i] = e.SerialNumber.String()
	}
	return out
}

func TestRegenerateFull(t *testing.T) {
	store := memory.NewStore()
	keys := newFakeProvider(t, 5)
	builder := crl.NewBuilder(store, keys)

	putRevocation(t, store, 5, "100", 1)
	putRevocation(t, store, 5, "200", 8)
	putRevocation(t, store, 5, "300", 2)

	require.NoError(t, builder.RegenerateFull(5))

	stored, err := store.GetCRL(5, storage.CRLFull)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.TenantID)
	assert.Positive(t, stored.Number)
	assert.True(t, stored.NextUpdate.After(stored.ThisUpdate))

	list, err := x509.ParseRevocationList(stored.DER)
	require.NoError(t, err)
	require.NoError(t, list.CheckSignatureFrom(keys.cert))

	// The full CRL lists only currently revoked serials: the removeFromCRL
	// record for 200 is excluded.
	assert.ElementsMatch(t, []string{"100", "300"}, serials(list))
	assert.Equal(t, int64(stored.Number), list.Number.Int64())
}

func TestRegenerateDelta(t *testing.T) {
	store := memory.NewStore()
	keys := newFakeProvider(t, 5)
	builder := crl.NewBuilder(store, keys)

	putRevocation(t, store, 5, "100", 1)
	require.NoError(t, builder.RegenerateFull(5))
	full, err := store.GetCRL(5, storage.CRLFull)
	require.NoError(t, err)

	putRevocation(t, store, 5, "200", 8)
	require.NoError(t, builder.RegenerateDelta(5))

	stored, err := store.GetCRL(5, storage.CRLDelta)
	require.NoError(t, err)
	assert.Greater(t, stored.Number, full.Number, "numbers are monotonic across kinds")

	list, err := x509.ParseRevocationList(stored.DER)
	require.NoError(t, err)
	require.NoError(t, list.CheckSignatureFrom(keys.cert))

	// The delta carries every current record, removeFromCRL included, so
	// holders of the base CRL learn about the un-revocation.
	assert.ElementsMatch(t, []string{"100", "200"}, serials(list))
	assert.Equal(t, full.Number, deltaIndicator(t, list).Int64())
}

func TestRegenerateDelta_CreatesBaseWhenMissing(t *testing.T) {
	store := memory.NewStore()
	keys := newFakeProvider(t, 5)
	builder := crl.NewBuilder(store, keys)

	putRevocation(t, store, 5, "100", 1)
	require.NoError(t, builder.RegenerateDelta(5))

	full, err := store.GetCRL(5, storage.CRLFull)
	require.NoError(t, err, "a base full CRL is generated first")
	delta, err := store.GetCRL(5, storage.CRLDelta)
	require.NoError(t, err)

	list, err := x509.ParseRevocationList(delta.DER)
	require.NoError(t, err)
	assert.Equal(t, full.Number, deltaIndicator(t, list).Int64())
}

func TestRegenerate_TenantIsolation(t *testing.T) {
	store := memory.NewStore()
	keys := newFakeProvider(t, 5, 6)
	builder := crl.NewBuilder(store, keys)

	putRevocation(t, store, 5, "100", 1)
	putRevocation(t, store, 6, "900", 1)

	require.NoError(t, builder.RegenerateFull(5))

	stored, err := store.GetCRL(5, storage.CRLFull)
	require.NoError(t, err)
	list, err := x509.ParseRevocationList(stored.DER)
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, serials(list), "other tenants' revocations stay out")

	_, err = store.GetCRL(6, storage.CRLFull)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegenerateFull_NoSigningConfig(t *testing.T) {
	store := memory.NewStore()
	keys := newFakeProvider(t, 5)
	builder := crl.NewBuilder(store, keys)

	err := builder.RegenerateFull(9)
	assert.ErrorIs(t, err, keystore.ErrNoSigningConfig)
}
