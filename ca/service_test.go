package ca_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakpki/oakpki/ca"
	"github.com/oakpki/oakpki/keystore"
	"github.com/oakpki/oakpki/storage"
	"github.com/oakpki/oakpki/storage/memory"
)

const testBaseURL = "https://pki.example.com/api/v1"

var testID = ca.Identity{TenantID: 5, Username: "admin", UserStoreDomain: "PRIMARY"}

// Key generation dominates test time, so the suite shares one CA key and
// one leaf key.
var (
	keyOnce   sync.Once
	caTestKey *rsa.PrivateKey
	leafKey   *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		caTestKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		leafKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return caTestKey, leafKey
}

// testCASubjectKeyID is the SubjectKeyId baked into the test CA
// certificate; issued certificates must carry it as their AKI.
var testCASubjectKeyID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}

func newTestCACert(t *testing.T, key *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Tenant CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          testCASubjectKeyID,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// testProvider is an in-memory keystore.Provider serving one CA identity
// to every tenant.
type testProvider struct {
	key      *rsa.PrivateKey
	cert     *x509.Certificate
	setErr   error
	setCalls []string
}

var _ keystore.Provider = (*testProvider)(nil)

func (p *testProvider) SigningKey(tenantID int) (crypto.Signer, error) {
	return p.key, nil
}

func (p *testProvider) CACertificate(tenantID int) (*x509.Certificate, error) {
	return p.cert, nil
}

func (p *testProvider) SetKeyAndAlias(tenantID int, keyStore, alias string) error {
	if p.setErr != nil {
		return p.setErr
	}
	p.setCalls = append(p.setCalls, fmt.Sprintf("%d:%s/%s", tenantID, keyStore, alias))
	return nil
}

func (p *testProvider) ListAliases(tenantID int) ([]string, error) {
	return []string{"ks/current", "ks/spare"}, nil
}

func (p *testProvider) Tenants() ([]int, error) {
	return []int{testID.TenantID}, nil
}

// recordingCRL counts regeneration calls instead of building CRLs.
type recordingCRL struct {
	mu         sync.Mutex
	deltaCalls []int
	fullCalls  []int
	deltaErr   error
}

var _ ca.CRLBuilder = (*recordingCRL)(nil)

func (r *recordingCRL) RegenerateDelta(tenantID int) error {
	if r.deltaErr != nil {
		return r.deltaErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltaCalls = append(r.deltaCalls, tenantID)
	return nil
}

func (r *recordingCRL) RegenerateFull(tenantID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fullCalls = append(r.fullCalls, tenantID)
	return nil
}

type testFixture struct {
	svc   *ca.Service
	store *memory.Store
	keys  *testProvider
	crl   *recordingCRL
}

func newFixture(t *testing.T, opts ...ca.Option) *testFixture {
	t.Helper()
	caKey, _ := testKeys(t)
	keys := &testProvider{key: caKey, cert: newTestCACert(t, caKey)}
	crl := &recordingCRL{}
	store := memory.NewStore()
	return &testFixture{
		svc:   ca.New(store, keys, crl, testBaseURL, opts...),
		store: store,
		keys:  keys,
		crl:   crl,
	}
}

func newCSRPEM(t *testing.T, cn, org string) []byte {
	t.Helper()
	_, key := testKeys(t)
	subject := pkix.Name{CommonName: cn}
	if org != "" {
		subject.Organization = []string{org}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func submitAndSign(t *testing.T, f *testFixture, cn string, days int) *storage.Certificate {
	t.Helper()
	ctx := t.Context()
	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, cn, "TestOrg"))
	require.NoError(t, err)
	cert, err := f.svc.SignCSR(ctx, testID, csr.SerialNumber, days)
	require.NoError(t, err)
	return cert
}

func TestSubmitCSR(t *testing.T) {
	f := newFixture(t)

	csr, err := f.svc.SubmitCSR(t.Context(), testID, newCSRPEM(t, "server.example.com", "TestOrg"))
	require.NoError(t, err)

	assert.Equal(t, storage.CSRPending, csr.Status)
	assert.Equal(t, "server.example.com", csr.CommonName)
	assert.Equal(t, "TestOrg", csr.Organization)
	assert.Equal(t, "admin", csr.Username)
	assert.Equal(t, "PRIMARY", csr.UserStoreDomain)
	assert.Equal(t, 5, csr.TenantID)
	_, ok := new(big.Int).SetString(csr.SerialNumber, 10)
	assert.True(t, ok, "serial must be a decimal integer")

	got, err := f.svc.GetCSR(t.Context(), testID, csr.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, csr.SerialNumber, got.SerialNumber)
}

func TestSubmitCSR_Malformed(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitCSR(t.Context(), testID, []byte("not a pem"))
	assert.ErrorIs(t, err, ca.ErrCrypto)

	// Wrong PEM block type.
	wrong := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})
	_, err = f.svc.SubmitCSR(t.Context(), testID, wrong)
	assert.ErrorIs(t, err, ca.ErrCrypto)
}

func TestSignCSR(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "server.example.com", "TestOrg"))
	require.NoError(t, err)

	cert, err := f.svc.SignCSR(ctx, testID, csr.SerialNumber, 365)
	require.NoError(t, err)

	assert.Equal(t, csr.SerialNumber, cert.SerialNumber, "certificate serial equals CSR serial")
	assert.Equal(t, storage.CertActive, cert.Status)
	assert.Equal(t, 365*24*time.Hour, cert.NotAfter.Sub(cert.NotBefore),
		"validity is exactly whole days, not calendar months")

	parsed, err := x509.ParseCertificate(cert.DER)
	require.NoError(t, err)
	assert.Equal(t, "server.example.com", parsed.Subject.CommonName)
	assert.Equal(t, csr.SerialNumber, parsed.SerialNumber.String())
	assert.Equal(t, x509.SHA256WithRSA, parsed.SignatureAlgorithm)
	require.NoError(t, parsed.CheckSignatureFrom(f.keys.cert))

	// CSR transitioned to Signed.
	got, err := f.svc.GetCSR(ctx, testID, csr.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, storage.CSRSigned, got.Status)
}

func TestSignCSR_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "once.example.com", ""))
	require.NoError(t, err)

	_, err = f.svc.SignCSR(ctx, testID, csr.SerialNumber, 30)
	require.NoError(t, err)

	_, err = f.svc.SignCSR(ctx, testID, csr.SerialNumber, 30)
	assert.ErrorIs(t, err, ca.ErrNotPending)
}

func TestSignCSR_UnknownSerial(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SignCSR(t.Context(), testID, "424242", 30)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRejectCSR(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "reject.example.com", ""))
	require.NoError(t, err)

	require.NoError(t, f.svc.RejectCSR(ctx, testID, csr.SerialNumber))

	got, err := f.svc.GetCSR(ctx, testID, csr.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, storage.CSRRejected, got.Status)

	// Terminal states cannot be left.
	err = f.svc.RejectCSR(ctx, testID, csr.SerialNumber)
	assert.ErrorIs(t, err, ca.ErrNotPending)
	_, err = f.svc.SignCSR(ctx, testID, csr.SerialNumber, 30)
	assert.ErrorIs(t, err, ca.ErrNotPending)
}

func TestRejectCSR_SignedIsImmutable(t *testing.T) {
	f := newFixture(t)
	cert := submitAndSign(t, f, "immutable.example.com", 30)

	err := f.svc.RejectCSR(t.Context(), testID, cert.SerialNumber)
	assert.ErrorIs(t, err, ca.ErrNotPending)
}

func TestDeleteCSR(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "delete.example.com", ""))
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteCSR(ctx, testID, csr.SerialNumber))
	_, err = f.svc.GetCSR(ctx, testID, csr.SerialNumber)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = f.svc.DeleteCSR(ctx, testID, csr.SerialNumber)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListCSRs_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	a, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "a.example.com", "OrgA"))
	require.NoError(t, err)
	_, err = f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "b.example.com", "OrgB"))
	require.NoError(t, err)

	bob := testID
	bob.Username = "bob"
	_, err = f.svc.SubmitCSR(ctx, bob, newCSRPEM(t, "c.example.com", "OrgA"))
	require.NoError(t, err)

	_, err = f.svc.SignCSR(ctx, testID, a.SerialNumber, 30)
	require.NoError(t, err)

	all, err := f.svc.ListCSRs(ctx, testID, ca.CSRFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := f.svc.ListCSRs(ctx, testID, ca.CSRFilter{Status: storage.CSRPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	byUser, err := f.svc.ListCSRs(ctx, testID, ca.CSRFilter{Requester: "bob"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "c.example.com", byUser[0].CommonName)

	byCN, err := f.svc.ListCSRs(ctx, testID, ca.CSRFilter{CommonName: "A.EXAMPLE.COM"})
	require.NoError(t, err)
	assert.Len(t, byCN, 1, "common name matching is case-insensitive")

	byOrg, err := f.svc.ListCSRs(ctx, testID, ca.CSRFilter{Organization: "OrgA", Status: storage.CSRPending})
	require.NoError(t, err)
	require.Len(t, byOrg, 1)
	assert.Equal(t, "c.example.com", byOrg[0].CommonName)
}

func TestListCertificates_StatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	keep := submitAndSign(t, f, "keep.example.com", 30)
	drop := submitAndSign(t, f, "drop.example.com", 30)
	require.NoError(t, f.svc.Revoke(ctx, testID, drop.SerialNumber, ca.ReasonSuperseded))

	active, err := f.svc.ListCertificates(ctx, testID, storage.CertActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, keep.SerialNumber, active[0].SerialNumber)

	revoked, err := f.svc.ListCertificates(ctx, testID, storage.CertRevoked)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, drop.SerialNumber, revoked[0].SerialNumber)

	all, err := f.svc.ListCertificates(ctx, testID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSignCSR_ConcurrentCallsSignOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "race.example.com", ""))
	require.NoError(t, err)

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := range callers {
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.SignCSR(ctx, testID, csr.SerialNumber, 30)
		}()
	}
	wg.Wait()

	var signed, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			signed++
		case errors.Is(err, ca.ErrNotPending):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, signed, "exactly one caller signs the CSR")
	assert.Equal(t, callers-1, rejected)

	// One certificate exists and the CSR reached Signed exactly once.
	certs, err := f.svc.ListCertificates(ctx, testID, "")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	got, err := f.svc.GetCSR(ctx, testID, csr.SerialNumber)
	require.NoError(t, err)
	assert.Equal(t, storage.CSRSigned, got.Status)
}

func TestRevoke_ConcurrentCallsStayCoherent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	cert := submitAndSign(t, f, "coherent.example.com", 30)

	// Race revocations against restores; whichever lands last, the
	// stored reason and the certificate status must agree.
	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := range callers {
		reason := ca.ReasonKeyCompromise
		if i%2 == 1 {
			reason = ca.ReasonRemoveFromCRL
		}
		go func() {
			defer wg.Done()
			errs[i] = f.svc.Revoke(ctx, testID, cert.SerialNumber, reason)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	reason, err := f.svc.RevocationReason(ctx, testID, cert.SerialNumber)
	require.NoError(t, err)
	got, err := f.svc.GetCertificate(ctx, testID, cert.SerialNumber)
	require.NoError(t, err)

	if reason == ca.ReasonRemoveFromCRL {
		assert.Equal(t, storage.CertActive, got.Status)
	} else {
		assert.Equal(t, ca.ReasonKeyCompromise, reason)
		assert.Equal(t, storage.CertRevoked, got.Status)
	}
	assert.Len(t, f.crl.deltaCalls, callers, "every revocation regenerated the delta CRL")
}

func TestCrossTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	csr, err := f.svc.SubmitCSR(ctx, testID, newCSRPEM(t, "five.example.com", ""))
	require.NoError(t, err)

	other := ca.Identity{TenantID: 6, Username: "admin", UserStoreDomain: "PRIMARY"}

	_, err = f.svc.GetCSR(ctx, other, csr.SerialNumber)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.SignCSR(ctx, other, csr.SerialNumber, 30)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = f.svc.RejectCSR(ctx, other, csr.SerialNumber)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := f.svc.ListCSRs(ctx, other, ca.CSRFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}
