// Package ca implements the certificate-issuance and revocation core of a
// multi-tenant certificate authority: the CSR lifecycle, deterministic
// construction of issued-certificate extensions, revocation state
// transitions (including the remove-from-CRL un-revoke path and cascading
// revocation on signing-key rotation), and the triggers for CRL
// regeneration. Storage, key material, and CRL encoding live behind the
// storage, keystore, and crl package contracts.
package ca

// Identity is the resolved request context: the tenant whose CA identity is
// in effect plus the acting user. It is threaded explicitly into every
// operation; the core never consults ambient state.
type Identity struct {
	TenantID        int
	Username        string
	UserStoreDomain string
}

// Revocation reason codes from RFC 5280. ReasonRemoveFromCRL is the
// sentinel that un-revokes a certificate while keeping the revocation
// record as the last known reason.
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
	ReasonCertificateHold      = 6
	ReasonRemoveFromCRL        = 8
	ReasonPrivilegeWithdrawn   = 9
	ReasonAACompromise         = 10
)

// ValidReason reports whether code is a supported revocation reason.
func ValidReason(code int) bool {
	switch code {
	case ReasonUnspecified, ReasonKeyCompromise, ReasonCACompromise,
		ReasonAffiliationChanged, ReasonSuperseded, ReasonCessationOfOperation,
		ReasonCertificateHold, ReasonRemoveFromCRL, ReasonPrivilegeWithdrawn,
		ReasonAACompromise:
		return true
	}
	return false
}

// transition is the internal tagged form of a revocation call. The wire
// encoding keeps the dual-purpose reason code (removeFromCRL both selects
// the un-revoke path and is stored verbatim as the reason), but the state
// machine works in terms of revoke vs unrevoke.
type transition int

const (
	transitionRevoke transition = iota
	transitionUnrevoke
)

func transitionFor(reason int) transition {
	if reason == ReasonRemoveFromCRL {
		return transitionUnrevoke
	}
	return transitionRevoke
}
