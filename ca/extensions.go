package ca

import (
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

// Extension OIDs from RFC 5280.
var (
	oidSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidKeyUsage               = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidBasicConstraints       = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidCRLDistributionPoints  = asn1.ObjectIdentifier{2, 5, 29, 31}
	oidAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtendedKeyUsage       = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidAuthorityInfoAccess    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}

	oidServerAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidOCSP       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1}
)

// subjectPublicKeyInfo is the outer SPKI structure, used to recover the
// public key BIT STRING for key-identifier derivation.
type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// RFC 5280, 4.2.1.1
type authorityKeyID struct {
	ID []byte `asn1:"optional,tag:0"`
}

// RFC 5280, 4.2.1.9. Encoding the zero value yields an empty SEQUENCE,
// which relying parties read as cA=FALSE: issued certificates are
// end-entity certificates, never CA-capable.
type basicConstraints struct {
	IsCA bool `asn1:"optional"`
}

// RFC 5280, 4.2.1.14
type distributionPoint struct {
	DistributionPoint distributionPointName `asn1:"optional,tag:0"`
	Reason            asn1.BitString        `asn1:"optional,tag:1"`
	CRLIssuer         asn1.RawValue         `asn1:"optional,tag:2"`
}

type distributionPointName struct {
	FullName     []asn1.RawValue  `asn1:"optional,tag:0"`
	RelativeName pkix.RDNSequence `asn1:"optional,tag:1"`
}

// RFC 5280, 4.2.2.1
type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

// keyIdentifier derives a key identifier from a public key using method 1
// of RFC 5280 4.2.1.2: the SHA-1 hash of the subjectPublicKey BIT STRING.
func keyIdentifier(pub any) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling public key: %v", ErrCrypto, err)
	}
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("%w: decoding public key info: %v", ErrCrypto, err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// uriGeneralName encodes a uniformResourceIdentifier GeneralName ([6] IA5String).
func uriGeneralName(uri string) asn1.RawValue {
	return asn1.RawValue{Tag: 6, Class: asn1.ClassContextSpecific, Bytes: []byte(uri)}
}

// CRLURL returns the CRL distribution point URL embedded in certificates
// issued for the tenant.
func CRLURL(serverBaseURL string, tenantID int) string {
	return fmt.Sprintf("%s/ca/crl/%d", strings.TrimRight(serverBaseURL, "/"), tenantID)
}

// OCSPURL returns the OCSP responder URL embedded in certificates issued
// for the tenant.
func OCSPURL(serverBaseURL string, tenantID int) string {
	return fmt.Sprintf("%s/ca/ocsp/%d", strings.TrimRight(serverBaseURL, "/"), tenantID)
}

// BuildExtensions constructs the fixed, ordered extension set for an issued
// certificate. The CA fully controls the result: extensions requested in
// the CSR are never copied. The order and criticality flags are part of the
// issuance contract:
//
//  1. AuthorityKeyIdentifier (non-critical), from the CA certificate's key
//  2. SubjectKeyIdentifier (non-critical), from the CSR's public key
//  3. BasicConstraints (critical), cA=FALSE
//  4. KeyUsage (critical), digitalSignature | keyEncipherment
//  5. ExtendedKeyUsage (critical), serverAuth only
//  6. CRLDistributionPoints (non-critical), {base}/ca/crl/{tenant}
//  7. AuthorityInfoAccess (non-critical), OCSP at {base}/ca/ocsp/{tenant}
//
// Building fails only when key-identifier derivation from malformed key
// material fails.
func BuildExtensions(caCert *x509.Certificate, csrPublicKey any, tenantID int, serverBaseURL string) ([]pkix.Extension, error) {
	akiValue := caCert.SubjectKeyId
	if len(akiValue) == 0 {
		derived, err := keyIdentifier(caCert.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("deriving authority key identifier: %w", err)
		}
		akiValue = derived
	}
	aki, err := asn1.Marshal(authorityKeyID{ID: akiValue})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding authority key identifier: %v", ErrCrypto, err)
	}

	skiValue, err := keyIdentifier(csrPublicKey)
	if err != nil {
		return nil, fmt.Errorf("deriving subject key identifier: %w", err)
	}
	ski, err := asn1.Marshal(skiValue)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding subject key identifier: %v", ErrCrypto, err)
	}

	bc, err := asn1.Marshal(basicConstraints{IsCA: false})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding basic constraints: %v", ErrCrypto, err)
	}

	// digitalSignature (bit 0) | keyEncipherment (bit 2).
	ku, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0xa0}, BitLength: 3})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding key usage: %v", ErrCrypto, err)
	}

	eku, err := asn1.Marshal([]asn1.ObjectIdentifier{oidServerAuth})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding extended key usage: %v", ErrCrypto, err)
	}

	crlDP, err := asn1.Marshal([]distributionPoint{{
		DistributionPoint: distributionPointName{
			FullName: []asn1.RawValue{uriGeneralName(CRLURL(serverBaseURL, tenantID))},
		},
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding crl distribution points: %v", ErrCrypto, err)
	}

	aia, err := asn1.Marshal([]accessDescription{{
		Method:   oidOCSP,
		Location: uriGeneralName(OCSPURL(serverBaseURL, tenantID)),
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding authority info access: %v", ErrCrypto, err)
	}

	return []pkix.Extension{
		{Id: oidAuthorityKeyIdentifier, Critical: false, Value: aki},
		{Id: oidSubjectKeyIdentifier, Critical: false, Value: ski},
		{Id: oidBasicConstraints, Critical: true, Value: bc},
		{Id: oidKeyUsage, Critical: true, Value: ku},
		{Id: oidExtendedKeyUsage, Critical: true, Value: eku},
		{Id: oidCRLDistributionPoints, Critical: false, Value: crlDP},
		{Id: oidAuthorityInfoAccess, Critical: false, Value: aia},
	}, nil
}
