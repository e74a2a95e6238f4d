package api

import (
	"time"

	"github.com/oakpki/oakpki/storage"
)

// ErrorResponse is the envelope for all error payloads.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitCSRRequest carries a PEM-encoded PKCS#10 request.
type SubmitCSRRequest struct {
	CSR string `json:"csr"`
}

// CSRResponse describes a stored signing request. The raw PEM is echoed
// back so callers can inspect what was recorded.
type CSRResponse struct {
	SerialNumber    string    `json:"serial_number"`
	TenantID        int       `json:"tenant_id"`
	Username        string    `json:"username"`
	UserStoreDomain string    `json:"user_store_domain"`
	CommonName      string    `json:"common_name"`
	Organization    string    `json:"organization,omitempty"`
	Status          string    `json:"status"`
	SubmittedAt     time.Time `json:"submitted_at"`
	CSR             string    `json:"csr,omitempty"`
}

func csrToAPI(csr *storage.CSR, includeRaw bool) CSRResponse {
	resp := CSRResponse{
		SerialNumber:    csr.SerialNumber,
		TenantID:        csr.TenantID,
		Username:        csr.Username,
		UserStoreDomain: csr.UserStoreDomain,
		CommonName:      csr.CommonName,
		Organization:    csr.Organization,
		Status:          string(csr.Status),
		SubmittedAt:     csr.SubmittedAt,
	}
	if includeRaw {
		resp.CSR = string(csr.RawRequest)
	}
	return resp
}

// SignCSRRequest controls issuance. ValidityDays must be positive.
type SignCSRRequest struct {
	ValidityDays int `json:"validity_days"`
}

// CertificateResponse describes an issued certificate. Certificate holds
// the PEM encoding of the signed certificate.
type CertificateResponse struct {
	SerialNumber    string    `json:"serial_number"`
	TenantID        int       `json:"tenant_id"`
	Username        string    `json:"username"`
	UserStoreDomain string    `json:"user_store_domain"`
	Status          string    `json:"status"`
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
	Certificate     string    `json:"certificate,omitempty"`
}

// RevokeRequest names an RFC 5280 reason code. Reason 8 (removeFromCRL)
// restores a revoked certificate to active.
type RevokeRequest struct {
	Reason int `json:"reason"`
}

// RevocationResponse reports the last recorded revocation reason for a
// serial number.
type RevocationResponse struct {
	SerialNumber string `json:"serial_number"`
	Reason       int    `json:"reason"`
}

// RotateRequest points the tenant at a new key store and alias.
type RotateRequest struct {
	KeyStore string `json:"key_store"`
	Alias    string `json:"alias"`
}

// RotateFailureResponse reports one certificate the cascade could not
// revoke.
type RotateFailureResponse struct {
	SerialNumber string `json:"serial_number"`
	Error        string `json:"error"`
}

// RotateResponse summarizes the revocation cascade after a key rotation.
type RotateResponse struct {
	Revoked []string                `json:"revoked"`
	Failed  []RotateFailureResponse `json:"failed,omitempty"`
}

// AliasesResponse lists the key aliases visible to the tenant, current
// signing pair first.
type AliasesResponse struct {
	Aliases []string `json:"aliases"`
}
