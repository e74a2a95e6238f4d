package api

import (
	"encoding/pem"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oakpki/oakpki/ca"
	"github.com/oakpki/oakpki/storage"
)

func certToAPI(cert *storage.Certificate, includePEM bool) CertificateResponse {
	resp := CertificateResponse{
		SerialNumber:    cert.SerialNumber,
		TenantID:        cert.TenantID,
		Username:        cert.Username,
		UserStoreDomain: cert.UserStoreDomain,
		Status:          string(cert.Status),
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
	}
	if includePEM {
		resp.Certificate = string(pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.DER,
		}))
	}
	return resp
}

// SubmitCSR handles POST /csrs.
// Stores a PEM-encoded PKCS#10 request as Pending for the caller's tenant.
func (a *API) SubmitCSR(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	req, ok := decodeJSON[SubmitCSRRequest](w, r, maxCSRBodySize)
	if !ok {
		return
	}
	if req.CSR == "" {
		writeError(w, http.StatusBadRequest, "csr is required")
		return
	}

	csr, err := a.svc.SubmitCSR(r.Context(), id, []byte(req.CSR))
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCSRSubmitted, r, id,
		slog.String("serial_number", csr.SerialNumber),
		slog.String("common_name", csr.CommonName))
	writeJSON(w, http.StatusCreated, csrToAPI(csr, false))
}

// GetCSR handles GET /csrs/{serial}.
func (a *API) GetCSR(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	csr, err := a.svc.GetCSR(r.Context(), id, serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, csrToAPI(csr, true))
}

// ListCSRs handles GET /csrs.
// Optional query filters: status, requester, common_name, organization.
func (a *API) ListCSRs(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	filter := ca.CSRFilter{
		Status:       storage.CSRStatus(r.URL.Query().Get("status")),
		Requester:    r.URL.Query().Get("requester"),
		CommonName:   r.URL.Query().Get("common_name"),
		Organization: r.URL.Query().Get("organization"),
	}

	csrs, err := a.svc.ListCSRs(r.Context(), id, filter)
	if err != nil {
		mapError(w, err)
		return
	}

	out := make([]CSRResponse, 0, len(csrs))
	for _, csr := range csrs {
		out = append(out, csrToAPI(csr, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteCSR handles DELETE /csrs/{serial}.
func (a *API) DeleteCSR(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	if err := a.svc.DeleteCSR(r.Context(), id, serial); err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCSRDeleted, r, id, slog.String("serial_number", serial))
	w.WriteHeader(http.StatusNoContent)
}

// SignCSR handles POST /csrs/{serial}/sign.
// Issues a certificate from a Pending CSR and returns the signed PEM.
func (a *API) SignCSR(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	req, ok := decodeJSON[SignCSRRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.ValidityDays <= 0 {
		writeError(w, http.StatusBadRequest, "validity_days must be positive")
		return
	}

	cert, err := a.svc.SignCSR(r.Context(), id, serial, req.ValidityDays)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCSRSigned, r, id,
		slog.String("serial_number", serial),
		slog.Int("validity_days", req.ValidityDays))
	writeJSON(w, http.StatusCreated, certToAPI(cert, true))
}

// RejectCSR handles POST /csrs/{serial}/reject.
func (a *API) RejectCSR(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	if err := a.svc.RejectCSR(r.Context(), id, serial); err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCSRRejected, r, id, slog.String("serial_number", serial))
	w.WriteHeader(http.StatusNoContent)
}

// GetCertificate handles GET /certificates/{serial}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	cert, err := a.svc.GetCertificate(r.Context(), id, serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certToAPI(cert, true))
}

// ListCertificates handles GET /certificates.
// Optional query filter: status (ACTIVE or REVOKED).
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	status := storage.CertStatus(r.URL.Query().Get("status"))
	certs, err := a.svc.ListCertificates(r.Context(), id, status)
	if err != nil {
		mapError(w, err)
		return
	}

	out := make([]CertificateResponse, 0, len(certs))
	for _, cert := range certs {
		out = append(out, certToAPI(cert, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeCertificate handles POST /certificates/{serial}/revoke.
// Reason 8 (removeFromCRL) restores the certificate to active.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	req, ok := decodeJSON[RevokeRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}

	if err := a.svc.Revoke(r.Context(), id, serial, req.Reason); err != nil {
		mapError(w, err)
		return
	}

	event := AuditCertRevoked
	if req.Reason == ca.ReasonRemoveFromCRL {
		event = AuditCertRestored
	}
	a.audit.log(event, r, id,
		slog.String("serial_number", serial),
		slog.Int("reason", req.Reason))
	w.WriteHeader(http.StatusNoContent)
}

// GetRevocationReason handles GET /certificates/{serial}/revocation.
func (a *API) GetRevocationReason(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	serial := chi.URLParam(r, "serial")

	reason, err := a.svc.RevocationReason(r.Context(), id, serial)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RevocationResponse{
		SerialNumber: serial,
		Reason:       reason,
	})
}

// RotateSigningKey handles POST /keystore/rotate.
// Points the tenant at a new signing pair and reports the revocation
// cascade over previously issued certificates.
func (a *API) RotateSigningKey(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	req, ok := decodeJSON[RotateRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.KeyStore == "" || req.Alias == "" {
		writeError(w, http.StatusBadRequest, "key_store and alias are required")
		return
	}

	result, err := a.svc.RotateSigningKey(r.Context(), id, req.KeyStore, req.Alias)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := RotateResponse{Revoked: result.Succeeded}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, RotateFailureResponse{
			SerialNumber: f.SerialNumber,
			Error:        f.Err.Error(),
		})
	}
	a.audit.log(AuditKeyRotated, r, id,
		slog.String("key_store", req.KeyStore),
		slog.String("alias", req.Alias),
		slog.Int("revoked", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)))
	writeJSON(w, http.StatusOK, resp)
}

// ListKeyAliases handles GET /keystore/aliases.
func (a *API) ListKeyAliases(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())

	aliases, err := a.svc.ListKeyAliases(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AliasesResponse{Aliases: aliases})
}

// GetCRL handles GET /ca/crl/{tenantID}.
// Serves the tenant's stored full CRL, or the delta when ?delta=1.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.Atoi(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tenant ID")
		return
	}

	kind := storage.CRLFull
	if r.URL.Query().Get("delta") == "1" {
		kind = storage.CRLDelta
	}

	crl, err := a.crls.GetCRL(tenantID, kind)
	if err != nil {
		mapError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Header().Set("Last-Modified", crl.ThisUpdate.UTC().Format(http.TimeFormat))
	w.Write(crl.DER)
}

// OCSP handles POST /ca/ocsp/{tenantID}.
// The AIA extension in issued certificates points here; responder support
// is not implemented yet.
func (a *API) OCSP(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "OCSP responder not implemented")
}
