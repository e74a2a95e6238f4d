package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oakpki/oakpki/ca"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCSRSubmitted AuditEvent = "csr_submitted"
	AuditCSRSigned    AuditEvent = "csr_signed"
	AuditCSRRejected  AuditEvent = "csr_rejected"
	AuditCSRDeleted   AuditEvent = "csr_deleted"
	AuditCertRevoked  AuditEvent = "cert_revoked"
	AuditCertRestored AuditEvent = "cert_restored"
	AuditKeyRotated   AuditEvent = "key_rotated"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Each entry carries a fresh
// event ID so downstream collectors can dedupe on retries.
func (al *auditLogger) log(event AuditEvent, r *http.Request, id ca.Identity, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", uuid.NewString()),
		slog.Int("tenant_id", id.TenantID),
		slog.String("username", id.Username),
		slog.String("user_store_domain", id.UserStoreDomain),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}
