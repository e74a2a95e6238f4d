package ca

import "errors"

var (
	// ErrNotPending is returned when signing or rejecting a CSR whose
	// status is no longer Pending. CSR status is monotonic: once Signed or
	// Rejected it never transitions again.
	ErrNotPending = errors.New("csr is not pending")

	// ErrCrypto is returned when extension construction or certificate
	// signing fails due to malformed key or request material.
	ErrCrypto = errors.New("cryptographic operation failed")

	// ErrInvalidSerial is returned when a serial number is not a decimal
	// integer.
	ErrInvalidSerial = errors.New("serial number is not a decimal integer")

	// ErrInvalidReason is returned when a revocation reason code is outside
	// the supported set.
	ErrInvalidReason = errors.New("unsupported revocation reason code")
)
