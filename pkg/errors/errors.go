// Package errors defines custom error types for the Birthmark authority.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error cases.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("access forbidden")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("resource conflict")
	ErrInternalError      = errors.New("internal error")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Key tables
	ErrAlreadyInitialized = errors.New("key tables already initialized")
	ErrInsufficientTables = errors.New("insufficient key tables available")
	ErrUnknownTable       = errors.New("unknown key table")

	// Token validation
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrNotAssignedToTable   = errors.New("device not assigned to table")
	ErrBlacklisted          = errors.New("device blacklisted")

	// Registry
	ErrAlreadyProvisioned = errors.New("device already provisioned")
	ErrSecretCollision    = errors.New("device secret collision")

	// Certificates
	ErrInvalidEncoding     = errors.New("invalid certificate encoding")
	ErrUntrustedChain      = errors.New("certificate not issued by trusted authority")
	ErrCertificateExpired  = errors.New("certificate expired or not yet valid")
	ErrMissingExtension    = errors.New("certificate extension missing")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrVersionNotAllowed   = errors.New("software version not allowed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	ErrIssuerNotConfigured = errors.New("certificate issuer not configured")
)

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// ValidationError represents a validation error with field-specific details.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// Unwrap lets callers match validation errors against ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ExtensionError reports a malformed or out-of-range certificate extension.
type ExtensionError struct {
	OID   string
	Cause error
}

func (e *ExtensionError) Error() string {
	return fmt.Sprintf("extension %s: %v", e.OID, e.Cause)
}

func (e *ExtensionError) Unwrap() error {
	return e.Cause
}

// NewExtensionError creates a new extension error.
func NewExtensionError(oid string, cause error) *ExtensionError {
	return &ExtensionError{OID: oid, Cause: cause}
}

// StorageError wraps a persistence failure. It always matches ErrStorageUnavailable.
type StorageError struct {
	Operation string
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation '%s' failed: %v", e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Cause}
}

// NewStorageError creates a new storage error.
func NewStorageError(operation string, cause error) *StorageError {
	return &StorageError{Operation: operation, Cause: cause}
}
