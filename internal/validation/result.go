// Package validation decides whether a device proof is genuine and which
// registered device produced it.
package validation

import (
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

// ReasonCode is the stable, caller-visible failure code.
type ReasonCode string

const (
	ReasonNone                 ReasonCode = ""
	ReasonInvalidInput         ReasonCode = "invalid_input"
	ReasonUnsupportedProtocol  ReasonCode = "unsupported_protocol"
	ReasonUnknownTable         ReasonCode = "unknown_table"
	ReasonAuthenticationFailed ReasonCode = "authentication_failed"
	ReasonUnknownDevice        ReasonCode = "unknown_device"
	ReasonNotAssignedToTable   ReasonCode = "not_assigned_to_table"
	ReasonBlacklisted          ReasonCode = "blacklisted"
	ReasonInvalidEncoding      ReasonCode = "invalid_encoding"
	ReasonUntrustedChain       ReasonCode = "untrusted_chain"
	ReasonExpired              ReasonCode = "expired_or_not_yet_valid"
	ReasonMissingExtension     ReasonCode = "missing_extension"
	ReasonInvalidSignature     ReasonCode = "invalid_signature"
	ReasonVersionNotAllowed    ReasonCode = "version_not_allowed"
	ReasonInternalError        ReasonCode = "internal_error"
)

var reasonErrors = []struct {
	err    error
	reason ReasonCode
}{
	{errors.ErrUnsupportedProtocol, ReasonUnsupportedProtocol},
	{errors.ErrUnknownTable, ReasonUnknownTable},
	{errors.ErrAuthenticationFailed, ReasonAuthenticationFailed},
	{errors.ErrUnknownDevice, ReasonUnknownDevice},
	{errors.ErrNotAssignedToTable, ReasonNotAssignedToTable},
	{errors.ErrBlacklisted, ReasonBlacklisted},
	{errors.ErrInvalidEncoding, ReasonInvalidEncoding},
	{errors.ErrUntrustedChain, ReasonUntrustedChain},
	{errors.ErrCertificateExpired, ReasonExpired},
	{errors.ErrMissingExtension, ReasonMissingExtension},
	{errors.ErrInvalidSignature, ReasonInvalidSignature},
	{errors.ErrVersionNotAllowed, ReasonVersionNotAllowed},
	{errors.ErrInvalidInput, ReasonInvalidInput},
}

// ReasonFor maps an error to its reason code.
func ReasonFor(err error) ReasonCode {
	if err == nil {
		return ReasonNone
	}
	for _, re := range reasonErrors {
		if errors.Is(err, re.err) {
			return re.reason
		}
	}
	return ReasonInternalError
}

// Err returns the sentinel error behind a reason code, or nil for ReasonNone.
func (r ReasonCode) Err() error {
	if r == ReasonNone {
		return nil
	}
	for _, re := range reasonErrors {
		if re.reason == r {
			return re.err
		}
	}
	return errors.ErrInternalError
}

// Message returns the human-readable description of r.
func (r ReasonCode) Message() string {
	switch r {
	case ReasonNone:
		return "valid"
	case ReasonInvalidInput:
		return "malformed request"
	case ReasonUnsupportedProtocol:
		return "unsupported protocol version"
	case ReasonUnknownTable:
		return "key table does not exist"
	case ReasonAuthenticationFailed:
		return "token failed authentication"
	case ReasonUnknownDevice:
		return "device is not registered"
	case ReasonNotAssignedToTable:
		return "device is not assigned to this key table"
	case ReasonBlacklisted:
		return "device is blacklisted"
	case ReasonInvalidEncoding:
		return "certificate could not be parsed"
	case ReasonUntrustedChain:
		return "certificate was not issued by a trusted authority"
	case ReasonExpired:
		return "certificate is expired or not yet valid"
	case ReasonMissingExtension:
		return "certificate is missing a required extension"
	case ReasonInvalidSignature:
		return "bundle signature is invalid"
	case ReasonVersionNotAllowed:
		return "software version is not allowed"
	default:
		return "internal error"
	}
}

// Result is the outcome of one validation.
type Result struct {
	Valid           bool       `json:"valid"`
	Reason          ReasonCode `json:"reason,omitempty"`
	Message         string     `json:"message"`
	DeviceSerial    string     `json:"device_serial,omitempty"`
	DeviceFamily    string     `json:"device_family,omitempty"`
	TableID         int        `json:"table_id"`
	BlacklistReason string     `json:"blacklist_reason,omitempty"`
}

// Pass builds a successful result.
func Pass(serial, family string, tableID int) Result {
	return Result{
		Valid:        true,
		Message:      ReasonNone.Message(),
		DeviceSerial: serial,
		DeviceFamily: family,
		TableID:      tableID,
	}
}

// Fail builds a failed result for reason.
func Fail(reason ReasonCode) Result {
	return Result{Reason: reason, Message: reason.Message()}
}

// Public strips identity fields, leaving only what a device may see.
func (r Result) Public() Result {
	return Result{Valid: r.Valid, Reason: r.Reason, Message: r.Message, TableID: r.TableID}
}
