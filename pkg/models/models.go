// Package models defines the core domain types for the Birthmark authority.
package models

import (
	"time"
)

// MasterKeySize is the length in bytes of a key table master key.
const MasterKeySize = 32

// SecretSize is the length in bytes of a device secret.
const SecretSize = 32

// TablesPerDevice is the number of key tables assigned to every device.
const TablesPerDevice = 3

// MasterKey backs one key table. Immutable once generated.
type MasterKey struct {
	TableID   int       `json:"table_id"`
	Key       []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceRecord is the registry entry for a provisioned device.
type DeviceRecord struct {
	Serial           string     `json:"device_serial"`
	Secret           []byte     `json:"-"`
	TableAssignments []int      `json:"table_assignments"`
	Certificate      []byte     `json:"certificate,omitempty"`
	PublicKey        []byte     `json:"public_key,omitempty"`
	DeviceFamily     string     `json:"device_family"`
	ProvisionedAt    time.Time  `json:"provisioned_at"`
	IsBlacklisted    bool       `json:"is_blacklisted"`
	BlacklistedAt    *time.Time `json:"blacklisted_at,omitempty"`
	BlacklistReason  string     `json:"blacklist_reason,omitempty"`
}

// HasTable reports whether tableID is one of the device's assigned tables.
func (d *DeviceRecord) HasTable(tableID int) bool {
	for _, t := range d.TableAssignments {
		if t == tableID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (d *DeviceRecord) Clone() *DeviceRecord {
	if d == nil {
		return nil
	}
	c := *d
	c.Secret = append([]byte(nil), d.Secret...)
	c.TableAssignments = append([]int(nil), d.TableAssignments...)
	c.Certificate = append([]byte(nil), d.Certificate...)
	c.PublicKey = append([]byte(nil), d.PublicKey...)
	if d.BlacklistedAt != nil {
		at := *d.BlacklistedAt
		c.BlacklistedAt = &at
	}
	return &c
}

// SubmissionResult is the outcome of a validation attempt.
type SubmissionResult string

const (
	SubmissionPass SubmissionResult = "pass"
	SubmissionFail SubmissionResult = "fail"
)

// SubmissionRecord is one entry of the append-only submission log.
type SubmissionRecord struct {
	DeviceSerial string           `json:"device_serial"`
	Timestamp    time.Time        `json:"timestamp"`
	Result       SubmissionResult `json:"validation_result"`
}

// AuditEventType represents the type of authority mutation being audited.
type AuditEventType string

const (
	AuditEventTypeTablesGenerated   AuditEventType = "tables.generate"
	AuditEventTypeDeviceProvisioned AuditEventType = "device.provision"
	AuditEventTypeSoftwareIssued    AuditEventType = "software.issue"
	AuditEventTypeDeviceBlacklisted AuditEventType = "device.blacklist"
	AuditEventTypeDeviceRestored    AuditEventType = "device.unblacklist"
	AuditEventTypeAbuseCheck        AuditEventType = "abuse.check"
)

// AuditEventResult represents the result of an audited operation.
type AuditEventResult string

const (
	AuditEventResultSuccess AuditEventResult = "success"
	AuditEventResultError   AuditEventResult = "error"
	AuditEventResultDenied  AuditEventResult = "denied"
)

// AuditEvent represents an immutable audit log entry. Events form a hash
// chain ordered by Sequence.
type AuditEvent struct {
	ID        string           `json:"id"`
	Sequence  int64            `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	EventType AuditEventType   `json:"event_type"`
	Actor     string           `json:"actor"`
	Subject   string           `json:"subject,omitempty"`
	Result    AuditEventResult `json:"result"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	DataHash  string           `json:"data_hash"`
	PrevHash  string           `json:"prev_hash"`
	ChainHash string           `json:"chain_hash"`
}
