package certs

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-version"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

const (
	// MaxStringLength bounds every string extension.
	MaxStringLength = 255
	// MaxKeyTableID is the highest table id a certificate may embed.
	MaxKeyTableID = tokencipher.MaxTableID
	// MaxKeyIndex is the highest key index a certificate may embed.
	MaxKeyIndex = tokencipher.MaxKeyIndex
	// EncryptedSecretSize is the length of the embedded secret blob.
	EncryptedSecretSize = tokencipher.PackedSize
)

// Kind distinguishes the two certificate variants.
type Kind string

const (
	KindCamera   Kind = "camera"
	KindSoftware Kind = "software"
)

// CameraExtensions are carried by camera certificates.
type CameraExtensions struct {
	ManufacturerID  string `json:"manufacturer_id"`
	MAEndpoint      string `json:"ma_endpoint"`
	EncryptedSecret []byte `json:"encrypted_secret"`
	KeyTableID      int    `json:"key_table_id"`
	KeyIndex        int    `json:"key_index"`
	DeviceFamily    string `json:"device_family"`
}

// SoftwareExtensions are carried by software certificates.
type SoftwareExtensions struct {
	DeveloperID     string   `json:"developer_id"`
	SAEndpoint      string   `json:"sa_endpoint"`
	AppIdentifier   string   `json:"app_identifier"`
	VersionString   string   `json:"version_string"`
	AllowedVersions []string `json:"allowed_versions"`
}

// Extensions holds exactly one of Camera or Software, selected by Kind.
type Extensions struct {
	Kind     Kind                `json:"kind"`
	Camera   *CameraExtensions   `json:"camera,omitempty"`
	Software *SoftwareExtensions `json:"software,omitempty"`
}

// Validate checks every camera field.
func (c *CameraExtensions) Validate() error {
	if err := checkString(OIDManufacturerID, c.ManufacturerID); err != nil {
		return err
	}
	if err := checkEndpoint(OIDMAEndpoint, c.MAEndpoint); err != nil {
		return err
	}
	if len(c.EncryptedSecret) != EncryptedSecretSize {
		return invalid(OIDEncryptedSecret, "must be %d bytes, got %d", EncryptedSecretSize, len(c.EncryptedSecret))
	}
	if c.KeyTableID < 0 || c.KeyTableID > MaxKeyTableID {
		return invalid(OIDKeyTableID, "must be between 0 and %d, got %d", MaxKeyTableID, c.KeyTableID)
	}
	if c.KeyIndex < 0 || c.KeyIndex > MaxKeyIndex {
		return invalid(OIDKeyIndex, "must be between 0 and %d, got %d", MaxKeyIndex, c.KeyIndex)
	}
	return checkString(OIDDeviceFamily, c.DeviceFamily)
}

// Validate checks every software field.
func (s *SoftwareExtensions) Validate() error {
	if err := checkString(OIDDeveloperID, s.DeveloperID); err != nil {
		return err
	}
	if err := checkEndpoint(OIDSAEndpoint, s.SAEndpoint); err != nil {
		return err
	}
	if err := checkString(OIDAppIdentifier, s.AppIdentifier); err != nil {
		return err
	}
	if !strings.Contains(s.AppIdentifier, ".") {
		return invalid(OIDAppIdentifier, "must use reverse domain notation")
	}
	if err := checkString(OIDVersionString, s.VersionString); err != nil {
		return err
	}
	if _, err := version.NewVersion(s.VersionString); err != nil {
		return invalid(OIDVersionString, "not a version: %v", err)
	}
	if len(s.AllowedVersions) == 0 {
		return invalid(OIDAllowedVersions, "must not be empty")
	}
	for _, v := range s.AllowedVersions {
		if strings.TrimSpace(v) == "" || strings.Contains(v, ",") {
			return invalid(OIDAllowedVersions, "invalid entry %q", v)
		}
	}
	return nil
}

// VersionAllowed reports whether VersionString satisfies one of
// AllowedVersions. Entries are exact versions or constraints such as ">= 1.2".
func (s *SoftwareExtensions) VersionAllowed() bool {
	return VersionAllowed(s.VersionString, s.AllowedVersions)
}

// VersionAllowed reports whether v matches any entry of allowed.
func VersionAllowed(v string, allowed []string) bool {
	current, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if exact, err := version.NewVersion(entry); err == nil {
			if exact.Equal(current) {
				return true
			}
			continue
		}
		if c, err := version.NewConstraint(entry); err == nil && c.Check(current) {
			return true
		}
	}
	return false
}

func (c *CameraExtensions) encode() ([]pkix.Extension, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []pkix.Extension{
		{Id: OIDManufacturerID, Value: []byte(c.ManufacturerID)},
		{Id: OIDMAEndpoint, Value: []byte(c.MAEndpoint)},
		{Id: OIDEncryptedSecret, Value: append([]byte(nil), c.EncryptedSecret...)},
		{Id: OIDKeyTableID, Value: encodeUint16(c.KeyTableID)},
		{Id: OIDKeyIndex, Value: encodeUint16(c.KeyIndex)},
		{Id: OIDDeviceFamily, Value: []byte(c.DeviceFamily)},
	}, nil
}

func (s *SoftwareExtensions) encode() ([]pkix.Extension, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	trimmed := make([]string, len(s.AllowedVersions))
	for i, v := range s.AllowedVersions {
		trimmed[i] = strings.TrimSpace(v)
	}
	return []pkix.Extension{
		{Id: OIDDeveloperID, Value: []byte(s.DeveloperID)},
		{Id: OIDSAEndpoint, Value: []byte(s.SAEndpoint)},
		{Id: OIDAppIdentifier, Value: []byte(s.AppIdentifier)},
		{Id: OIDVersionString, Value: []byte(s.VersionString)},
		{Id: OIDAllowedVersions, Value: []byte(strings.Join(trimmed, ","))},
	}, nil
}

// rawExtensions maps dotted OIDs to extension values.
type rawExtensions map[string][]byte

func collectExtensions(exts []pkix.Extension) (rawExtensions, error) {
	raw := make(rawExtensions)
	for _, ext := range exts {
		if !isBirthmarkOID(ext.Id) {
			continue
		}
		key := ext.Id.String()
		if _, dup := raw[key]; dup {
			return nil, invalid(ext.Id, "duplicate extension")
		}
		raw[key] = ext.Value
	}
	return raw, nil
}

func (r rawExtensions) has(oids []asn1.ObjectIdentifier) bool {
	for _, oid := range oids {
		if _, ok := r[oid.String()]; ok {
			return true
		}
	}
	return false
}

func (r rawExtensions) bytes(oid asn1.ObjectIdentifier) ([]byte, error) {
	v, ok := r[oid.String()]
	if !ok {
		return nil, errors.NewExtensionError(OIDName(oid), errors.ErrMissingExtension)
	}
	return v, nil
}

func (r rawExtensions) string(oid asn1.ObjectIdentifier) (string, error) {
	v, err := r.bytes(oid)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(v) {
		return "", invalid(oid, "not valid UTF-8")
	}
	return string(v), nil
}

func (r rawExtensions) uint16(oid asn1.ObjectIdentifier) (int, error) {
	v, err := r.bytes(oid)
	if err != nil {
		return 0, err
	}
	if len(v) != 2 {
		return 0, invalid(oid, "must be 2 bytes, got %d", len(v))
	}
	return int(binary.BigEndian.Uint16(v)), nil
}

// decode turns raw extension values into a typed variant. Missing extensions
// wrap ErrMissingExtension; malformed ones wrap ErrInvalidEncoding.
func (r rawExtensions) decode() (*Extensions, error) {
	camera, software := r.has(CameraOIDs), r.has(SoftwareOIDs)
	switch {
	case camera && software:
		return nil, errors.NewExtensionError(OIDBirthmark.String(),
			fmt.Errorf("%w: camera and software extensions both present", errors.ErrInvalidEncoding))
	case camera:
		c, err := r.decodeCamera()
		if err != nil {
			return nil, err
		}
		return &Extensions{Kind: KindCamera, Camera: c}, nil
	case software:
		s, err := r.decodeSoftware()
		if err != nil {
			return nil, err
		}
		return &Extensions{Kind: KindSoftware, Software: s}, nil
	default:
		return nil, errors.NewExtensionError(OIDBirthmark.String(), errors.ErrMissingExtension)
	}
}

func (r rawExtensions) decodeCamera() (*CameraExtensions, error) {
	var (
		c   CameraExtensions
		err error
	)
	if c.ManufacturerID, err = r.string(OIDManufacturerID); err != nil {
		return nil, err
	}
	if c.MAEndpoint, err = r.string(OIDMAEndpoint); err != nil {
		return nil, err
	}
	secret, err := r.bytes(OIDEncryptedSecret)
	if err != nil {
		return nil, err
	}
	c.EncryptedSecret = append([]byte(nil), secret...)
	if c.KeyTableID, err = r.uint16(OIDKeyTableID); err != nil {
		return nil, err
	}
	if c.KeyIndex, err = r.uint16(OIDKeyIndex); err != nil {
		return nil, err
	}
	if c.DeviceFamily, err = r.string(OIDDeviceFamily); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r rawExtensions) decodeSoftware() (*SoftwareExtensions, error) {
	var (
		s   SoftwareExtensions
		err error
	)
	if s.DeveloperID, err = r.string(OIDDeveloperID); err != nil {
		return nil, err
	}
	if s.SAEndpoint, err = r.string(OIDSAEndpoint); err != nil {
		return nil, err
	}
	if s.AppIdentifier, err = r.string(OIDAppIdentifier); err != nil {
		return nil, err
	}
	if s.VersionString, err = r.string(OIDVersionString); err != nil {
		return nil, err
	}
	allowed, err := r.string(OIDAllowedVersions)
	if err != nil {
		return nil, err
	}
	for _, v := range strings.Split(allowed, ",") {
		s.AllowedVersions = append(s.AllowedVersions, strings.TrimSpace(v))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func checkString(oid asn1.ObjectIdentifier, s string) error {
	if s == "" {
		return invalid(oid, "must not be empty")
	}
	if len(s) > MaxStringLength {
		return invalid(oid, "must be at most %d bytes", MaxStringLength)
	}
	return nil
}

func checkEndpoint(oid asn1.ObjectIdentifier, s string) error {
	if err := checkString(oid, s); err != nil {
		return err
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return invalid(oid, "must be an http or https URL")
	}
	return nil
}

func encodeUint16(v int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return b
}

func invalid(oid asn1.ObjectIdentifier, format string, args ...any) error {
	return errors.NewExtensionError(OIDName(oid),
		fmt.Errorf("%w: %s", errors.ErrInvalidEncoding, fmt.Sprintf(format, args...)))
}
