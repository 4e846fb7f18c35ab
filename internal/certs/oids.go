// Package certs issues, parses and validates Birthmark device certificates.
//
// Camera and software certificates carry custom non-critical extensions under
// the 1.3.6.1.4.1.60000 arc. Their values are raw bytes: UTF-8 strings,
// 2-byte big-endian integers, the 60-byte encrypted secret, and a
// comma-separated version list. The layout is frozen: changing it invalidates
// every certificate already issued.
package certs

import (
	"encoding/asn1"
)

var (
	// OIDBirthmark is the root of all Birthmark extensions.
	OIDBirthmark = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000}

	OIDManufacturerID  = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 1, 1}
	OIDMAEndpoint      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 1, 2}
	OIDEncryptedSecret = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 1, 3}
	OIDKeyTableID      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 1, 4}
	OIDKeyIndex        = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 1, 5}
	OIDDeviceFamily    = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 1, 6}

	OIDDeveloperID     = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 2, 1}
	OIDSAEndpoint      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 2, 2}
	OIDAppIdentifier   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 2, 3}
	OIDVersionString   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 2, 4}
	OIDAllowedVersions = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 60000, 2, 5}
)

// CameraOIDs lists every camera extension in encoding order.
var CameraOIDs = []asn1.ObjectIdentifier{
	OIDManufacturerID, OIDMAEndpoint, OIDEncryptedSecret,
	OIDKeyTableID, OIDKeyIndex, OIDDeviceFamily,
}

// SoftwareOIDs lists every software extension in encoding order.
var SoftwareOIDs = []asn1.ObjectIdentifier{
	OIDDeveloperID, OIDSAEndpoint, OIDAppIdentifier,
	OIDVersionString, OIDAllowedVersions,
}

var oidNames = map[string]string{
	OIDManufacturerID.String():  "manufacturer_id",
	OIDMAEndpoint.String():      "ma_endpoint",
	OIDEncryptedSecret.String(): "encrypted_secret",
	OIDKeyTableID.String():      "key_table_id",
	OIDKeyIndex.String():        "key_index",
	OIDDeviceFamily.String():    "device_family",
	OIDDeveloperID.String():     "developer_id",
	OIDSAEndpoint.String():      "sa_endpoint",
	OIDAppIdentifier.String():   "app_identifier",
	OIDVersionString.String():   "version_string",
	OIDAllowedVersions.String(): "allowed_versions",
}

// OIDName returns the field name for a Birthmark OID, or its dotted form.
func OIDName(oid asn1.ObjectIdentifier) string {
	if name, ok := oidNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

func isBirthmarkOID(oid asn1.ObjectIdentifier) bool {
	if len(oid) <= len(OIDBirthmark) {
		return false
	}
	return oid[:len(OIDBirthmark)].Equal(OIDBirthmark)
}
