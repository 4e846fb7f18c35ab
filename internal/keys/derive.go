// Package keys owns the key-table master keys, per-index key derivation, and
// the assignment of tables to devices.
package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// ProtocolVersion identifies the derivation and canonical-payload contract
// shared with device implementations. Bump it on any change to either.
const ProtocolVersion = 1

// Context is the HKDF domain-separation string appended to the key index.
const Context = "Birthmark"

// MaxKeyIndex is the highest key index derivable from one table.
const MaxKeyIndex = 999

// KeysPerTable is the number of keys derivable from one master key.
const KeysPerTable = MaxKeyIndex + 1

// MaxTables is the largest pool whose every table id fits in a proof and in
// a camera certificate.
const MaxTables = tokencipher.MaxTableID + 1

// DerivedKeySize is the length of every derived key.
const DerivedKeySize = 32

// Derive returns the 32-byte key for index under master using the standard context.
func Derive(master []byte, index int) ([]byte, error) {
	return DeriveWithContext(master, index, Context)
}

// DeriveWithContext runs HKDF-SHA256 with a nil salt and
// info = big-endian uint32(index) || context.
func DeriveWithContext(master []byte, index int, context string) ([]byte, error) {
	if len(master) != models.MasterKeySize {
		return nil, errors.NewValidationError("master_key",
			fmt.Sprintf("must be %d bytes, got %d", models.MasterKeySize, len(master)))
	}
	if index < 0 || index > MaxKeyIndex {
		return nil, errors.NewValidationError("key_index",
			fmt.Sprintf("must be between 0 and %d, got %d", MaxKeyIndex, index))
	}

	info := make([]byte, 4, 4+len(context))
	binary.BigEndian.PutUint32(info, uint32(index))
	info = append(info, context...)

	reader := hkdf.New(sha256.New, master, nil, info)
	derived := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// VerifyDerived reports whether expected equals the key derived for index.
func VerifyDerived(master []byte, index int, expected []byte) bool {
	derived, err := Derive(master, index)
	if err != nil {
		return false
	}
	return bytes.Equal(derived, expected)
}

// TestVector is a fixed derivation input/output pair. Device implementations
// check themselves against the same list.
type TestVector struct {
	Name      string `json:"name"`
	MasterKey string `json:"master_key"`
	KeyIndex  int    `json:"key_index"`
	Expected  string `json:"expected_key"`
}

// TestVectors returns the published derivation vectors. The values never change.
func TestVectors() []TestVector {
	return []TestVector{
		{
			Name:      "sequential-master-index-0",
			MasterKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			KeyIndex:  0,
			Expected:  "d699c89dd9100a7ca7305be1afec0c2fcaa3ad2a0038e90218e52e52adae9af9",
		},
		{
			Name:      "sequential-master-index-1",
			MasterKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			KeyIndex:  1,
			Expected:  "d44d583c2d7a9fe8287f5b9b964bb1904078c7bb5ab5dde54018d55a2aae0b84",
		},
		{
			Name:      "max-master-max-index",
			MasterKey: "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			KeyIndex:  999,
			Expected:  "ad3c454a3fe61dc48b070209137f758e30977c749259bd9bab7f9ab51316a721",
		},
		{
			Name:      "zero-master-mid-index",
			MasterKey: "0000000000000000000000000000000000000000000000000000000000000000",
			KeyIndex:  500,
			Expected:  "2692f4e706fade25db02413d0897937204e16751f6d9ec480beec2d98401aa4b",
		},
		{
			Name:      "zero-master-index-0",
			MasterKey: "0000000000000000000000000000000000000000000000000000000000000000",
			KeyIndex:  0,
			Expected:  "d5bd264ea28a51c944e81eb31eab7d755623cd7bba2c0cf5253f2668ce870b38",
		},
	}
}

// VectorResult is the outcome of checking one TestVector.
type VectorResult struct {
	TestVector
	Actual string `json:"actual_key"`
	Passed bool   `json:"passed"`
}

// VerifyTestVectors derives every published vector and compares it.
func VerifyTestVectors() ([]VectorResult, error) {
	vectors := TestVectors()
	results := make([]VectorResult, 0, len(vectors))
	for _, v := range vectors {
		master, err := hex.DecodeString(v.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", v.Name, err)
		}
		derived, err := Derive(master, v.KeyIndex)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", v.Name, err)
		}
		actual := hex.EncodeToString(derived)
		results = append(results, VectorResult{TestVector: v, Actual: actual, Passed: actual == v.Expected})
	}
	return results, nil
}
