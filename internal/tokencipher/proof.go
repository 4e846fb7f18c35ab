package tokencipher

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

// MaxTableID is the highest table id a proof may reference.
const MaxTableID = 2499

// MaxKeyIndex is the highest key index a proof may reference.
const MaxKeyIndex = 999

// EncryptedProof is a device secret sealed under a key derived from one of
// the device's tables.
type EncryptedProof struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	TableID    int
	KeyIndex   int
	// ProtocolVersion is zero when the device did not send one.
	ProtocolVersion int
}

// ProofRequest is the hex wire form of an EncryptedProof.
type ProofRequest struct {
	Ciphertext      string `json:"ciphertext"`
	Nonce           string `json:"nonce"`
	AuthTag         string `json:"auth_tag"`
	TableID         int    `json:"table_id"`
	KeyIndex        int    `json:"key_index"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`
}

// Validate checks sizes and ranges without any cryptographic work.
func (p *EncryptedProof) Validate() error {
	switch {
	case len(p.Ciphertext) != PlaintextSize:
		return errors.NewValidationError("ciphertext", fmt.Sprintf("must be %d bytes", PlaintextSize))
	case len(p.Nonce) != NonceSize:
		return errors.NewValidationError("nonce", fmt.Sprintf("must be %d bytes", NonceSize))
	case len(p.Tag) != TagSize:
		return errors.NewValidationError("auth_tag", fmt.Sprintf("must be %d bytes", TagSize))
	case p.TableID < 0 || p.TableID > MaxTableID:
		return errors.NewValidationError("table_id", fmt.Sprintf("must be between 0 and %d", MaxTableID))
	case p.KeyIndex < 0 || p.KeyIndex > MaxKeyIndex:
		return errors.NewValidationError("key_index", fmt.Sprintf("must be between 0 and %d", MaxKeyIndex))
	}
	return nil
}

// Decode converts the wire form into a validated proof.
func (r *ProofRequest) Decode() (*EncryptedProof, error) {
	ct, err := decodeHex("ciphertext", r.Ciphertext)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeHex("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	tag, err := decodeHex("auth_tag", r.AuthTag)
	if err != nil {
		return nil, err
	}
	p := &EncryptedProof{
		Ciphertext:      ct,
		Nonce:           nonce,
		Tag:             tag,
		TableID:         r.TableID,
		KeyIndex:        r.KeyIndex,
		ProtocolVersion: r.ProtocolVersion,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Request returns the wire form of p.
func (p *EncryptedProof) Request() ProofRequest {
	return ProofRequest{
		Ciphertext:      hex.EncodeToString(p.Ciphertext),
		Nonce:           hex.EncodeToString(p.Nonce),
		AuthTag:         hex.EncodeToString(p.Tag),
		TableID:         p.TableID,
		KeyIndex:        p.KeyIndex,
		ProtocolVersion: p.ProtocolVersion,
	}
}

// NewProof seals secret under key and labels it with the table and index the
// key was derived from.
func NewProof(secret, key []byte, tableID, keyIndex int) (*EncryptedProof, error) {
	sealed, err := Encrypt(secret, key)
	if err != nil {
		return nil, err
	}
	return &EncryptedProof{
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		TableID:    tableID,
		KeyIndex:   keyIndex,
	}, nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.NewValidationError(field, "must be hex encoded")
	}
	return b, nil
}
