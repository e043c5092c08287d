// Package audit signs terminal request records so the charged amount and
// chosen provider can be verified after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/ineyio/creditgate"
)

// ErrBadSignature is returned when a record's signature does not verify.
var ErrBadSignature = errors.New("creditgate/audit: signature mismatch")

// Signer signs request records with a secp256k1 key.
type Signer struct {
	key *secp256k1.PrivateKey
	pub *secp256k1.PublicKey
}

// NewSigner parses a hex-encoded 32-byte private key.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	hexKey = strings.TrimPrefix(hexKey, "0X")

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("creditgate/audit: invalid signing key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("creditgate/audit: signing key must be 32 bytes, got %d", len(keyBytes))
	}

	key := secp256k1.PrivKeyFromBytes(keyBytes)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("creditgate/audit: signing key is zero")
	}
	return &Signer{key: key, pub: key.PubKey()}, nil
}

// PublicKey returns the compressed public key, hex-encoded.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub.SerializeCompressed())
}

// Sign returns the hex compact signature over the record digest.
func (s *Signer) Sign(rec creditgate.RequestRecord) string {
	d := Digest(rec)
	return hex.EncodeToString(ecdsa.SignCompact(s.key, d[:], true))
}

// Verify checks rec.Signature against the signer's public key.
func (s *Signer) Verify(rec creditgate.RequestRecord) error {
	return VerifyWith(s.pub, rec)
}

// VerifyWith checks rec.Signature against pub.
func VerifyWith(pub *secp256k1.PublicKey, rec creditgate.RequestRecord) error {
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature on %s", ErrBadSignature, rec.ID)
	}
	d := Digest(rec)
	got, _, err := ecdsa.RecoverCompact(sig, d[:])
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadSignature, rec.ID, err)
	}
	if !got.IsEqual(pub) {
		return fmt.Errorf("%w: %s", ErrBadSignature, rec.ID)
	}
	return nil
}

// Digest is the SHA-256 of the record's billing-relevant fields. Settlement
// fields are excluded: they are written after the record is signed.
func Digest(rec creditgate.RequestRecord) [32]byte {
	var b strings.Builder
	field := func(s string) {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte('|')
	}
	field(rec.ID)
	field(rec.AccountID)
	field(string(rec.State))
	field(rec.ChosenProviderID)
	field(rec.ChosenModel)
	field(strconv.FormatInt(rec.HeldAmount, 10))
	field(strconv.FormatInt(rec.ActualCost, 10))
	field(strconv.FormatInt(rec.UnitsConsumed, 10))
	field(rec.Failure)
	field(strconv.Itoa(len(rec.Attempts)))
	for _, a := range rec.Attempts {
		field(a.ProviderID)
		field(a.Model)
		field(strconv.FormatInt(a.Held, 10))
		field(a.Error)
	}
	field(rec.CompletedAt.UTC().Format(time.RFC3339Nano))
	return sha256.Sum256([]byte(b.String()))
}
