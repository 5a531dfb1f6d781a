package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Hash256Size is the length in bytes of a Hash256.
const Hash256Size = sha256.Size

// Hash256 is a fixed-size SHA-256 digest. It is the "hash256" type referred
// to throughout the block data model: prev-pointers, consensus digests and
// luck values are all Hash256 values.
type Hash256 [Hash256Size]byte

// ZeroHash256 is the all-zero digest used as the genesis prev-pointer.
var ZeroHash256 Hash256

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) Hash256 {
	return sha256.Sum256(data)
}

// HashRLP canonically serializes v with rlp and returns the SHA-256 digest
// of the encoding. This is the canonical "sha256(Inner)" operation used to
// compute block hashes and the message signed over a block.
func HashRLP(v any) (Hash256, error) {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		return Hash256{}, fmt.Errorf("rlp encode: %w", err)
	}
	return Hash(data), nil
}

// EncodeRLP canonically serializes v, for wire transport of values whose
// identity hash is computed the same way (see HashRLP).
func EncodeRLP(v any) ([]byte, error) {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("rlp encode: %w", err)
	}
	return data, nil
}

// DecodeRLP decodes data produced by EncodeRLP into out.
func DecodeRLP(data []byte, out any) error {
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("rlp decode: %w", err)
	}
	return nil
}

// Bytes returns the digest as a byte slice.
func (h Hash256) Bytes() []byte { return h[:] }

// Hex returns the lowercase hex encoding of the digest.
func (h Hash256) Hex() string { return hex.EncodeToString(h[:]) }

// String implements fmt.Stringer.
func (h Hash256) String() string { return h.Hex() }

// IsZero reports whether h is the all-zero digest.
func (h Hash256) IsZero() bool { return h == ZeroHash256 }

// Hash256FromHex decodes a hex-encoded digest.
func Hash256FromHex(s string) (Hash256, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash256{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != Hash256Size {
		return Hash256{}, fmt.Errorf("hash must be %d bytes, got %d", Hash256Size, len(b))
	}
	var h Hash256
	copy(h[:], b)
	return h, nil
}
