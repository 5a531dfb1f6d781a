package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// Sign signs data with the private key and returns a hex-encoded detached
// signature.
func Sign(priv PrivateKey, data []byte) string {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), data)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded detached signature against data using the
// public key.
func Verify(pub PublicKey, data []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// SignCombined produces a combined signed document: the Ed25519 signature
// followed by the signed message itself, mirroring libnacl's
// crypto_sign/crypto_sign_open pair that the original reference
// implementation builds its Signature type on. Verification of a combined
// document recovers the embedded message, rather than verifying a message
// supplied out of band.
func SignCombined(priv PrivateKey, msg []byte) []byte {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), msg)
	out := make([]byte, 0, len(sig)+len(msg))
	out = append(out, sig...)
	out = append(out, msg...)
	return out
}

// OpenCombined verifies a combined signed document against pub and returns
// the embedded message. It fails if the signature does not verify.
func OpenCombined(pub PublicKey, signedDocument []byte) ([]byte, error) {
	if len(signedDocument) < ed25519.SignatureSize {
		return nil, errors.New("signed document shorter than a signature")
	}
	sig := signedDocument[:ed25519.SignatureSize]
	msg := signedDocument[ed25519.SignatureSize:]
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return nil, errors.New("signature verification failed")
	}
	return msg, nil
}
