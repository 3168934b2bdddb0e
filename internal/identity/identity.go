package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
)

// Verify reports whether signatureHex is a valid ed25519 signature by
// publicKeyHex over the exact bytes of challenge. Malformed encodings and bad
// signatures are both a plain false, so a caller cannot tell them apart.
func Verify(publicKeyHex, signatureHex, challenge string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(challenge), sig)
}

// Keypair is an ed25519 signing identity. The hex-encoded public key is the
// stable address other peers use; there is no registration step.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// PublicHex returns the hex-encoded public key, the peer's wire identity.
func (k *Keypair) PublicHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// Sign signs the challenge string and returns the hex-encoded signature.
func (k *Keypair) Sign(challenge string) string {
	return hex.EncodeToString(ed25519.Sign(k.PrivateKey, []byte(challenge)))
}
