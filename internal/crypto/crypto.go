package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// The relay never sees plaintext: the two clients run an X25519 exchange over
// the invite/accept ecdh_pubkey fields and seal chat fragments with
// ChaCha20-Poly1305. Everything on the wire is hex, matching the identity
// encoding.

// GenerateKeyPair generates a X25519 key pair.
func GenerateKeyPair() (privateKey, publicKey [32]byte, err error) {
	if _, err := io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// DeriveSharedSecret derives a shared secret using X25519.
func DeriveSharedSecret(privateKey, remotePublicKey [32]byte) ([32]byte, error) {
	sharedSecret, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return [32]byte{}, err
	}
	var res [32]byte
	copy(res[:], sharedSecret)
	return res, nil
}

// Seal encrypts plaintext under key with a fresh random nonce and returns the
// hex-encoded ciphertext and nonce for the text frame.
func Seal(key [32]byte, plaintext []byte) (ciphertextHex, nonceHex string, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

// Open decrypts a text frame's hex-encoded ciphertext and nonce.
func Open(key [32]byte, ciphertextHex, nonceHex string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// EncodePublicKey returns the hex form of an X25519 public key for the
// ecdh_pubkey wire field.
func EncodePublicKey(pub [32]byte) string {
	return hex.EncodeToString(pub[:])
}

// DecodePublicKey parses the ecdh_pubkey wire field.
func DecodePublicKey(pubHex string) ([32]byte, error) {
	var pub [32]byte
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != 32 {
		return pub, fmt.Errorf("malformed X25519 public key")
	}
	copy(pub[:], raw)
	return pub, nil
}
