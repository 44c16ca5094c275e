// Package e2ee implements the message cipher: an ECDH P-256 shared secret
// between two static device keys, hashed together with a per-message random
// salt into an AES-256-GCM key. Every envelope gets an independent symmetric
// key even though the device keys never change.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	shelfmate_errors "shelfmate/pkg/errors"
)

const (
	// Algorithm tags every envelope produced by Encrypt.
	Algorithm = "ECDH-P256+SHA256/A256GCM"

	IVSize   = 12
	SaltSize = 16
	KeySize  = 32
)

// Envelope is the encrypted form of one message.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Salt       []byte `json:"salt"`
	Alg        string `json:"alg"`
}

// GenerateKey creates a new device key on P-256.
func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// DeriveSymmetricKey hashes the ECDH shared secret concatenated with salt.
// Both sides derive the same key: DH(a, B) == DH(b, A).
func DeriveSymmetricKey(own *ecdh.PrivateKey, peer *ecdh.PublicKey, salt []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if own == nil || peer == nil {
		return key, fmt.Errorf("derive key: missing key: %w", shelfmate_errors.ErrInvalidInput)
	}
	secret, err := own.ECDH(peer)
	if err != nil {
		return key, fmt.Errorf("ecdh: %w", err)
	}
	h := sha256.New()
	h.Write(secret)
	h.Write(salt)
	copy(key[:], h.Sum(nil))
	return key, nil
}

// Encrypt seals plaintext for the holder of the private key matching peer.
func Encrypt(plaintext string, own *ecdh.PrivateKey, peer JWK) (Envelope, error) {
	peerKey, err := peer.PublicKey()
	if err != nil {
		return Envelope{}, err
	}

	iv := make([]byte, IVSize)
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("read iv: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Envelope{}, fmt.Errorf("read salt: %w", err)
	}

	aead, err := newAEAD(own, peerKey, salt)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Ciphertext: aead.Seal(nil, iv, []byte(plaintext), nil),
		IV:         iv,
		Salt:       salt,
		Alg:        Algorithm,
	}, nil
}

// Decrypt opens env. Every failure (unknown algorithm, malformed envelope,
// wrong key, tag mismatch) is reported as ErrDecryptionFailed.
func Decrypt(env Envelope, own *ecdh.PrivateKey, peer JWK) (string, error) {
	if env.Alg != Algorithm || len(env.IV) != IVSize || len(env.Salt) != SaltSize || len(env.Ciphertext) == 0 {
		return "", fmt.Errorf("malformed envelope: %w", shelfmate_errors.ErrDecryptionFailed)
	}
	peerKey, err := peer.PublicKey()
	if err != nil {
		return "", fmt.Errorf("peer key: %v: %w", err, shelfmate_errors.ErrDecryptionFailed)
	}
	aead, err := newAEAD(own, peerKey, env.Salt)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, shelfmate_errors.ErrDecryptionFailed)
	}
	pt, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return "", shelfmate_errors.ErrDecryptionFailed
	}
	return string(pt), nil
}

func newAEAD(own *ecdh.PrivateKey, peer *ecdh.PublicKey, salt []byte) (cipher.AEAD, error) {
	key, err := DeriveSymmetricKey(own, peer, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
