package e2ee

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"

	shelfmate_errors "shelfmate/pkg/errors"
)

const (
	p256CoordinateSize = 32
	uncompressedPrefix = 0x04
)

// JWK is the public-key form exchanged through the directory (RFC 7517, EC P-256).
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Ext bool   `json:"ext,omitempty"`
}

// PublicJWK encodes an ECDH P-256 public key.
func PublicJWK(pub *ecdh.PublicKey) (JWK, error) {
	raw := pub.Bytes()
	if len(raw) != 1+2*p256CoordinateSize || raw[0] != uncompressedPrefix {
		return JWK{}, fmt.Errorf("unexpected public key encoding: %w", shelfmate_errors.ErrInvalidInput)
	}
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+p256CoordinateSize]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+p256CoordinateSize:]),
		Ext: true,
	}, nil
}

// PublicKey decodes the JWK, rejecting points that are not on the curve.
func (j JWK) PublicKey() (*ecdh.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported jwk %s/%s: %w", j.Kty, j.Crv, shelfmate_errors.ErrInvalidInput)
	}
	x, err := decodeCoordinate(j.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate(j.Y)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 1+2*p256CoordinateSize)
	raw = append(raw, uncompressedPrefix)
	raw = append(raw, x...)
	raw = append(raw, y...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid jwk point: %w", shelfmate_errors.ErrInvalidInput)
	}
	return pub, nil
}

// Validate reports whether the JWK holds a usable P-256 public key.
func (j JWK) Validate() error {
	_, err := j.PublicKey()
	return err
}

// Equal compares the key material of two JWKs.
func (j JWK) Equal(o JWK) bool {
	return j.Kty == o.Kty && j.Crv == o.Crv && j.X == o.X && j.Y == o.Y
}

func decodeCoordinate(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode jwk coordinate: %w", shelfmate_errors.ErrInvalidInput)
	}
	if len(b) > p256CoordinateSize {
		return nil, fmt.Errorf("jwk coordinate too long: %w", shelfmate_errors.ErrInvalidInput)
	}
	if len(b) < p256CoordinateSize {
		padded := make([]byte, p256CoordinateSize)
		copy(padded[p256CoordinateSize-len(b):], b)
		b = padded
	}
	return b, nil
}
