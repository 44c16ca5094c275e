package keystore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"shelfmate/internal/e2ee"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	deviceFileName    = "device.json"
	sealFormatVersion = 1
)

var errWrongPassphrase = errors.New("wrong passphrase or corrupted device key")

// diskRecord is the on-disk layout; the private key only ever appears sealed.
type diskRecord struct {
	SealedKey         *sealed   `json:"sealed_key,omitempty"`
	PublicKeyJwk      *e2ee.JWK `json:"public_key_jwk,omitempty"`
	PublicKeyUploaded bool      `json:"public_key_uploaded"`
	LastPeerID        string    `json:"last_peer_id,omitempty"`
}

type sealed struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// FileStorage keeps the device record in <dir>/device.json (mode 0600) with
// the private key sealed under a passphrase-derived key.
type FileStorage struct {
	dir        string
	passphrase string
	n, r, p    int
	kdf        func(password, salt []byte, n, r, p, keyLen int) ([]byte, error)
}

func NewFileStorage(dir, passphrase string) *FileStorage {
	return &FileStorage{dir: dir, passphrase: passphrase, n: 1 << 15, r: 8, p: 1, kdf: scrypt.Key}
}

// WithScryptParams overrides the KDF cost (tests use a cheap setting).
func (f *FileStorage) WithScryptParams(n, r, p int) *FileStorage {
	f.n, f.r, f.p = n, r, p
	return f
}

func (f *FileStorage) path() string {
	return filepath.Join(f.dir, deviceFileName)
}

// readDisk returns (nil, nil) when the file does not exist.
func (f *FileStorage) readDisk() (*diskRecord, error) {
	b, err := os.ReadFile(f.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw diskRecord
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", deviceFileName, err)
	}
	return &raw, nil
}

func (f *FileStorage) writeDisk(raw *diskRecord) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(f.path(), b, 0o600)
}

func (f *FileStorage) Load(ctx context.Context) (*Record, error) {
	raw, err := f.readDisk()
	if err != nil || raw == nil {
		return nil, err
	}

	rec := &Record{PublicKeyUploaded: raw.PublicKeyUploaded, LastPeerID: raw.LastPeerID}
	if raw.PublicKeyJwk != nil {
		rec.PublicKeyJwk = *raw.PublicKeyJwk
	}
	if raw.SealedKey != nil {
		pk, err := f.open(raw.SealedKey)
		if err != nil {
			return nil, err
		}
		rec.PrivateKey = pk
	}
	return rec, nil
}

func (f *FileStorage) Save(ctx context.Context, r *Record) error {
	out := diskRecord{
		PublicKeyUploaded: r.PublicKeyUploaded,
		LastPeerID:        r.LastPeerID,
	}
	if r.PublicKeyJwk.Kty != "" {
		jwk := r.PublicKeyJwk
		out.PublicKeyJwk = &jwk
	}
	if len(r.PrivateKey) > 0 {
		s, err := f.seal(r.PrivateKey)
		if err != nil {
			return err
		}
		out.SealedKey = s
	}
	return f.writeDisk(&out)
}

// LoadLastPeer reads the last peer without unsealing the private key.
func (f *FileStorage) LoadLastPeer(ctx context.Context) (string, error) {
	raw, err := f.readDisk()
	if err != nil || raw == nil {
		return "", err
	}
	return raw.LastPeerID, nil
}

// SaveLastPeer rewrites the last peer and keeps the sealed key as stored.
func (f *FileStorage) SaveLastPeer(ctx context.Context, peerID string) error {
	raw, err := f.readDisk()
	if err != nil {
		return err
	}
	if raw == nil {
		raw = &diskRecord{}
	}
	if raw.LastPeerID == peerID {
		return nil
	}
	raw.LastPeerID = peerID
	return f.writeDisk(raw)
}

func (f *FileStorage) seal(raw []byte) (*sealed, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	key, err := f.kdf([]byte(f.passphrase), salt[:], f.n, f.r, f.p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// zero nonce: the key is unique per salt
	var nonce [chacha20poly1305.NonceSize]byte
	return &sealed{
		V:      sealFormatVersion,
		Salt:   salt[:],
		N:      f.n,
		R:      f.r,
		P:      f.p,
		Cipher: aead.Seal(nil, nonce[:], raw, salt[:]),
	}, nil
}

func (f *FileStorage) open(s *sealed) ([]byte, error) {
	if s.V > sealFormatVersion {
		return nil, fmt.Errorf("unsupported device key version %d", s.V)
	}
	key, err := f.kdf([]byte(f.passphrase), s.Salt, s.N, s.R, s.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], s.Cipher, s.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return pt, nil
}

// writeFile writes via a temp file and renames over the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
