// Package keystore owns the device's single ECDH keypair: it creates it on
// first use, keeps the private half in local storage, and uploads the public
// half to the directory exactly once.
package keystore

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"shelfmate/internal/e2ee"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

// DeviceKeyPair is read-only once created and may be shared across goroutines.
type DeviceKeyPair struct {
	PrivateKey   *ecdh.PrivateKey
	PublicKeyJwk e2ee.JWK
}

// Record is the persisted device state.
type Record struct {
	PrivateKey        []byte   `json:"private_key,omitempty"`
	PublicKeyJwk      e2ee.JWK `json:"public_key_jwk"`
	PublicKeyUploaded bool     `json:"public_key_uploaded"`
	LastPeerID        string   `json:"last_peer_id,omitempty"`
}

// Storage persists the device record. Load returns (nil, nil) when nothing
// has been stored yet.
type Storage interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, r *Record) error
}

// PeerStorage is implemented by storages that can read and write the last
// peer without unsealing the private key.
type PeerStorage interface {
	LoadLastPeer(ctx context.Context) (string, error)
	SaveLastPeer(ctx context.Context, peerID string) error
}

// KeyUploader publishes the device public key to the directory.
type KeyUploader interface {
	UploadPublicKey(ctx context.Context, jwk e2ee.JWK) error
}

type KeyStore struct {
	storage  Storage
	uploader KeyUploader
	logger   *zap.Logger
	generate func() (*ecdh.PrivateKey, error)

	mu       sync.Mutex
	pair     *DeviceKeyPair
	uploaded bool
}

func New(storage Storage, uploader KeyUploader, logger *zap.Logger) *KeyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyStore{
		storage:  storage,
		uploader: uploader,
		logger:   logger.With(zap.String("component", "keystore")),
		generate: e2ee.GenerateKey,
	}
}

// EnsureKeyPair loads or creates the device keypair and makes sure its
// public half has been uploaded. It is safe to call on every login.
//
// Generation or storage failure returns ErrKeyUnavailable. An upload failure
// returns the usable local pair together with the error; the upload is
// retried on the next call.
func (k *KeyStore) EnsureKeyPair(ctx context.Context) (*DeviceKeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pair != nil && k.uploaded {
		return k.pair, nil
	}

	rec, err := k.storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device record: %v: %w", err, shelfmate_errors.ErrKeyUnavailable)
	}
	if rec == nil {
		rec = &Record{}
	}

	if k.pair == nil {
		if len(rec.PrivateKey) > 0 {
			priv, err := ecdh.P256().NewPrivateKey(rec.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("decode device key: %v: %w", err, shelfmate_errors.ErrKeyUnavailable)
			}
			k.pair, err = newPair(priv)
			if err != nil {
				return nil, err
			}
		} else {
			priv, err := k.generate()
			if err != nil {
				return nil, fmt.Errorf("generate device key: %v: %w", err, shelfmate_errors.ErrKeyUnavailable)
			}
			pair, err := newPair(priv)
			if err != nil {
				return nil, err
			}
			rec.PrivateKey = priv.Bytes()
			rec.PublicKeyJwk = pair.PublicKeyJwk
			rec.PublicKeyUploaded = false
			if err := k.storage.Save(ctx, rec); err != nil {
				return nil, fmt.Errorf("persist device key: %v: %w", err, shelfmate_errors.ErrKeyUnavailable)
			}
			k.pair = pair
			k.logger.Info("generated device keypair")
		}
	}

	k.uploaded = rec.PublicKeyUploaded
	if k.uploaded {
		return k.pair, nil
	}
	if k.uploader == nil {
		return k.pair, errors.New("no directory configured for public key upload")
	}
	if err := k.uploader.UploadPublicKey(ctx, k.pair.PublicKeyJwk); err != nil {
		k.logger.Warn("public key upload failed", zap.Error(err))
		return k.pair, fmt.Errorf("upload public key: %w", err)
	}
	rec.PublicKeyUploaded = true
	if err := k.storage.Save(ctx, rec); err != nil {
		// The directory has the key; only the local flag is lost, so the
		// next call uploads the same key again.
		k.logger.Warn("persist upload flag failed", zap.Error(err))
		return k.pair, nil
	}
	k.uploaded = true
	k.logger.Info("uploaded device public key")
	return k.pair, nil
}

// KeyPair returns the loaded pair without touching storage.
func (k *KeyStore) KeyPair() (*DeviceKeyPair, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pair, k.pair != nil
}

// Ready reports whether the pair exists and its public half is published,
// i.e. whether outgoing messages may be encrypted.
func (k *KeyStore) Ready() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pair != nil && k.uploaded
}

// LastPeer returns the peer id the user last had open.
func (k *KeyStore) LastPeer(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ps, ok := k.storage.(PeerStorage); ok {
		return ps.LoadLastPeer(ctx)
	}
	rec, err := k.storage.Load(ctx)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.LastPeerID, nil
}

// SetLastPeer remembers the active peer so the view can be restored.
func (k *KeyStore) SetLastPeer(ctx context.Context, peerID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ps, ok := k.storage.(PeerStorage); ok {
		return ps.SaveLastPeer(ctx, peerID)
	}
	rec, err := k.storage.Load(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{}
	}
	if rec.LastPeerID == peerID {
		return nil
	}
	rec.LastPeerID = peerID
	return k.storage.Save(ctx, rec)
}

func newPair(priv *ecdh.PrivateKey) (*DeviceKeyPair, error) {
	jwk, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("encode public key: %v: %w", err, shelfmate_errors.ErrKeyUnavailable)
	}
	return &DeviceKeyPair{PrivateKey: priv, PublicKeyJwk: jwk}, nil
}
