package shelfmate_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Messaging errors. Only ErrSendFailed and ErrClearFailed are meant to reach
// the user; the rest have a local fallback.
var (
	ErrKeyUnavailable      = errors.New("device key unavailable")
	ErrPeerKeyUnknown      = errors.New("peer public key unknown")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrSendFailed          = errors.New("send failed")
	ErrChannelDisconnected = errors.New("realtime channel disconnected")
	ErrClearFailed         = errors.New("clear conversation failed")
)

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now().UTC()
	return &now
}
