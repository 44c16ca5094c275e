package user

import (
	"time"

	"shelfmate/internal/e2ee"
)

// Profile is the part of a user record the messaging engine consumes.
type Profile struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName,omitempty"`
	PublicKeyJwk *e2ee.JWK `json:"publicKeyJwk,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
