package httpdto

import "shelfmate/internal/e2ee"

// SetPublicKeyRequest is the body of POST /users/public-key.
type SetPublicKeyRequest struct {
	PublicKeyJwk e2ee.JWK `json:"publicKeyJwk"`
}
