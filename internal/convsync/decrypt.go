package convsync

import (
	"errors"

	"shelfmate/internal/e2ee"
	"shelfmate/internal/keystore"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

// fetchPeerKey loads the peer's published key and installs it on the loop.
func (e *Engine) fetchPeerKey(peerID string) {
	ctx, cancel := e.bg()
	defer cancel()
	jwk, err := e.dir.PeerKey(ctx, peerID)
	if err != nil {
		if !errors.Is(err, shelfmate_errors.ErrPeerKeyUnknown) {
			e.logger.Warn("peer key fetch failed", zap.String("peer", peerID), zap.Error(err))
		}
		return
	}
	e.post(func() { e.setPeerKey(peerID, jwk) })
}

// setPeerKey runs on the loop. A new or changed key re-runs decryption of
// everything not yet readable.
func (e *Engine) setPeerKey(peerID string, jwk e2ee.JWK) {
	cs := e.conv(peerID)
	if cs.peerKey != nil && cs.peerKey.Equal(jwk) {
		return
	}
	k := jwk
	cs.peerKey = &k
	for id := range cs.entries {
		delete(e.undecryptable, id)
	}
	e.scheduleDecrypt(cs)
}

// scheduleDecrypt starts background decryption of every encrypted message in
// cs that has no cached plaintext. Runs on the loop.
func (e *Engine) scheduleDecrypt(cs *convState) {
	if cs.peerKey == nil {
		return
	}
	pair, ok := e.keys.KeyPair()
	if !ok {
		return
	}
	peerKey := *cs.peerKey
	for id, en := range cs.entries {
		if !en.msg.Encrypted() {
			continue
		}
		if _, done := e.plaintext[id]; done || e.decrypting[id] || e.undecryptable[id] {
			continue
		}
		env, _ := en.msg.Envelope()
		e.decrypting[id] = true
		go e.decrypt(id, env, pair, peerKey)
	}
}

func (e *Engine) decrypt(id string, env e2ee.Envelope, pair *keystore.DeviceKeyPair, peerKey e2ee.JWK) {
	text, err := e2ee.Decrypt(env, pair.PrivateKey, peerKey)
	e.post(func() {
		delete(e.decrypting, id)
		if err != nil {
			e.logger.Debug("message not decryptable", zap.String("message_id", id), zap.Error(err))
			e.undecryptable[id] = true
		} else {
			e.plaintext[id] = text
		}
		e.notify()
	})
}
