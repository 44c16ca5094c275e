package server

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shelfmate/config"
	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/transport/httpdto"
)

type apiTest struct {
	t      *testing.T
	app    *App
	tokens map[string]string
}

func newAPITest(t *testing.T, rateLimit int) *apiTest {
	t.Helper()
	cfg := &config.Config{
		AppPort:           "0",
		AppMode:           TestMode,
		JWTSecret:         "test-secret",
		JWTExpiryMin:      60,
		PresenceInterval:  time.Minute,
		MessageRateLimit:  rateLimit,
		MessageRateWindow: time.Minute,
	}
	app := NewApp(cfg, nil, Backends{})
	a := &apiTest{t: t, app: app, tokens: map[string]string{}}
	for _, id := range []string{"alice", "bob", "carol"} {
		token, _, err := app.Auth.IssueAccessToken(id, id)
		if err != nil {
			t.Fatal(err)
		}
		a.tokens[id] = token
	}
	return a
}

// do performs a request as user ("" for anonymous) and decodes the data
// field into out when out is non-nil.
func (a *apiTest) do(method, path, as string, body any, out any) (int, httpdto.Response[json.RawMessage]) {
	a.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			a.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[as])
	}
	w := httptest.NewRecorder()
	a.app.Server.Handler().ServeHTTP(w, req)

	var resp httpdto.Response[json.RawMessage]
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		a.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			a.t.Fatalf("%s %s: decode data: %v", method, path, err)
		}
	}
	return w.Code, resp
}

func TestPingAndHealth(t *testing.T) {
	a := newAPITest(t, 10)
	if code, _ := a.do(http.MethodGet, "/ping", "", nil, nil); code != http.StatusOK {
		t.Fatalf("ping = %d", code)
	}
	if code, _ := a.do(http.MethodGet, "/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}

	a.app.Server.AddHealthCheck("postgres", func(context.Context) error {
		return errors.New("connection refused")
	})
	code, resp := a.do(http.MethodGet, "/health", "", nil, nil)
	if code != http.StatusServiceUnavailable || resp.Code != "UNHEALTHY" {
		t.Fatalf("health = %d %+v", code, resp)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	a := newAPITest(t, 10)
	code, resp := a.do(http.MethodGet, "/conversations", "", nil, nil)
	if code != http.StatusUnauthorized || resp.Code != httpdto.CodeUnauthorized {
		t.Fatalf("anonymous list = %d %+v", code, resp)
	}

	a.tokens["mallory"] = "garbage"
	if code, _ := a.do(http.MethodGet, "/conversations", "mallory", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", code)
	}
}

func TestDirectoryFlow(t *testing.T) {
	a := newAPITest(t, 10)

	var sent message.Message
	code, _ := a.do(http.MethodPost, "/messages/bob", "alice",
		httpdto.SendMessageRequest{Subject: "Dune", Message: "Still have it?"}, &sent)
	if code != http.StatusCreated {
		t.Fatalf("send = %d", code)
	}
	if sent.Status != message.StatusSent || sent.ConversationID == "" {
		t.Fatalf("sent = %+v", sent)
	}

	var list []conversation.Conversation
	if code, _ := a.do(http.MethodGet, "/conversations", "bob", nil, &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(list) != 1 || list[0].UnreadCount != 1 || len(list[0].Messages) != 1 {
		t.Fatalf("bob's list = %+v", list)
	}

	var with conversation.Conversation
	a.do(http.MethodGet, "/conversations/with/alice", "bob", nil, &with)
	if with.ID != sent.ConversationID {
		t.Fatalf("with = %+v", with)
	}

	var receipts []message.ReadReceipt
	if code, _ := a.do(http.MethodPost, "/conversations/"+with.ID+"/read", "bob", nil, &receipts); code != http.StatusOK {
		t.Fatalf("read = %d", code)
	}
	if len(receipts) != 1 || receipts[0].MessageID != sent.ID {
		t.Fatalf("receipts = %+v", receipts)
	}

	if code, _ := a.do(http.MethodPost, "/conversations/"+with.ID+"/clear", "carol", nil, nil); code != http.StatusForbidden {
		t.Fatalf("outsider clear = %d", code)
	}

	var cleared httpdto.ClearConversationResponse
	if code, _ := a.do(http.MethodPost, "/conversations/"+with.ID+"/clear", "alice", nil, &cleared); code != http.StatusOK {
		t.Fatalf("clear = %d", code)
	}
	if cleared.Removed != 1 {
		t.Fatalf("cleared = %+v", cleared)
	}

	with = conversation.Conversation{}
	a.do(http.MethodGet, "/conversations/with/alice", "bob", nil, &with)
	if len(with.Messages) != 0 {
		t.Fatalf("messages after clear = %d", len(with.Messages))
	}
}

func TestWithUnknownPeerIsNull(t *testing.T) {
	a := newAPITest(t, 10)
	code, resp := a.do(http.MethodGet, "/conversations/with/carol", "alice", nil, nil)
	if code != http.StatusOK || len(resp.Data) != 0 {
		t.Fatalf("with = %d %s", code, resp.Data)
	}
}

func TestSendValidation(t *testing.T) {
	a := newAPITest(t, 10)
	cases := map[string]struct {
		path string
		body httpdto.SendMessageRequest
	}{
		"empty body":   {"/messages/bob", httpdto.SendMessageRequest{Message: "   "}},
		"self":         {"/messages/alice", httpdto.SendMessageRequest{Message: "hi"}},
		"unknown alg":  {"/messages/bob", httpdto.SendMessageRequest{Alg: "ROT13", Ciphertext: []byte("x")}},
		"mixed fields": {"/messages/bob", httpdto.SendMessageRequest{Message: "hi", IV: make([]byte, 12)}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			code, resp := a.do(http.MethodPost, tc.path, "alice", tc.body, nil)
			if code != http.StatusBadRequest || resp.Code != httpdto.CodeInvalidInput {
				t.Fatalf("got %d %+v", code, resp)
			}
		})
	}
}

func TestMessageRateLimit(t *testing.T) {
	a := newAPITest(t, 2)
	for i := 0; i < 2; i++ {
		if code, _ := a.do(http.MethodPost, "/messages/bob", "alice", httpdto.SendMessageRequest{Message: "hi"}, nil); code != http.StatusCreated {
			t.Fatalf("send %d = %d", i, code)
		}
	}
	code, resp := a.do(http.MethodPost, "/messages/bob", "alice", httpdto.SendMessageRequest{Message: "hi"}, nil)
	if code != http.StatusTooManyRequests || resp.Code != httpdto.CodeRateLimited {
		t.Fatalf("third send = %d %+v", code, resp)
	}
	if code, _ := a.do(http.MethodPost, "/messages/alice", "bob", httpdto.SendMessageRequest{Message: "hi"}, nil); code != http.StatusCreated {
		t.Fatalf("other user limited too: %d", code)
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	a := newAPITest(t, 10)
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	jwk, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	if code, _ := a.do(http.MethodPost, "/users/public-key", "alice", httpdto.SetPublicKeyRequest{PublicKeyJwk: jwk}, nil); code != http.StatusOK {
		t.Fatalf("upload = %d", code)
	}

	var p user.Profile
	if code, _ := a.do(http.MethodGet, "/users/alice", "bob", nil, &p); code != http.StatusOK {
		t.Fatalf("profile = %d", code)
	}
	if p.PublicKeyJwk == nil || !p.PublicKeyJwk.Equal(jwk) {
		t.Fatalf("profile key = %+v", p.PublicKeyJwk)
	}

	bad := jwk
	bad.Crv = "P-384"
	if code, _ := a.do(http.MethodPost, "/users/public-key", "alice", httpdto.SetPublicKeyRequest{PublicKeyJwk: bad}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad key upload = %d", code)
	}
}
