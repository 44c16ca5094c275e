package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/transport/httpdto"
	shelfmate_errors "shelfmate/pkg/errors"
)

type route struct {
	method string
	path   string
}

func newServer(t *testing.T, routes map[route]http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, httpdto.NewErrorResponse("missing token", httpdto.CodeUnauthorized))
			return
		}
		h, ok := routes[route{r.Method, r.URL.Path}]
		if !ok {
			writeJSON(w, http.StatusNotFound, httpdto.NewErrorResponse("no route", httpdto.CodeNotFound))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListConversations(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := newServer(t, map[route]http.HandlerFunc{
		{http.MethodGet, "/conversations"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, httpdto.NewSuccessResponse([]conversation.Conversation{{
				ID:           "c1",
				Participants: []string{"a", "b"},
				Messages:     []message.Message{{ID: "m1", SenderID: "b", RecipientID: "a", Body: "hi", CreatedAt: now}},
				UnreadCount:  1,
			}}))
		},
	})

	got, err := New(srv.URL, "tok").ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != 1 || got[0].UnreadCount != 1 || got[0].Messages[0].Body != "hi" {
		t.Fatalf("unexpected conversations: %+v", got)
	}
}

func TestConversationWithNone(t *testing.T) {
	t.Parallel()
	srv := newServer(t, map[route]http.HandlerFunc{
		{http.MethodGet, "/conversations/with/b"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": nil})
		},
	})

	got, err := New(srv.URL, "tok").ConversationWith(context.Background(), "b")
	if err != nil {
		t.Fatalf("ConversationWith: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil conversation, got %+v", got)
	}
}

func TestSendMessageEncodesEnvelope(t *testing.T) {
	t.Parallel()
	srv := newServer(t, map[route]http.HandlerFunc{
		{http.MethodPost, "/messages/b"}: func(w http.ResponseWriter, r *http.Request) {
			var req httpdto.SendMessageRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, httpdto.NewErrorResponse(err.Error(), httpdto.CodeInvalidInput))
				return
			}
			if req.Message != "" || req.Alg != e2ee.Algorithm || len(req.IV) != e2ee.IVSize {
				writeJSON(w, http.StatusBadRequest, httpdto.NewErrorResponse("bad envelope", httpdto.CodeInvalidInput))
				return
			}
			writeJSON(w, http.StatusCreated, httpdto.NewSuccessResponse(message.Message{
				ID:          "m9",
				SenderID:    "a",
				RecipientID: "b",
				Ciphertext:  req.Ciphertext,
				IV:          req.IV,
				Salt:        req.Salt,
				Alg:         req.Alg,
				Status:      message.StatusSent,
			}))
		},
	})

	req := httpdto.SendMessageRequest{
		Ciphertext: []byte{1, 2, 3},
		IV:         make([]byte, e2ee.IVSize),
		Salt:       make([]byte, e2ee.SaltSize),
		Alg:        e2ee.Algorithm,
	}
	got, err := New(srv.URL, "tok").SendMessage(context.Background(), "b", req)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got.ID != "m9" || got.Status != message.StatusSent || !got.Encrypted() {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestPeerKey(t *testing.T) {
	t.Parallel()
	priv, err := e2ee.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwk, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		t.Fatalf("PublicJWK: %v", err)
	}
	srv := newServer(t, map[route]http.HandlerFunc{
		{http.MethodGet, "/users/b"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, httpdto.NewSuccessResponse(user.Profile{ID: "b", PublicKeyJwk: &jwk}))
		},
		{http.MethodGet, "/users/c"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, httpdto.NewSuccessResponse(user.Profile{ID: "c"}))
		},
	})
	c := New(srv.URL, "tok")

	got, err := c.PeerKey(context.Background(), "b")
	if err != nil {
		t.Fatalf("PeerKey(b): %v", err)
	}
	if !got.Equal(jwk) {
		t.Fatalf("key mismatch")
	}
	if _, err := c.PeerKey(context.Background(), "c"); !errors.Is(err, shelfmate_errors.ErrPeerKeyUnknown) {
		t.Fatalf("PeerKey(c): expected ErrPeerKeyUnknown, got %v", err)
	}
	if _, err := c.PeerKey(context.Background(), "zz"); !IsNotFound(err) {
		t.Fatalf("PeerKey(zz): expected not found, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	srv := newServer(t, map[route]http.HandlerFunc{
		{http.MethodPost, "/conversations/c1/clear"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, httpdto.NewErrorResponse("not a participant", httpdto.CodeForbidden))
		},
		{http.MethodPost, "/conversations/c2/clear"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		{http.MethodPost, "/conversations/c3/clear"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, httpdto.NewSuccessResponse(httpdto.ClearConversationResponse{ConversationID: "c3"}))
		},
	})
	ctx := context.Background()

	if err := New(srv.URL, "tok").ClearConversation(ctx, "c1"); !errors.Is(err, shelfmate_errors.ErrForbidden) {
		t.Fatalf("c1: expected ErrForbidden, got %v", err)
	}
	if err := New(srv.URL, "tok").ClearConversation(ctx, "c2"); !errors.Is(err, shelfmate_errors.ErrServiceUnavailable) {
		t.Fatalf("c2: expected ErrServiceUnavailable, got %v", err)
	}
	if err := New(srv.URL, "tok").ClearConversation(ctx, "c3"); err != nil {
		t.Fatalf("c3: %v", err)
	}
	if err := New(srv.URL, "wrong").ClearConversation(ctx, "c3"); !errors.Is(err, shelfmate_errors.ErrUnauthorized) {
		t.Fatalf("bad token: expected ErrUnauthorized, got %v", err)
	}

	var apiErr *APIError
	err := New(srv.URL, "tok").ClearConversation(ctx, "c1")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden || apiErr.Message != "not a participant" {
		t.Fatalf("expected APIError with message, got %v", err)
	}
}

func TestUploadPublicKeyAndMarkRead(t *testing.T) {
	t.Parallel()
	uploaded := make(chan e2ee.JWK, 1)
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	srv := newServer(t, map[route]http.HandlerFunc{
		{http.MethodPost, "/users/public-key"}: func(w http.ResponseWriter, r *http.Request) {
			var req httpdto.SetPublicKeyRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			uploaded <- req.PublicKeyJwk
			writeJSON(w, http.StatusOK, httpdto.NewSuccessResponse(true))
		},
		{http.MethodPost, "/conversations/c1/read"}: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, httpdto.NewSuccessResponse([]message.ReadReceipt{{MessageID: "m1", ReadAt: now}}))
		},
	})
	c := New(srv.URL, "tok")

	jwk := e2ee.JWK{Kty: "EC", Crv: "P-256", X: "x", Y: "y"}
	if err := c.UploadPublicKey(context.Background(), jwk); err != nil {
		t.Fatalf("UploadPublicKey: %v", err)
	}
	if got := <-uploaded; got != jwk {
		t.Fatalf("server got %+v", got)
	}

	receipts, err := c.MarkRead(context.Background(), "c1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(receipts) != 1 || !receipts[0].ReadAt.Equal(now) {
		t.Fatalf("receipts: %+v", receipts)
	}
}
