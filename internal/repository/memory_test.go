package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"shelfmate/internal/domain/message"
	"shelfmate/internal/e2ee"
	shelfmate_errors "shelfmate/pkg/errors"
)

func TestMemoryDirectConversationIsSymmetric(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Store()

	a, err := s.Conversations.GetOrCreateDirect(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Conversations.GetOrCreateDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected one conversation, got %s and %s", a.ID, b.ID)
	}
	if a.Participants[0] != "alice" || a.Participants[1] != "bob" {
		t.Fatalf("participants not ordered: %v", a.Participants)
	}
	if _, err := s.Conversations.GetDirect(ctx, "alice", "carol"); !errors.Is(err, shelfmate_errors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRecentOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Store()
	conv, _ := s.Conversations.GetOrCreateDirect(ctx, "alice", "bob")

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		m := &message.Message{ID: id, ConversationID: conv.ID, SenderID: "alice", RecipientID: "bob", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Messages.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	dup := &message.Message{ID: "m1", ConversationID: conv.ID}
	if err := s.Messages.Create(ctx, dup); !errors.Is(err, shelfmate_errors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.Messages.Recent(ctx, conv.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "m3" || got[1].ID != "m2" {
		t.Fatalf("unexpected page: %+v", got)
	}
	if got[0].Status != message.StatusSent {
		t.Fatalf("default status = %s", got[0].Status)
	}
}

func TestMemoryDeliveredAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Store()
	conv, _ := s.Conversations.GetOrCreateDirect(ctx, "alice", "bob")
	m := &message.Message{ConversationID: conv.ID, SenderID: "alice", RecipientID: "bob"}
	if err := s.Messages.Create(ctx, m); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Messages.MarkDelivered(ctx, m.ID, "alice", time.Now()); !errors.Is(err, shelfmate_errors.ErrForbidden) {
		t.Fatalf("sender must not ack delivery, got %v", err)
	}
	got, changed, err := s.Messages.MarkDelivered(ctx, m.ID, "bob", time.Now())
	if err != nil || !changed || got.Status != message.StatusDelivered {
		t.Fatalf("first delivery: %+v changed=%v err=%v", got, changed, err)
	}
	if _, changed, _ := s.Messages.MarkDelivered(ctx, m.ID, "bob", time.Now()); changed {
		t.Fatal("second delivery must not change status")
	}

	n, _ := s.Messages.UnreadCount(ctx, conv.ID, "bob")
	if n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
	read, err := s.Messages.MarkRead(ctx, conv.ID, "bob", time.Now())
	if err != nil || len(read) != 1 || read[0].Status != message.StatusRead {
		t.Fatalf("mark read: %+v err=%v", read, err)
	}
	if again, _ := s.Messages.MarkRead(ctx, conv.ID, "bob", time.Now()); len(again) != 0 {
		t.Fatalf("read twice: %+v", again)
	}
	if _, changed, _ := s.Messages.MarkDelivered(ctx, m.ID, "bob", time.Now()); changed {
		t.Fatal("delivery after read must not lower status")
	}

	removed, _ := s.Messages.DeleteConversation(ctx, conv.ID)
	if removed != 1 {
		t.Fatalf("removed = %d", removed)
	}
}

func TestMemoryPublicKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore().Store()
	priv, err := e2ee.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	jwk, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Users.SetPublicKey(ctx, "alice", jwk); !errors.Is(err, shelfmate_errors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	_ = s.Users.EnsureUser(ctx, "alice", "Alice")
	_ = s.Users.EnsureUser(ctx, "alice", "")
	if err := s.Users.SetPublicKey(ctx, "alice", jwk); err != nil {
		t.Fatal(err)
	}
	p, err := s.Users.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Alice" || p.PublicKeyJwk == nil || !p.PublicKeyJwk.Equal(jwk) {
		t.Fatalf("unexpected profile %+v", p)
	}
}
