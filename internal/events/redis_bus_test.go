package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Runs against a real server; see the internal/redis package doc.
func TestRedisEventBusDeliversPerUser(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewRedisEventBus(client, NewUserChannelResolver(), nil)
	type delivery struct {
		user string
		env  Envelope
	}
	got := make(chan delivery, 4)
	bus.Subscribe(func(userID string, env Envelope) {
		got <- delivery{user: userID, env: env}
	})
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = bus.Stop() })

	alice, bob := "alice-"+uuid.NewString(), "bob-"+uuid.NewString()
	env := mustEnvelope(t, PresenceUpdate, PresencePayload{Online: []string{alice}})
	if err := bus.Publish(context.Background(), env, alice, bob, alice); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	seen := map[string]int{}
	timeout := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case d := <-got:
			if d.env.Type != PresenceUpdate {
				t.Fatalf("unexpected envelope %s", d.env.Type)
			}
			seen[d.user]++
		case <-timeout:
			t.Fatalf("deliveries: %v", seen)
		}
	}
	if seen[alice] != 1 || seen[bob] != 1 {
		t.Fatalf("each recipient once: %v", seen)
	}
}
