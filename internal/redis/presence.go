package redis

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis key prefixes for presence
const (
	presenceOnlineSet     = "presence:online" // Set of online user IDs
	connectionsKeyPrefix  = "connections:"    // Hash of client ID to connection data
	defaultConnectionsTTL = 2 * time.Minute
)

// PresenceStore tracks websocket connections per user across API instances.
// A user is online while at least one connection is registered and its hash
// has not expired.
type PresenceStore struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
}

type connectionData struct {
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func NewPresenceStore(client *goredis.Client, ttl time.Duration) *PresenceStore {
	if ttl == 0 {
		ttl = defaultConnectionsTTL
	}
	return &PresenceStore{client: client, ttl: ttl, now: time.Now}
}

// Connect registers a connection and reports whether it is the user's first.
func (p *PresenceStore) Connect(ctx context.Context, userID, clientID string) (bool, error) {
	data, _ := json.Marshal(connectionData{ClientID: clientID, ConnectedAt: p.now().UTC()})
	key := connectionsKeyPrefix + userID

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, clientID, data)
	pipe.Expire(ctx, key, p.ttl)
	added := pipe.SAdd(ctx, presenceOnlineSet, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

// Disconnect removes a connection and reports whether the user went offline.
func (p *PresenceStore) Disconnect(ctx context.Context, userID, clientID string) (bool, error) {
	key := connectionsKeyPrefix + userID
	if err := p.client.HDel(ctx, key, clientID).Err(); err != nil {
		return false, err
	}
	count, err := p.client.HLen(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	removed, err := p.client.SRem(ctx, presenceOnlineSet, userID).Result()
	return removed == 1, err
}

// Heartbeat keeps the user's connection hash alive.
func (p *PresenceStore) Heartbeat(ctx context.Context, userID string) error {
	return p.client.Expire(ctx, connectionsKeyPrefix+userID, p.ttl).Err()
}

// Online returns the sorted online user ids. Users whose connection hash
// expired (an instance died without disconnecting them) are pruned.
func (p *PresenceStore) Online(ctx context.Context) ([]string, error) {
	members, err := p.client.SMembers(ctx, presenceOnlineSet).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := p.client.Pipeline()
	exists := make([]*goredis.IntCmd, len(members))
	for i, id := range members {
		exists[i] = pipe.Exists(ctx, connectionsKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	online := make([]string, 0, len(members))
	var stale []any
	for i, id := range members {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		online = append(online, id)
	}
	if len(stale) > 0 {
		if err := p.client.SRem(ctx, presenceOnlineSet, stale...).Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(online)
	return online, nil
}

// ConnectionCount returns the number of live connections of a user.
func (p *PresenceStore) ConnectionCount(ctx context.Context, userID string) (int64, error) {
	return p.client.HLen(ctx, connectionsKeyPrefix+userID).Result()
}
