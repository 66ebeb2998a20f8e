// Package cluster lets several chat nodes share presence counts and event
// delivery through Redis.
package cluster

import (
	"chatio/internal/presence"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultNodeTTL is how long a node's slots survive without a heartbeat.
const DefaultNodeTTL = 30 * time.Second

// liveCount sums the slots of nodes whose heartbeat key still exists and
// drops the slots of nodes that stopped beating.
// KEYS[1] presence hash, ARGV[1] node key prefix.
const liveCount = `
local function live(key, prefix)
	local total = 0
	local fields = redis.call('HGETALL', key)
	for i = 1, #fields, 2 do
		if redis.call('EXISTS', prefix .. fields[i]) == 1 then
			total = total + tonumber(fields[i + 1])
		else
			redis.call('HDEL', key, fields[i])
		end
	end
	return total
end
`

// ARGV[2] node id, ARGV[3] node TTL in milliseconds.
var acquireScript = redis.NewScript(liveCount + `
redis.call('SET', ARGV[1] .. ARGV[2], 1, 'PX', ARGV[3])
redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
return live(KEYS[1], ARGV[1])
`)

// Returns -1 when this node holds no slot for the user.
var releaseScript = redis.NewScript(liveCount + `
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
if n <= 0 then
	return -1
end
if n == 1 then
	redis.call('HDEL', KEYS[1], ARGV[2])
else
	redis.call('HINCRBY', KEYS[1], ARGV[2], -1)
end
return live(KEYS[1], ARGV[1])
`)

var countScript = redis.NewScript(liveCount + `
return live(KEYS[1], ARGV[1])
`)

var _ presence.Store = (*Presence)(nil)

// Presence is a presence.Store shared by every node using the same Redis
// and key prefix. Each user's count is a hash of per-node slots; slots of a
// node whose heartbeat expired are ignored and removed on the next access,
// so a crashed node cannot keep its users online.
type Presence struct {
	client    *redis.Client
	keyPrefix string
	nodeID    string
	ttl       time.Duration
}

func NewPresence(client *redis.Client, keyPrefix string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultNodeTTL
	}
	return &Presence{
		client:    client,
		keyPrefix: keyPrefix,
		nodeID:    uuid.NewString(),
		ttl:       ttl,
	}
}

func (p *Presence) NodeID() string {
	return p.nodeID
}

func (p *Presence) key(userID string) string {
	return p.keyPrefix + "presence:" + userID
}

func (p *Presence) nodePrefix() string {
	return p.keyPrefix + "node:"
}

func (p *Presence) Acquire(ctx context.Context, userID string) (int64, error) {
	n, err := acquireScript.Run(ctx, p.client, []string{p.key(userID)},
		p.nodePrefix(), p.nodeID, p.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("acquire presence for %s: %w", userID, err)
	}
	return n, nil
}

func (p *Presence) Release(ctx context.Context, userID string) (int64, error) {
	n, err := releaseScript.Run(ctx, p.client, []string{p.key(userID)},
		p.nodePrefix(), p.nodeID).Int64()
	if err != nil {
		return 0, fmt.Errorf("release presence for %s: %w", userID, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("release presence for %s: %w", userID, presence.ErrNotHeld)
	}
	return n, nil
}

func (p *Presence) Count(ctx context.Context, userID string) (int64, error) {
	n, err := countScript.Run(ctx, p.client, []string{p.key(userID)}, p.nodePrefix()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count presence for %s: %w", userID, err)
	}
	return n, nil
}

// Run keeps this node's heartbeat alive until ctx is done. The key is left
// to expire afterwards so connections still closing can release their slots.
func (p *Presence) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.ttl / 3)
	defer ticker.Stop()

	for {
		if err := p.client.Set(ctx, p.nodePrefix()+p.nodeID, 1, p.ttl).Err(); err != nil && ctx.Err() == nil {
			slog.Warn("failed to refresh presence heartbeat", "node_id", p.nodeID, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
