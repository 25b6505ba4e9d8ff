package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepGuard keeps two sweeps from working on the same complaint at once.
// Acquire reports ok=false when another holder owns the complaint.
type SweepGuard interface {
	Acquire(ctx context.Context, complaintID string) (release func(), ok bool, err error)
}

// LocalGuard guards complaints within one process.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, complaintID string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[complaintID]; busy {
		return nil, false, nil
	}
	g.held[complaintID] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.held, complaintID)
		g.mu.Unlock()
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = guard key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard guards complaints across engine replicas. The TTL bounds how
// long a crashed holder can block a complaint.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{client: client, prefix: "complaint-engine:sweep:", ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, complaintID string) (func(), bool, error) {
	key := g.prefix + complaintID
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweep guard %s: %w", complaintID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{key}, token).Err()
	}, true, nil
}
