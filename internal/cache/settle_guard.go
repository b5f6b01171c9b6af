package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// SettleGuard implements settlement.Guard across processes with SET NX and
// a TTL. The TTL must exceed the longest settlement attempt.
type SettleGuard struct {
	rdb      *redis.Client
	c        *Client
	ttl      time.Duration
	unlockSc *redis.Script
}

func NewSettleGuard(c *Client, ttl time.Duration) *SettleGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SettleGuard{
		rdb:      c.Underlying(),
		c:        c,
		ttl:      ttl,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire takes the settlement lock of one channel. It returns
// ledger.ErrSettlementInProgress if another holder is active.
func (g *SettleGuard) Acquire(ctx context.Context, channelID string) (func(), error) {
	token := uuid.New().String()
	lk := g.c.key("settle", channelID)

	ok, err := g.rdb.SetNX(ctx, lk, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire settle lock %s: %w", channelID, err)
	}
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, ledger.ErrSettlementInProgress)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Background context so release succeeds after the caller's ctx ends
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = g.unlockSc.Run(unlockCtx, g.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

// Compile-time interface check.
var _ settlement.Guard = (*SettleGuard)(nil)
