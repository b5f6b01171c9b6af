package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"BetChannel/internal/projection"

	"github.com/redis/go-redis/v9"
)

// putPoolLua writes the pool hash only when the incoming version is newer
// than the stored one, so reordered or replayed snapshots never regress it.
const putPoolLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1],
    'version', ARGV[1],
    'market_id', ARGV[2],
    'status', ARGV[3],
    'pool_no', ARGV[4],
    'pool_yes', ARGV[5],
    'bet_count', ARGV[6],
    'bettors', ARGV[7],
    'updated_at', ARGV[8])
if tonumber(ARGV[9]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[9])
end
redis.call('SET', KEYS[2], ARGV[10])
return 1
`

// PoolCache implements projection.PoolStore using Redis hashes at
// "{prefix}:pool:{channelID}" plus a "{prefix}:market:{marketID}" pointer
// to the latest channel of each market.
type PoolCache struct {
	rdb    *redis.Client
	c      *Client
	ttl    time.Duration
	script *redis.Script
}

// NewPoolCache creates a PoolCache. A zero ttl keeps entries forever.
func NewPoolCache(c *Client, ttl time.Duration) *PoolCache {
	return &PoolCache{
		rdb:    c.Underlying(),
		c:      c,
		ttl:    ttl,
		script: redis.NewScript(putPoolLua),
	}
}

// PutPool stores snap unless a newer version is already cached.
func (pc *PoolCache) PutPool(ctx context.Context, snap projection.PoolSnapshot) error {
	keys := []string{pc.c.key("pool", snap.ChannelID), pc.c.key("market", snap.MarketID)}
	args := []interface{}{
		strconv.FormatUint(snap.Version, 10),
		snap.MarketID,
		snap.Status,
		strconv.FormatInt(snap.PoolNo, 10),
		strconv.FormatInt(snap.PoolYes, 10),
		strconv.Itoa(snap.BetCount),
		strconv.Itoa(snap.Bettors),
		strconv.FormatInt(snap.UpdatedAt.UnixNano(), 10),
		strconv.FormatInt(pc.ttl.Milliseconds(), 10),
		snap.ChannelID,
	}
	if err := pc.script.Run(ctx, pc.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis: put pool %s: %w", snap.ChannelID, err)
	}
	return nil
}

// GetPool returns the cached snapshot of a channel, or ErrCacheMiss.
func (pc *PoolCache) GetPool(ctx context.Context, channelID string) (projection.PoolSnapshot, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.c.key("pool", channelID)).Result()
	if err != nil {
		return projection.PoolSnapshot{}, fmt.Errorf("redis: get pool %s: %w", channelID, err)
	}
	if len(vals) == 0 {
		return projection.PoolSnapshot{}, ErrCacheMiss
	}
	return decodePool(channelID, vals)
}

// MarketChannel returns the id of the latest channel projected for a market.
func (pc *PoolCache) MarketChannel(ctx context.Context, marketID string) (string, error) {
	id, err := pc.rdb.Get(ctx, pc.c.key("market", marketID)).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis: get market %s: %w", marketID, err)
	}
	return id, nil
}

func decodePool(channelID string, vals map[string]string) (projection.PoolSnapshot, error) {
	snap := projection.PoolSnapshot{
		ChannelID: channelID,
		MarketID:  vals["market_id"],
		Status:    vals["status"],
	}

	var err error
	if snap.Version, err = strconv.ParseUint(vals["version"], 10, 64); err != nil {
		return snap, fmt.Errorf("redis: parse version %s: %w", channelID, err)
	}
	if snap.PoolNo, err = strconv.ParseInt(vals["pool_no"], 10, 64); err != nil {
		return snap, fmt.Errorf("redis: parse pool_no %s: %w", channelID, err)
	}
	if snap.PoolYes, err = strconv.ParseInt(vals["pool_yes"], 10, 64); err != nil {
		return snap, fmt.Errorf("redis: parse pool_yes %s: %w", channelID, err)
	}
	if snap.BetCount, err = strconv.Atoi(vals["bet_count"]); err != nil {
		return snap, fmt.Errorf("redis: parse bet_count %s: %w", channelID, err)
	}
	if snap.Bettors, err = strconv.Atoi(vals["bettors"]); err != nil {
		return snap, fmt.Errorf("redis: parse bettors %s: %w", channelID, err)
	}
	ts, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return snap, fmt.Errorf("redis: parse updated_at %s: %w", channelID, err)
	}
	snap.UpdatedAt = time.Unix(0, ts).UTC()
	return snap, nil
}

// Compile-time interface check.
var _ projection.PoolStore = (*PoolCache)(nil)
