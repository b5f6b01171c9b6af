package core

import (
	"container/list"
	"context"
	"sync"

	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"

	"github.com/rs/zerolog"
)

// DBBetDedup is the interface for the Postgres tier: it resolves a request id
// to the version it was applied at, from persisted channel history.
type DBBetDedup interface {
	LookupBet(ctx context.Context, channelID, requestID string) (version uint64, found bool, err error)
}

// BetDeduplicator implements two-tier request-id deduplication.
// Safe for concurrent use.
type BetDeduplicator struct {
	mu  sync.Mutex
	lru *RequestLRU

	db      DBBetDedup
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBetDeduplicator(capacity int, db DBBetDedup, metrics *observability.Metrics, logger zerolog.Logger) *BetDeduplicator {
	return &BetDeduplicator{
		lru:     NewRequestLRU(capacity),
		db:      db,
		metrics: metrics,
		logger:  logger,
	}
}

func dedupKey(channelID, requestID string) string {
	return channelID + ":" + requestID
}

// Lookup checks both tiers. A Postgres failure is logged and treated as a
// miss; the in-lock Recent check still guards against concurrent replays.
func (d *BetDeduplicator) Lookup(ctx context.Context, channelID, requestID string) (uint64, bool) {
	if v, ok := d.Recent(channelID, requestID); ok {
		return v, true
	}

	if d.db == nil {
		return 0, false
	}

	version, found, err := d.db.LookupBet(ctx, channelID, requestID)
	if err != nil {
		d.metrics.DedupTier2Error.Inc()
		d.logger.Warn().Err(err).
			Str("channel_id", channelID).
			Str("request_id", requestID).
			Msg("postgres dedup lookup failed, treating as miss")
		return 0, false
	}
	if !found {
		return 0, false
	}

	d.metrics.DedupHits.WithLabelValues("postgres").Inc()
	d.Record(channelID, requestID, version)
	return version, true
}

// Recent checks the in-memory tier only. Called inside the channel critical
// section, so it never blocks on I/O.
func (d *BetDeduplicator) Recent(channelID, requestID string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.lru.Get(dedupKey(channelID, requestID))
	if ok {
		d.metrics.DedupHits.WithLabelValues("lru").Inc()
	}
	return v, ok
}

// Record remembers the version a request id was applied at.
func (d *BetDeduplicator) Record(channelID, requestID string, version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lru.Add(dedupKey(channelID, requestID), version)
	d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
}

// Warm loads request ids from recovered history into the LRU to avoid
// cold-path DB lookups right after a restart.
func (d *BetDeduplicator) Warm(channelID string, history []ledger.HistoryEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range history {
		if h.RequestID == "" {
			continue
		}
		d.lru.Add(dedupKey(channelID, h.RequestID), h.Version)
	}
	d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
}

// --- LRU Implementation ---

// RequestLRU maps request keys to applied versions.
// Not thread-safe; BetDeduplicator serializes access.
type RequestLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key     string
	version uint64
}

func NewRequestLRU(capacity int) *RequestLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &RequestLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the stored version and promotes the key.
func (lru *RequestLRU) Get(key string) (uint64, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return 0, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).version, true
}

// Add inserts a key (or promotes if exists). The first recorded version wins.
func (lru *RequestLRU) Add(key string, version uint64) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, version: version})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *RequestLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *RequestLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *RequestLRU) Evictions() int64 {
	return lru.evictions
}
