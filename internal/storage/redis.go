package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/state"
)

const (
	stateKeyPrefix = "aggro:state:"
	cacheTTL       = 24 * time.Hour
)

// CachedStore layers a Redis write-through cache over a backing Store.
// Loads hit Redis first; a cache failure degrades to the backing store
// instead of failing the cycle.
type CachedStore struct {
	backing Store
	rdb     *redis.Client
	logger  zerolog.Logger
}

// NewCachedStore wraps backing with a Redis cache at addr.
func NewCachedStore(ctx context.Context, backing Store, addr string, logger zerolog.Logger) (*CachedStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("storage: ping redis: %w", err)
	}
	return &CachedStore{
		backing: backing,
		rdb:     rdb,
		logger:  logger.With().Str("component", "storage-cache").Logger(),
	}, nil
}

func (c *CachedStore) LoadState(ctx context.Context, symbol string) (*state.InstrumentState, error) {
	raw, err := c.rdb.Get(ctx, stateKeyPrefix+symbol).Bytes()
	if err == nil {
		st, derr := decodeState(raw)
		if derr == nil {
			return st, nil
		}
		// Corrupt cache entry: drop it and fall through to the backing store.
		c.logger.Warn().Str("symbol", symbol).Err(derr).Msg("discarding corrupt cached snapshot")
		c.rdb.Del(ctx, stateKeyPrefix+symbol)
	} else if err != redis.Nil {
		c.logger.Warn().Str("symbol", symbol).Err(err).Msg("redis load failed, using backing store")
	}
	return c.backing.LoadState(ctx, symbol)
}

func (c *CachedStore) SaveState(ctx context.Context, st *state.InstrumentState) error {
	if err := c.backing.SaveState(ctx, st); err != nil {
		return err
	}
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, stateKeyPrefix+st.Symbol, raw, cacheTTL).Err(); err != nil {
		// The durable write already landed; a stale cache self-heals on TTL.
		c.logger.Warn().Str("symbol", st.Symbol).Err(err).Msg("redis save failed")
	}
	return nil
}

func (c *CachedStore) LogTrade(ctx context.Context, rec TradeRecord) error {
	return c.backing.LogTrade(ctx, rec)
}

func (c *CachedStore) Close() {
	_ = c.rdb.Close()
	c.backing.Close()
}

var _ Store = (*CachedStore)(nil)
