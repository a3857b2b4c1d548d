package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// Application-owned keys, wrapped with the configured namespace.
const (
	keyKillSwitch      = "kill_switch"
	keyOverridePrices  = "override:prices"
	keyOverrideExpires = "override:expires"
	keyLastUpdate      = "last_update"
	keyLastFetch       = "last_fetch"
	keyStatus          = "status"
	keyErrorCount      = "error_count"
	keyPriceHistory    = "price_history"
	keyCooldownPrefix  = "alert:cooldown:"
)

// Shared-namespace keys consumed by external processes. The spread config is
// owned elsewhere and only read here.
const (
	sharedLatestKey = "metals:prices:latest"
	sharedStaleKey  = "metals:prices:stale"
	sharedSpreadKey = "metals:config:spread"
)

// Options configure the state store connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	Namespace    string
	CacheTTL     time.Duration
	HistoryLimit int64
}

// Store is the durable key-value state shared across ticks: status, history,
// kill switch, overrides, error counters, and the cross-process price cache.
// Individual operations are atomic on the Redis side; ticks never overlap, so
// no further coordination is needed.
type Store struct {
	client       *redis.Client
	namespace    string
	cacheTTL     time.Duration
	historyLimit int64
	logger       zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(opts Options, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newWithClient(client, opts, logger), nil
}

func newWithClient(client *redis.Client, opts Options, logger zerolog.Logger) *Store {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "metalwatcher"
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 1000
	}

	return &Store{
		client:       client,
		namespace:    namespace,
		cacheTTL:     cacheTTL,
		historyLimit: historyLimit,
		logger:       logger.With().Str("component", "state_store").Logger(),
	}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(name string) string {
	return s.namespace + ":" + name
}

// KillSwitch reads the kill switch flag. Store errors read as false.
func (s *Store) KillSwitch(ctx context.Context) bool {
	val, err := s.client.Get(ctx, s.key(keyKillSwitch)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Msg("kill switch read failed, defaulting to off")
		}
		return false
	}
	return val == "true"
}

// SetKillSwitch persists the kill switch flag.
func (s *Store) SetKillSwitch(ctx context.Context, active bool) error {
	val := "false"
	if active {
		val = "true"
	}
	if err := s.client.Set(ctx, s.key(keyKillSwitch), val, 0).Err(); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

// Override returns the active override price set, clearing it when expired.
func (s *Store) Override(ctx context.Context) *OverridePrices {
	data, err := s.client.Get(ctx, s.key(keyOverridePrices)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Msg("override read failed")
		}
		return nil
	}

	var override OverridePrices
	if err := json.Unmarshal(data, &override); err != nil {
		s.logger.Warn().Err(err).Msg("override prices unparsable, treating as absent")
		return nil
	}

	expiresRaw, err := s.client.Get(ctx, s.key(keyOverrideExpires)).Result()
	if err != nil {
		return nil
	}
	expires, err := time.Parse(time.RFC3339, expiresRaw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("override expiry unparsable, treating as absent")
		return nil
	}

	if time.Now().After(expires) {
		if err := s.ClearOverride(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to clear expired override")
		}
		return nil
	}

	override.ExpiresAt = expires
	return &override
}

// SetOverride installs an override price set with an expiry.
func (s *Store) SetOverride(ctx context.Context, prices metals.Prices, aux decimal.Decimal, expiresAt time.Time) error {
	data, err := json.Marshal(OverridePrices{Prices: prices, AuxPrice: aux, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal override: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyOverridePrices), data, 0).Err(); err != nil {
		return fmt.Errorf("set override prices: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyOverrideExpires), expiresAt.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("set override expiry: %w", err)
	}
	return nil
}

// ClearOverride removes any override price set.
func (s *Store) ClearOverride(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(keyOverridePrices), s.key(keyOverrideExpires)).Err(); err != nil {
		return fmt.Errorf("clear override: %w", err)
	}
	return nil
}

// LastFetch returns the previous cycle's fetch record, or nil.
func (s *Store) LastFetch(ctx context.Context) *FetchRecord {
	data, err := s.client.Get(ctx, s.key(keyLastFetch)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Msg("last fetch read failed")
		}
		return nil
	}
	var rec FetchRecord
	if !decodeVersioned(data, &rec, func() int { return rec.Version }) {
		return nil
	}
	return &rec
}

// SetLastFetch persists the fetch audit record.
func (s *Store) SetLastFetch(ctx context.Context, result metals.FetchResult) error {
	rec := FetchRecord{Version: recordVersion, Timestamp: time.Now().UTC(), Result: result}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fetch record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyLastFetch), data, 0).Err(); err != nil {
		return fmt.Errorf("set last fetch: %w", err)
	}
	return nil
}

// LastUpdate returns the most recent successful update record, or nil.
func (s *Store) LastUpdate(ctx context.Context) *UpdateRecord {
	data, err := s.client.Get(ctx, s.key(keyLastUpdate)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Msg("last update read failed")
		}
		return nil
	}
	var rec UpdateRecord
	if !decodeVersioned(data, &rec, func() int { return rec.Version }) {
		return nil
	}
	return &rec
}

// SetLastUpdate persists the update audit record.
func (s *Store) SetLastUpdate(ctx context.Context, result metals.UpdateResult) error {
	rec := UpdateRecord{Version: recordVersion, Timestamp: time.Now().UTC(), Result: result}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal update record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyLastUpdate), data, 0).Err(); err != nil {
		return fmt.Errorf("set last update: %w", err)
	}
	return nil
}

// Status reads the persisted watcher status. Store errors read as stopped.
func (s *Store) Status(ctx context.Context) metals.WatcherStatus {
	data, err := s.client.Get(ctx, s.key(keyStatus)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Msg("status read failed, defaulting to stopped")
		}
		return metals.WatcherStatus{State: metals.StateStopped}
	}
	var rec StatusRecord
	if !decodeVersioned(data, &rec, func() int { return rec.Version }) {
		return metals.WatcherStatus{State: metals.StateStopped}
	}
	return rec.Status
}

// SetStatus persists the watcher status.
func (s *Store) SetStatus(ctx context.Context, status metals.WatcherStatus) error {
	data, err := json.Marshal(StatusRecord{Version: recordVersion, Status: status})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyStatus), data, 0).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// ErrorCount reads the consecutive update failure counter.
func (s *Store) ErrorCount(ctx context.Context) int {
	count, err := s.client.Get(ctx, s.key(keyErrorCount)).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error().Err(err).Msg("error count read failed, defaulting to zero")
		}
		return 0
	}
	return count
}

// IncrErrorCount atomically bumps the failure counter and returns the new value.
func (s *Store) IncrErrorCount(ctx context.Context) (int, error) {
	count, err := s.client.Incr(ctx, s.key(keyErrorCount)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr error count: %w", err)
	}
	return int(count), nil
}

// ResetErrorCount zeroes the failure counter.
func (s *Store) ResetErrorCount(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(keyErrorCount)).Err(); err != nil {
		return fmt.Errorf("reset error count: %w", err)
	}
	return nil
}

// PushSnapshot prepends a snapshot to the bounded history, evicting the
// oldest entries beyond the limit.
func (s *Store) PushSnapshot(ctx context.Context, snap Snapshot) error {
	snap.Version = recordVersion
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := s.key(keyPriceHistory)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push snapshot: %w", err)
	}
	return nil
}

// History returns the newest-first snapshot list, capped at limit.
func (s *Store) History(ctx context.Context, limit int64) ([]Snapshot, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	raw, err := s.client.LRange(ctx, s.key(keyPriceHistory), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(raw))
	for _, item := range raw {
		var snap Snapshot
		if !decodeVersioned([]byte(item), &snap, func() int { return snap.Version }) {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// TryCooldown attempts to set the cooldown marker for an alert type. It
// returns true when the marker was absent, i.e. the alert may be sent.
func (s *Store) TryCooldown(ctx context.Context, alertType string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.key(keyCooldownPrefix+alertType), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set cooldown: %w", err)
	}
	return acquired, nil
}

// StorePrices writes the normalized fetch result to the shared cache: a
// short-TTL fresh copy plus an unbounded stale copy for fallback.
func (s *Store) StorePrices(ctx context.Context, prices metals.Prices, aux decimal.Decimal) error {
	payload := cachedPrices{
		Version:  recordVersion,
		Prices:   prices,
		AuxPrice: aux,
		StoredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal price cache: %w", err)
	}
	if err := s.client.Set(ctx, sharedLatestKey, data, s.cacheTTL).Err(); err != nil {
		return fmt.Errorf("set fresh price cache: %w", err)
	}
	if err := s.client.Set(ctx, sharedStaleKey, data, 0).Err(); err != nil {
		return fmt.Errorf("set stale price cache: %w", err)
	}
	return nil
}

// CachedPrices reads the stale copy of the shared price cache.
func (s *Store) CachedPrices(ctx context.Context) (metals.Prices, decimal.Decimal, error) {
	data, err := s.client.Get(ctx, sharedStaleKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return metals.Prices{}, decimal.Zero, errors.New("price cache empty")
		}
		return metals.Prices{}, decimal.Zero, fmt.Errorf("read price cache: %w", err)
	}
	var payload cachedPrices
	if !decodeVersioned(data, &payload, func() int { return payload.Version }) {
		return metals.Prices{}, decimal.Zero, errors.New("price cache unparsable")
	}
	return payload.Prices, payload.AuxPrice, nil
}

// BuySpreadPct reads the externally-owned spread configuration. Absent or
// unparsable config reads as zero spread.
func (s *Store) BuySpreadPct(ctx context.Context) (decimal.Decimal, error) {
	data, err := s.client.Get(ctx, sharedSpreadKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("read spread config: %w", err)
	}
	var cfg spreadConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Warn().Err(err).Msg("spread config unparsable, using zero")
		return decimal.Zero, nil
	}
	return cfg.BuySpreadPct, nil
}
