package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/config"
	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/state"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	ensureSchemaSQL = `CREATE TABLE IF NOT EXISTS price_snapshots (
        snapshot_ts       TIMESTAMPTZ PRIMARY KEY,
        fetched_gold      NUMERIC NOT NULL,
        fetched_silver    NUMERIC NOT NULL,
        fetched_platinum  NUMERIC NOT NULL,
        fetched_palladium NUMERIC NOT NULL,
        onchain_gold      NUMERIC NOT NULL,
        onchain_silver    NUMERIC NOT NULL,
        onchain_platinum  NUMERIC NOT NULL,
        onchain_palladium NUMERIC NOT NULL,
        aux_price         NUMERIC NOT NULL,
        deviations        JSONB NOT NULL,
        source            TEXT NOT NULL,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertSnapshotSQL = `INSERT INTO price_snapshots (
        snapshot_ts,
        fetched_gold,
        fetched_silver,
        fetched_platinum,
        fetched_palladium,
        onchain_gold,
        onchain_silver,
        onchain_platinum,
        onchain_palladium,
        aux_price,
        deviations,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (snapshot_ts) DO UPDATE
    SET
        fetched_gold      = EXCLUDED.fetched_gold,
        fetched_silver    = EXCLUDED.fetched_silver,
        fetched_platinum  = EXCLUDED.fetched_platinum,
        fetched_palladium = EXCLUDED.fetched_palladium,
        onchain_gold      = EXCLUDED.onchain_gold,
        onchain_silver    = EXCLUDED.onchain_silver,
        onchain_platinum  = EXCLUDED.onchain_platinum,
        onchain_palladium = EXCLUDED.onchain_palladium,
        aux_price         = EXCLUDED.aux_price,
        deviations        = EXCLUDED.deviations,
        source            = EXCLUDED.source;`

	listSnapshotsBetweenSQL = `SELECT
        snapshot_ts,
        fetched_gold,
        fetched_silver,
        fetched_platinum,
        fetched_palladium,
        onchain_gold,
        onchain_silver,
        onchain_platinum,
        onchain_palladium,
        aux_price,
        deviations,
        source,
        created_at
    FROM price_snapshots
    WHERE snapshot_ts >= $1
      AND snapshot_ts < $2
    ORDER BY snapshot_ts;`

	listRecentSnapshotsSQL = `SELECT
        snapshot_ts,
        fetched_gold,
        fetched_silver,
        fetched_platinum,
        fetched_palladium,
        onchain_gold,
        onchain_silver,
        onchain_platinum,
        onchain_palladium,
        aux_price,
        deviations,
        source,
        created_at
    FROM price_snapshots
    ORDER BY snapshot_ts DESC
    LIMIT $1;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM price_snapshots;`
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// SnapshotStore defines operations for snapshot archiving and retrieval.
type SnapshotStore interface {
	ArchiveSnapshot(ctx context.Context, snap state.Snapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRow, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRow, error)
	CountSnapshots(ctx context.Context) (int64, error)
}

// Store archives watcher snapshots in PostgreSQL for long-term analysis,
// beyond the bounded Redis history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the snapshot table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, ensureSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// ArchiveSnapshot persists one cycle snapshot, keyed by its timestamp.
func (s *Store) ArchiveSnapshot(ctx context.Context, snap state.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	deviations, err := json.Marshal(snap.Deviations)
	if err != nil {
		return fmt.Errorf("marshal deviations: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.Timestamp,
		snap.Fetched.Gold.String(),
		snap.Fetched.Silver.String(),
		snap.Fetched.Platinum.String(),
		snap.Fetched.Palladium.String(),
		snap.OnChain.Gold.String(),
		snap.OnChain.Silver.String(),
		snap.OnChain.Platinum.String(),
		snap.OnChain.Palladium.String(),
		snap.AuxPrice.String(),
		deviations,
		string(snap.Source),
	)
	if execErr != nil {
		return fmt.Errorf("archive snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]SnapshotRow, 0)
	for rows.Next() {
		row, scanErr := scanSnapshotRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// ListRecentSnapshots lists the most recent snapshots in descending order.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]SnapshotRow, 0, limit)
	for rows.Next() {
		row, scanErr := scanSnapshotRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// CountSnapshots counts archived snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

func scanSnapshotRow(rows pgx.Rows) (SnapshotRow, error) {
	var (
		snapshotTS time.Time
		fetched    [4]string
		onChain    [4]string
		auxStr     string
		deviations json.RawMessage
		source     string
		createdAt  time.Time
	)

	if err := rows.Scan(
		&snapshotTS,
		&fetched[0], &fetched[1], &fetched[2], &fetched[3],
		&onChain[0], &onChain[1], &onChain[2], &onChain[3],
		&auxStr,
		&deviations,
		&source,
		&createdAt,
	); err != nil {
		return SnapshotRow{}, err
	}

	row := SnapshotRow{
		SnapshotTS: snapshotTS,
		Source:     metals.Source(source),
		CreatedAt:  createdAt,
	}

	for i, m := range metals.All {
		value, err := decimal.NewFromString(fetched[i])
		if err != nil {
			return SnapshotRow{}, fmt.Errorf("parse fetched %s: %w", m, err)
		}
		row.Fetched.Set(m, value)

		value, err = decimal.NewFromString(onChain[i])
		if err != nil {
			return SnapshotRow{}, fmt.Errorf("parse on-chain %s: %w", m, err)
		}
		row.OnChain.Set(m, value)
	}

	aux, err := decimal.NewFromString(auxStr)
	if err != nil {
		return SnapshotRow{}, fmt.Errorf("parse aux price: %w", err)
	}
	row.AuxPrice = aux

	if err := json.Unmarshal(deviations, &row.Deviations); err != nil {
		return SnapshotRow{}, fmt.Errorf("parse deviations: %w", err)
	}

	return row, nil
}
