package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// SnapshotRow represents one archived watcher cycle.
type SnapshotRow struct {
	SnapshotTS time.Time
	Fetched    metals.Prices
	OnChain    metals.Prices
	AuxPrice   decimal.Decimal
	Deviations map[metals.Metal]decimal.Decimal
	Source     metals.Source
	CreatedAt  time.Time
}
