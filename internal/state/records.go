package state

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// recordVersion tags every persisted JSON blob. Records with a different
// version, or blobs that fail to decode, are treated as absent.
const recordVersion = 1

// FetchRecord is the persisted audit record of one fetch cycle.
type FetchRecord struct {
	Version   int                `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Result    metals.FetchResult `json:"result"`
}

// UpdateRecord is the persisted audit record of one on-chain update.
type UpdateRecord struct {
	Version   int                 `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Result    metals.UpdateResult `json:"result"`
}

// StatusRecord is the persisted watcher status.
type StatusRecord struct {
	Version int                  `json:"version"`
	Status  metals.WatcherStatus `json:"status"`
}

// Snapshot is one entry of the bounded price history.
type Snapshot struct {
	Version    int                              `json:"version"`
	Timestamp  time.Time                        `json:"timestamp"`
	Fetched    metals.Prices                    `json:"fetched"`
	OnChain    metals.Prices                    `json:"on_chain"`
	AuxPrice   decimal.Decimal                  `json:"aux_price"`
	Deviations map[metals.Metal]decimal.Decimal `json:"deviations"`
	Source     metals.Source                    `json:"source"`
}

// OverridePrices is an operator-supplied price set that supersedes the fetch
// chain until it expires.
type OverridePrices struct {
	Prices    metals.Prices   `json:"prices"`
	AuxPrice  decimal.Decimal `json:"aux_price"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// cachedPrices is the shared-namespace cache payload read by other processes.
type cachedPrices struct {
	Version  int             `json:"version"`
	Prices   metals.Prices   `json:"prices"`
	AuxPrice decimal.Decimal `json:"aux_price"`
	StoredAt time.Time       `json:"stored_at"`
}

// spreadConfig is the read-only buy-side markup owned by another system.
type spreadConfig struct {
	BuySpreadPct decimal.Decimal `json:"buy_spread_pct"`
}

// decodeVersioned unmarshals a versioned record; any decode failure or
// version mismatch yields false, matching the lenient "record absent"
// behaviour.
func decodeVersioned(data []byte, dest interface{}, version func() int) bool {
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	return version() == recordVersion
}
