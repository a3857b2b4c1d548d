package metals

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Metal identifies one of the four tracked precious metals.
type Metal string

const (
	Gold      Metal = "gold"
	Silver    Metal = "silver"
	Platinum  Metal = "platinum"
	Palladium Metal = "palladium"
)

// All lists the tracked metals in contract argument order.
var All = []Metal{Gold, Silver, Platinum, Palladium}

// Symbol returns the feed ticker symbol for a metal.
func (m Metal) Symbol() string {
	switch m {
	case Gold:
		return "XAU"
	case Silver:
		return "XAG"
	case Platinum:
		return "XPT"
	case Palladium:
		return "XPD"
	}
	return ""
}

// Prices holds one USD-per-troy-ounce quote per metal.
type Prices struct {
	Gold      decimal.Decimal `json:"gold"`
	Silver    decimal.Decimal `json:"silver"`
	Platinum  decimal.Decimal `json:"platinum"`
	Palladium decimal.Decimal `json:"palladium"`
}

// Get returns the price for a single metal.
func (p Prices) Get(m Metal) decimal.Decimal {
	switch m {
	case Gold:
		return p.Gold
	case Silver:
		return p.Silver
	case Platinum:
		return p.Platinum
	case Palladium:
		return p.Palladium
	}
	return decimal.Zero
}

// Set assigns the price for a single metal.
func (p *Prices) Set(m Metal, v decimal.Decimal) {
	switch m {
	case Gold:
		p.Gold = v
	case Silver:
		p.Silver = v
	case Platinum:
		p.Platinum = v
	case Palladium:
		p.Palladium = v
	}
}

// Valid reports whether every metal carries a non-negative price.
func (p Prices) Valid() bool {
	for _, m := range All {
		if p.Get(m).IsNegative() {
			return false
		}
	}
	return true
}

// Source marks which stage of the fallback chain produced a fetch result.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceCache     Source = "stale-cache"
	SourceHardcoded Source = "hardcoded"
	SourceOverride  Source = "override"
)

// FetchResult is the outcome of one pass through the fetch chain. The chain
// degrades through sources rather than failing, so it is always populated.
type FetchResult struct {
	Prices     Prices          `json:"prices"`
	AuxPrice   decimal.Decimal `json:"aux_price"`
	Source     Source          `json:"source"`
	DurationMs int64           `json:"duration_ms"`
	Errors     []string        `json:"errors,omitempty"`
}

// AnomalyType classifies a detected anomaly.
type AnomalyType string

const (
	AnomalyPriceSpike    AnomalyType = "price_spike"
	AnomalyPriceCrash    AnomalyType = "price_crash"
	AnomalySourceFailure AnomalyType = "source_failure"
	AnomalyStaleData     AnomalyType = "stale_data"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly describes one abnormal observation from a cycle.
type Anomaly struct {
	Type     AnomalyType      `json:"type"`
	Metal    Metal            `json:"metal,omitempty"`
	Severity Severity         `json:"severity"`
	Message  string           `json:"message"`
	Value    *decimal.Decimal `json:"value,omitempty"`
}

// AnalysisResult is the output of comparing fetched, on-chain, and
// previous-cycle prices.
type AnalysisResult struct {
	Anomalies      []Anomaly                 `json:"anomalies,omitempty"`
	Deviations     map[Metal]decimal.Decimal `json:"deviations"`
	ShouldUpdate   bool                      `json:"should_update"`
	MetalsToUpdate []Metal                   `json:"metals_to_update,omitempty"`
}

// UpdateResult reports an attempted on-chain price update.
type UpdateResult struct {
	Success       bool            `json:"success"`
	TxHash        string          `json:"tx_hash,omitempty"`
	UpdatedMetals []Metal         `json:"updated_metals,omitempty"`
	BasePrices    Prices          `json:"base_prices"`
	SentPrices    Prices          `json:"sent_prices"`
	AuxPrice      decimal.Decimal `json:"aux_price"`
	Error         string          `json:"error,omitempty"`
}

// WatcherState enumerates the externally observable process states.
type WatcherState string

const (
	StateStopped WatcherState = "stopped"
	StateRunning WatcherState = "running"
	StatePaused  WatcherState = "paused"
	StateError   WatcherState = "error"
)

// WatcherStatus is the persisted per-tick status record.
type WatcherStatus struct {
	State       WatcherState `json:"state"`
	UptimeStart time.Time    `json:"uptime_start"`
	ErrorCount  int          `json:"error_count"`
	LastCycleMs int64        `json:"last_cycle_ms"`
}

// String implements fmt.Stringer for log fields.
func (m Metal) String() string { return string(m) }

var _ fmt.Stringer = Gold
