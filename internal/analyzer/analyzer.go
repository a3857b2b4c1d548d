package analyzer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

var dec100 = decimal.NewFromInt(100)

// Options hold the analysis thresholds.
type Options struct {
	// DeviationThresholdPct is the maximum tolerated gap between fetched
	// and on-chain prices before an update is warranted.
	DeviationThresholdPct decimal.Decimal
	// AnomalyThresholdPct is the maximum tolerated change between
	// consecutive fetch cycles before a spike/crash is flagged.
	AnomalyThresholdPct decimal.Decimal
	// StalenessThreshold is the maximum age of the last successful update
	// before stale data is reported.
	StalenessThreshold time.Duration
}

// Analyzer compares fetched, on-chain, and previous-cycle prices. It is a
// pure computation; the clock is injectable for tests.
type Analyzer struct {
	opts Options
	now  func() time.Time
}

// New constructs an analyzer.
func New(opts Options) *Analyzer {
	return &Analyzer{opts: opts, now: time.Now}
}

// WithClock overrides the wall clock. Test hook.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// Analyze runs the three independent checks: per-metal deviation against the
// on-chain state, per-metal spike/crash against the previous cycle, and
// staleness of the last update. Anomalies never imply or suppress
// ShouldUpdate.
func (a *Analyzer) Analyze(fetched, onChain metals.Prices, previous *metals.Prices, lastUpdate *time.Time) metals.AnalysisResult {
	result := metals.AnalysisResult{
		Deviations: make(map[metals.Metal]decimal.Decimal, len(metals.All)),
	}

	for _, m := range metals.All {
		deviation, flagged := a.deviation(fetched.Get(m), onChain.Get(m))
		result.Deviations[m] = deviation
		if flagged {
			result.ShouldUpdate = true
			result.MetalsToUpdate = append(result.MetalsToUpdate, m)
		}
	}

	if previous != nil {
		for _, m := range metals.All {
			if anomaly := a.spikeOrCrash(m, fetched.Get(m), previous.Get(m)); anomaly != nil {
				result.Anomalies = append(result.Anomalies, *anomaly)
			}
		}
	}

	if anomaly := a.staleness(lastUpdate); anomaly != nil {
		result.Anomalies = append(result.Anomalies, *anomaly)
	}

	return result
}

// deviation returns the rounded percentage gap and whether the metal needs an
// update. A non-positive on-chain price is the uninitialized sentinel: the
// deviation is pinned to 100% and the metal is always flagged.
func (a *Analyzer) deviation(fetched, onChain decimal.Decimal) (decimal.Decimal, bool) {
	if !onChain.IsPositive() {
		return dec100, true
	}
	deviation := fetched.Sub(onChain).Abs().Div(onChain).Mul(dec100).Round(2)
	return deviation, deviation.GreaterThan(a.opts.DeviationThresholdPct)
}

func (a *Analyzer) spikeOrCrash(m metals.Metal, current, previous decimal.Decimal) *metals.Anomaly {
	if !previous.IsPositive() {
		return nil
	}

	change := current.Sub(previous).Div(previous).Mul(dec100).Round(2)
	if !change.Abs().GreaterThan(a.opts.AnomalyThresholdPct) {
		return nil
	}

	kind := metals.AnomalyPriceSpike
	verb := "spiked"
	if change.IsNegative() {
		kind = metals.AnomalyPriceCrash
		verb = "crashed"
	}

	value := change
	return &metals.Anomaly{
		Type:     kind,
		Metal:    m,
		Severity: metals.SeverityCritical,
		Message:  fmt.Sprintf("%s price %s %s%% since last cycle (%s -> %s)", m, verb, change.Abs(), previous, current),
		Value:    &value,
	}
}

func (a *Analyzer) staleness(lastUpdate *time.Time) *metals.Anomaly {
	if lastUpdate == nil || a.opts.StalenessThreshold <= 0 {
		return nil
	}

	elapsed := a.now().Sub(*lastUpdate)
	if elapsed <= a.opts.StalenessThreshold {
		return nil
	}

	minutes := decimal.NewFromFloat(elapsed.Minutes()).Round(0)
	return &metals.Anomaly{
		Type:     metals.AnomalyStaleData,
		Severity: metals.SeverityWarning,
		Message:  fmt.Sprintf("oracle not updated for %s minutes", minutes),
		Value:    &minutes,
	}
}
