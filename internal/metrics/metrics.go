package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// Recorder exposes watcher observability through Prometheus.
type Recorder struct {
	ticksTotal   *prometheus.CounterVec
	tickDuration prometheus.Histogram
	fetchesTotal *prometheus.CounterVec
	fetchedPrice *prometheus.GaugeVec
	deviationPct *prometheus.GaugeVec
	updatesTotal *prometheus.CounterVec
	errorCount   prometheus.Gauge
}

// New creates the recorder and registers all collectors on the default
// registry.
func New() *Recorder {
	return &Recorder{
		ticksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metalwatcher_ticks_total",
				Help: "Total watcher ticks by outcome",
			},
			[]string{"outcome"},
		),
		tickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metalwatcher_tick_duration_seconds",
				Help:    "Duration of full watcher ticks in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		fetchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metalwatcher_fetches_total",
				Help: "Total price fetches by winning source",
			},
			[]string{"source"},
		),
		fetchedPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metalwatcher_fetched_price_usd",
				Help: "Last fetched spot price per metal in USD",
			},
			[]string{"metal"},
		),
		deviationPct: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metalwatcher_deviation_pct",
				Help: "Last observed deviation between fetched and on-chain price per metal",
			},
			[]string{"metal"},
		),
		updatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metalwatcher_oracle_updates_total",
				Help: "Total on-chain update attempts by outcome",
			},
			[]string{"outcome"},
		),
		errorCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "metalwatcher_consecutive_update_failures",
				Help: "Current consecutive on-chain update failure count",
			},
		),
	}
}

// ObserveTick records one completed tick.
func (r *Recorder) ObserveTick(duration time.Duration, success bool) {
	r.ticksTotal.WithLabelValues(outcome(success)).Inc()
	r.tickDuration.Observe(duration.Seconds())
}

// RecordFetch records the winning source and per-metal prices of a fetch.
func (r *Recorder) RecordFetch(source metals.Source, prices metals.Prices) {
	r.fetchesTotal.WithLabelValues(string(source)).Inc()
	for _, m := range metals.All {
		value, _ := prices.Get(m).Float64()
		r.fetchedPrice.WithLabelValues(string(m)).Set(value)
	}
}

// RecordDeviations records the per-metal deviation gauges.
func (r *Recorder) RecordDeviations(deviations map[metals.Metal]decimal.Decimal) {
	for m, d := range deviations {
		value, _ := d.Float64()
		r.deviationPct.WithLabelValues(string(m)).Set(value)
	}
}

// RecordUpdate records one on-chain update attempt.
func (r *Recorder) RecordUpdate(success bool) {
	r.updatesTotal.WithLabelValues(outcome(success)).Inc()
}

// SetErrorCount records the current escalation counter.
func (r *Recorder) SetErrorCount(count int) {
	r.errorCount.Set(float64(count))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
