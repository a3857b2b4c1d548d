package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/alerting"
	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/state"
)

// ErrInFlight reports a tick request dropped because another tick is running.
var ErrInFlight = errors.New("watcher: tick already in flight")

// PriceFetcher runs the source fallback chain. It never fails.
type PriceFetcher interface {
	Fetch(ctx context.Context) metals.FetchResult
}

// OracleReader reads the current on-chain prices, degrading to the all-zero
// sentinel on failure.
type OracleReader interface {
	Read(ctx context.Context) (metals.Prices, decimal.Decimal)
}

// OracleUpdater submits a price update, reporting failure in the result.
type OracleUpdater interface {
	Update(ctx context.Context, prices metals.Prices, aux decimal.Decimal) metals.UpdateResult
}

// Analyzer compares fetched, on-chain, and previous-cycle prices.
type Analyzer interface {
	Analyze(fetched, onChain metals.Prices, previous *metals.Prices, lastUpdate *time.Time) metals.AnalysisResult
}

// AlertSender dispatches cooldown-gated notifications.
type AlertSender interface {
	Send(ctx context.Context, payload alerting.Payload) bool
	DispatchAnomalies(ctx context.Context, anomalies []metals.Anomaly)
}

// StateStore is the durable state consumed by the tick pipeline.
type StateStore interface {
	KillSwitch(ctx context.Context) bool
	SetKillSwitch(ctx context.Context, active bool) error
	Override(ctx context.Context) *state.OverridePrices
	LastFetch(ctx context.Context) *state.FetchRecord
	SetLastFetch(ctx context.Context, result metals.FetchResult) error
	LastUpdate(ctx context.Context) *state.UpdateRecord
	SetLastUpdate(ctx context.Context, result metals.UpdateResult) error
	SetStatus(ctx context.Context, status metals.WatcherStatus) error
	ErrorCount(ctx context.Context) int
	IncrErrorCount(ctx context.Context) (int, error)
	ResetErrorCount(ctx context.Context) error
	PushSnapshot(ctx context.Context, snap state.Snapshot) error
}

// Archiver receives snapshots for long-term storage. Optional.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, snap state.Snapshot) error
}

// Metrics records tick observability. Optional.
type Metrics interface {
	ObserveTick(duration time.Duration, success bool)
	RecordFetch(source metals.Source, prices metals.Prices)
	RecordDeviations(deviations map[metals.Metal]decimal.Decimal)
	RecordUpdate(success bool)
	SetErrorCount(count int)
}

// Options define the failure-escalation thresholds.
type Options struct {
	// ErrorAlertThreshold is the consecutive update failure count at which
	// a single update_failure alert is dispatched.
	ErrorAlertThreshold int
	// AutoPauseThreshold is the consecutive failure count at which the
	// kill switch is set automatically.
	AutoPauseThreshold int
}

// Service orchestrates one full cycle: fetch, read, analyze, update, alert,
// persist. It is the only active component; everything else is called
// synchronously in sequence within a tick.
type Service struct {
	fetcher  PriceFetcher
	reader   OracleReader
	updater  OracleUpdater
	analyzer Analyzer
	alerts   AlertSender
	store    StateStore
	archive  Archiver
	metrics  Metrics
	logger   zerolog.Logger
	opts     Options

	now         func() time.Time
	inFlight    atomic.Bool
	uptimeStart time.Time
}

// New constructs the watcher service.
func New(fetcher PriceFetcher, reader OracleReader, updater OracleUpdater, analyzer Analyzer, alerts AlertSender, store StateStore, opts Options, logger zerolog.Logger) *Service {
	if opts.ErrorAlertThreshold <= 0 {
		opts.ErrorAlertThreshold = 3
	}
	if opts.AutoPauseThreshold < opts.ErrorAlertThreshold {
		opts.AutoPauseThreshold = opts.ErrorAlertThreshold + 2
	}
	return &Service{
		fetcher:  fetcher,
		reader:   reader,
		updater:  updater,
		analyzer: analyzer,
		alerts:   alerts,
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "watcher").Logger(),
		now:      time.Now,
	}
}

// WithArchiver attaches the optional snapshot archive.
func (s *Service) WithArchiver(archive Archiver) *Service {
	s.archive = archive
	return s
}

// WithMetrics attaches the optional metrics recorder.
func (s *Service) WithMetrics(metrics Metrics) *Service {
	s.metrics = metrics
	return s
}

// WithClock overrides the wall clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start records the uptime origin and persists the initial running status.
func (s *Service) Start(ctx context.Context) {
	s.uptimeStart = s.now().UTC()
	s.persistStatus(ctx, metals.StateRunning, 0)
	s.logger.Info().Msg("watcher started")
}

// Stop persists the terminal stopped status at shutdown.
func (s *Service) Stop(ctx context.Context) {
	s.persistStatus(ctx, metals.StateStopped, 0)
	s.logger.Info().Msg("watcher stopped")
}

// Tick runs one scheduled cycle. A tick requested while another is in flight
// is dropped with a warning, never queued.
func (s *Service) Tick(ctx context.Context) error {
	err := s.tick(ctx)
	if errors.Is(err, ErrInFlight) {
		s.logger.Warn().Msg("tick already in flight, dropping scheduled tick")
		return nil
	}
	return err
}

// ForceTick runs one cycle outside the timer, sharing the single-flight
// guard. Used by the admin boundary.
func (s *Service) ForceTick(ctx context.Context) error {
	s.logger.Info().Msg("force tick requested")
	return s.tick(ctx)
}

func (s *Service) tick(ctx context.Context) (err error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrInFlight
	}
	defer s.inFlight.Store(false)

	start := s.now()
	defer func() {
		elapsed := s.now().Sub(start)

		// Nothing in the tick pipeline may terminate the process.
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			s.logger.Error().Interface("panic", r).Msg("tick panicked")
			s.persistStatus(ctx, metals.StateError, elapsed.Milliseconds())
		}

		if s.metrics != nil {
			s.metrics.ObserveTick(elapsed, err == nil)
		}
	}()

	err = s.runCycle(ctx, start)
	return err
}

func (s *Service) runCycle(ctx context.Context, start time.Time) error {
	// Previous-cycle records must be read before this cycle overwrites them.
	prevFetch := s.store.LastFetch(ctx)
	prevUpdate := s.store.LastUpdate(ctx)

	killSwitch := s.store.KillSwitch(ctx)
	override := s.store.Override(ctx)

	// Step 2: acquire prices, by override or by the fallback chain.
	var fetch metals.FetchResult
	if override != nil {
		fetch = metals.FetchResult{
			Prices:   override.Prices,
			AuxPrice: override.AuxPrice,
			Source:   metals.SourceOverride,
		}
		if !fetch.AuxPrice.IsPositive() && prevFetch != nil {
			fetch.AuxPrice = prevFetch.Result.AuxPrice
		}
		s.logger.Info().Time("expires", override.ExpiresAt).Msg("override active, bypassing fetch chain")
	} else {
		fetch = s.fetcher.Fetch(ctx)
		if err := s.store.SetLastFetch(ctx, fetch); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist fetch record")
		}
		if fetch.Source == metals.SourceHardcoded && len(fetch.Errors) > 0 {
			s.alerts.Send(ctx, alerting.Payload{
				Type:      alerting.AlertSourceFailure,
				Severity:  metals.SeverityCritical,
				Message:   fmt.Sprintf("all price sources failed, using hardcoded prices: %v", fetch.Errors),
				Timestamp: s.now().UTC(),
			})
		}
	}
	if s.metrics != nil {
		s.metrics.RecordFetch(fetch.Source, fetch.Prices)
	}

	// Step 3: current on-chain state, zero sentinel on failure.
	onChain, onChainAux := s.reader.Read(ctx)

	// Step 4: analysis against previous cycle and last update time.
	var prevPrices *metals.Prices
	if prevFetch != nil {
		prevPrices = &prevFetch.Result.Prices
	}
	var lastUpdateAt *time.Time
	if prevUpdate != nil {
		lastUpdateAt = &prevUpdate.Timestamp
	}
	analysis := s.analyzer.Analyze(fetch.Prices, onChain, prevPrices, lastUpdateAt)
	if s.metrics != nil {
		s.metrics.RecordDeviations(analysis.Deviations)
	}

	// Step 5: anomaly alerts, independent of the update decision.
	if len(analysis.Anomalies) > 0 {
		s.alerts.DispatchAnomalies(ctx, analysis.Anomalies)
	}

	// Step 6: on-chain update gated by the kill switch.
	if analysis.ShouldUpdate {
		if killSwitch {
			s.logger.Info().Strs("metals", metalNames(analysis.MetalsToUpdate)).Msg("update needed but kill switch is on, skipping")
		} else {
			killSwitch = s.executeUpdate(ctx, fetch)
		}
	} else {
		s.logger.Debug().Str("source", string(fetch.Source)).Str("aux_on_chain", onChainAux.String()).Msg("prices within threshold, no update needed")
	}

	// Step 7: persist externally observable status.
	stateNow := metals.StateRunning
	if killSwitch {
		stateNow = metals.StatePaused
	}
	s.persistStatus(ctx, stateNow, s.now().Sub(start).Milliseconds())

	// Step 8: bounded history snapshot.
	snap := state.Snapshot{
		Timestamp:  s.now().UTC(),
		Fetched:    fetch.Prices,
		OnChain:    onChain,
		AuxPrice:   fetch.AuxPrice,
		Deviations: analysis.Deviations,
		Source:     fetch.Source,
	}
	if err := s.store.PushSnapshot(ctx, snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to push price snapshot")
	}
	if s.archive != nil {
		if err := s.archive.ArchiveSnapshot(ctx, snap); err != nil {
			s.logger.Error().Err(err).Msg("failed to archive snapshot")
		}
	}

	return nil
}

// executeUpdate runs the updater and the failure-escalation state machine.
// It returns the resulting kill switch state.
func (s *Service) executeUpdate(ctx context.Context, fetch metals.FetchResult) bool {
	result := s.updater.Update(ctx, fetch.Prices, fetch.AuxPrice)
	if s.metrics != nil {
		s.metrics.RecordUpdate(result.Success)
	}

	if result.Success {
		if err := s.store.SetLastUpdate(ctx, result); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist update record")
		}
		if err := s.store.ResetErrorCount(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to reset error count")
		}
		if s.metrics != nil {
			s.metrics.SetErrorCount(0)
		}
		s.logger.Info().Str("tx", result.TxHash).Msg("on-chain update succeeded")
		return false
	}

	count, err := s.store.IncrErrorCount(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to increment error count")
		return false
	}
	if s.metrics != nil {
		s.metrics.SetErrorCount(count)
	}
	s.logger.Error().Str("error", result.Error).Int("consecutive_failures", count).Msg("on-chain update failed")

	if count == s.opts.ErrorAlertThreshold {
		s.alerts.Send(ctx, alerting.Payload{
			Type:      alerting.AlertUpdateFailure,
			Severity:  metals.SeverityCritical,
			Message:   fmt.Sprintf("oracle update failed %d times in a row: %s", count, result.Error),
			Timestamp: s.now().UTC(),
		})
	}

	if count >= s.opts.AutoPauseThreshold {
		if err := s.store.SetKillSwitch(ctx, true); err != nil {
			s.logger.Error().Err(err).Msg("failed to set kill switch")
			return false
		}
		s.alerts.Send(ctx, alerting.Payload{
			Type:      alerting.AlertWatcherError,
			Severity:  metals.SeverityCritical,
			Message:   fmt.Sprintf("auto-pause engaged after %d consecutive update failures", count),
			Timestamp: s.now().UTC(),
		})
		s.logger.Error().Int("consecutive_failures", count).Msg("auto-pause engaged, kill switch set")
		return true
	}

	return false
}

func (s *Service) persistStatus(ctx context.Context, stateNow metals.WatcherState, cycleMs int64) {
	status := metals.WatcherStatus{
		State:       stateNow,
		UptimeStart: s.uptimeStart,
		ErrorCount:  s.store.ErrorCount(ctx),
		LastCycleMs: cycleMs,
	}
	if err := s.store.SetStatus(ctx, status); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist watcher status")
	}
}

func metalNames(list []metals.Metal) []string {
	names := make([]string, 0, len(list))
	for _, m := range list {
		names = append(names, string(m))
	}
	return names
}
