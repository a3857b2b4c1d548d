package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/alerting"
	"metal-oracle-watcher/internal/analyzer"
	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/state"
)

type fakeFetcher struct {
	result  metals.FetchResult
	calls   int
	started chan struct{}
	blockCh chan struct{}
}

func (f *fakeFetcher) Fetch(context.Context) metals.FetchResult {
	f.calls++
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.blockCh != nil {
		<-f.blockCh
	}
	return f.result
}

type fakeReader struct {
	prices metals.Prices
	aux    decimal.Decimal
}

func (f *fakeReader) Read(context.Context) (metals.Prices, decimal.Decimal) {
	return f.prices, f.aux
}

type fakeUpdater struct {
	succeed bool
	calls   int
}

func (f *fakeUpdater) Update(_ context.Context, prices metals.Prices, aux decimal.Decimal) metals.UpdateResult {
	f.calls++
	if f.succeed {
		return metals.UpdateResult{Success: true, TxHash: "0xabc", UpdatedMetals: metals.All, BasePrices: prices, SentPrices: prices, AuxPrice: aux}
	}
	return metals.UpdateResult{Success: false, BasePrices: prices, Error: "rpc unreachable"}
}

type fakeAnalyzer struct {
	result metals.AnalysisResult
}

func (f *fakeAnalyzer) Analyze(metals.Prices, metals.Prices, *metals.Prices, *time.Time) metals.AnalysisResult {
	return f.result
}

type fakeAlerts struct {
	payloads  []alerting.Payload
	anomalies []metals.Anomaly
}

func (f *fakeAlerts) Send(_ context.Context, payload alerting.Payload) bool {
	f.payloads = append(f.payloads, payload)
	return true
}

func (f *fakeAlerts) DispatchAnomalies(_ context.Context, anomalies []metals.Anomaly) {
	f.anomalies = append(f.anomalies, anomalies...)
}

func (f *fakeAlerts) countType(kind alerting.AlertType) int {
	n := 0
	for _, p := range f.payloads {
		if p.Type == kind {
			n++
		}
	}
	return n
}

type fakeStore struct {
	killSwitch bool
	override   *state.OverridePrices
	lastFetch  *state.FetchRecord
	lastUpdate *state.UpdateRecord
	status     []metals.WatcherStatus
	errorCount int
	history    []state.Snapshot
}

func (f *fakeStore) KillSwitch(context.Context) bool { return f.killSwitch }

func (f *fakeStore) SetKillSwitch(_ context.Context, active bool) error {
	f.killSwitch = active
	return nil
}

func (f *fakeStore) Override(context.Context) *state.OverridePrices { return f.override }

func (f *fakeStore) LastFetch(context.Context) *state.FetchRecord { return f.lastFetch }

func (f *fakeStore) SetLastFetch(_ context.Context, result metals.FetchResult) error {
	f.lastFetch = &state.FetchRecord{Version: 1, Timestamp: time.Now(), Result: result}
	return nil
}

func (f *fakeStore) LastUpdate(context.Context) *state.UpdateRecord { return f.lastUpdate }

func (f *fakeStore) SetLastUpdate(_ context.Context, result metals.UpdateResult) error {
	f.lastUpdate = &state.UpdateRecord{Version: 1, Timestamp: time.Now(), Result: result}
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, status metals.WatcherStatus) error {
	f.status = append(f.status, status)
	return nil
}

func (f *fakeStore) ErrorCount(context.Context) int { return f.errorCount }

func (f *fakeStore) IncrErrorCount(context.Context) (int, error) {
	f.errorCount++
	return f.errorCount, nil
}

func (f *fakeStore) ResetErrorCount(context.Context) error {
	f.errorCount = 0
	return nil
}

func (f *fakeStore) PushSnapshot(_ context.Context, snap state.Snapshot) error {
	f.history = append(f.history, snap)
	return nil
}

func goldPrices() metals.Prices {
	return metals.Prices{
		Gold:      decimal.NewFromInt(2400),
		Silver:    decimal.NewFromInt(28),
		Platinum:  decimal.NewFromInt(950),
		Palladium: decimal.NewFromInt(900),
	}
}

func updateNeeded() metals.AnalysisResult {
	return metals.AnalysisResult{
		Deviations:     map[metals.Metal]decimal.Decimal{metals.Gold: decimal.NewFromInt(1)},
		ShouldUpdate:   true,
		MetalsToUpdate: []metals.Metal{metals.Gold},
	}
}

func newService(fetcher *fakeFetcher, updater *fakeUpdater, analyzer *fakeAnalyzer, alerts *fakeAlerts, store *fakeStore) *Service {
	return New(
		fetcher,
		&fakeReader{prices: goldPrices()},
		updater,
		analyzer,
		alerts,
		store,
		Options{ErrorAlertThreshold: 3, AutoPauseThreshold: 5},
		zerolog.Nop(),
	)
}

func TestKillSwitchBlocksUpdateButNotAnomalies(t *testing.T) {
	store := &fakeStore{killSwitch: true}
	updater := &fakeUpdater{succeed: true}
	alerts := &fakeAlerts{}
	analysis := updateNeeded()
	analysis.Anomalies = []metals.Anomaly{{Type: metals.AnomalyPriceSpike, Metal: metals.Gold, Severity: metals.SeverityCritical}}

	svc := newService(&fakeFetcher{result: metals.FetchResult{Prices: goldPrices(), Source: metals.SourcePrimary}}, updater, &fakeAnalyzer{result: analysis}, alerts, store)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if updater.calls != 0 {
		t.Fatal("kill switch 开启时不应调用更新器")
	}
	if len(alerts.anomalies) != 1 {
		t.Fatal("kill switch 不应抑制异常告警")
	}
	last := store.status[len(store.status)-1]
	if last.State != metals.StatePaused {
		t.Fatalf("kill switch 开启时状态应为 paused: %s", last.State)
	}
}

func TestSuccessfulUpdateResetsErrorCount(t *testing.T) {
	store := &fakeStore{errorCount: 2}
	updater := &fakeUpdater{succeed: true}
	alerts := &fakeAlerts{}

	svc := newService(&fakeFetcher{result: metals.FetchResult{Prices: goldPrices(), Source: metals.SourcePrimary}}, updater, &fakeAnalyzer{result: updateNeeded()}, alerts, store)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if updater.calls != 1 {
		t.Fatalf("应调用更新器一次, 实际 %d", updater.calls)
	}
	if store.errorCount != 0 {
		t.Fatalf("成功后错误计数应归零: %d", store.errorCount)
	}
	if store.lastUpdate == nil {
		t.Fatal("成功后应持久化更新记录")
	}
}

func TestEscalationAlertAtThreshold(t *testing.T) {
	store := &fakeStore{errorCount: 2}
	updater := &fakeUpdater{succeed: false}
	alerts := &fakeAlerts{}

	svc := newService(&fakeFetcher{result: metals.FetchResult{Prices: goldPrices(), Source: metals.SourcePrimary}}, updater, &fakeAnalyzer{result: updateNeeded()}, alerts, store)

	// third consecutive failure: exactly one update_failure alert
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if store.errorCount != 3 {
		t.Fatalf("错误计数应为 3: %d", store.errorCount)
	}
	if n := alerts.countType(alerting.AlertUpdateFailure); n != 1 {
		t.Fatalf("阈值处应恰好发送 1 条 update_failure: %d", n)
	}
	if store.killSwitch {
		t.Fatal("未达到自动暂停阈值不应设置 kill switch")
	}

	// fourth failure: no repeated alert
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if n := alerts.countType(alerting.AlertUpdateFailure); n != 1 {
		t.Fatalf("超过阈值后不应重复 update_failure: %d", n)
	}

	// fifth failure: auto-pause
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if !store.killSwitch {
		t.Fatal("达到自动暂停阈值应设置 kill switch")
	}
	if n := alerts.countType(alerting.AlertWatcherError); n != 1 {
		t.Fatalf("自动暂停应发送 watcher_error: %d", n)
	}
	last := store.status[len(store.status)-1]
	if last.State != metals.StatePaused {
		t.Fatalf("自动暂停后状态应为 paused: %s", last.State)
	}

	// next tick: kill switch stays on, updater skipped
	before := updater.calls
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if updater.calls != before {
		t.Fatal("kill switch 保持开启, 不应再尝试更新")
	}
}

func TestOverrideBypassesFetchChain(t *testing.T) {
	override := &state.OverridePrices{
		Prices:    goldPrices(),
		AuxPrice:  decimal.NewFromInt(2398),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	store := &fakeStore{override: override}
	fetcher := &fakeFetcher{result: metals.FetchResult{Prices: metals.Prices{}, Source: metals.SourcePrimary}}
	alerts := &fakeAlerts{}

	svc := newService(fetcher, &fakeUpdater{succeed: true}, &fakeAnalyzer{result: metals.AnalysisResult{Deviations: map[metals.Metal]decimal.Decimal{}}}, alerts, store)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatal("覆盖价格生效时不应调用抓取链")
	}
	if len(store.history) != 1 || store.history[0].Source != metals.SourceOverride {
		t.Fatalf("快照来源应为 override: %+v", store.history)
	}

	// override cleared (e.g. expired): fetch chain resumes
	store.override = nil
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatal("覆盖过期后应恢复抓取链")
	}
}

func TestHardcodedFallbackTriggersSourceFailureAlert(t *testing.T) {
	store := &fakeStore{}
	alerts := &fakeAlerts{}
	fetcher := &fakeFetcher{result: metals.FetchResult{
		Prices: goldPrices(),
		Source: metals.SourceHardcoded,
		Errors: []string{"primary: rate limited (429)", "secondary: http 503", "stale-cache: price cache empty"},
	}}

	svc := newService(fetcher, &fakeUpdater{succeed: true}, &fakeAnalyzer{result: metals.AnalysisResult{Deviations: map[metals.Metal]decimal.Decimal{}}}, alerts, store)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if n := alerts.countType(alerting.AlertSourceFailure); n != 1 {
		t.Fatalf("全部来源失败应发送 source_failure: %d", n)
	}
}

func TestSingleFlightDropsConcurrentTick(t *testing.T) {
	store := &fakeStore{}
	block := make(chan struct{})
	fetcher := &fakeFetcher{
		result:  metals.FetchResult{Prices: goldPrices(), Source: metals.SourcePrimary},
		started: make(chan struct{}, 1),
		blockCh: block,
	}

	svc := newService(fetcher, &fakeUpdater{succeed: true}, &fakeAnalyzer{result: metals.AnalysisResult{Deviations: map[metals.Metal]decimal.Decimal{}}}, &fakeAlerts{}, store)

	done := make(chan error, 1)
	go func() { done <- svc.Tick(context.Background()) }()

	// wait until the first tick is inside the fetcher
	select {
	case <-fetcher.started:
	case <-time.After(time.Second):
		t.Fatal("首个 tick 未开始")
	}

	if err := svc.ForceTick(context.Background()); err != ErrInFlight {
		t.Fatalf("并发 tick 应返回 ErrInFlight: %v", err)
	}
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("定时 tick 被丢弃时应静默返回 nil: %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("首个 tick 不应失败: %v", err)
	}
	if len(store.history) != 1 {
		t.Fatalf("只应记录一个快照: %d", len(store.history))
	}
}

func TestSnapshotAndStatusPersistedEachTick(t *testing.T) {
	store := &fakeStore{}
	svc := newService(&fakeFetcher{result: metals.FetchResult{Prices: goldPrices(), Source: metals.SourceSecondary}}, &fakeUpdater{succeed: true}, &fakeAnalyzer{result: metals.AnalysisResult{Deviations: map[metals.Metal]decimal.Decimal{}}}, &fakeAlerts{}, store)

	svc.Start(context.Background())
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}

	if len(store.history) != 1 {
		t.Fatalf("每个 tick 应推送一个快照: %d", len(store.history))
	}
	if store.history[0].Source != metals.SourceSecondary {
		t.Fatalf("快照来源不正确: %s", store.history[0].Source)
	}
	last := store.status[len(store.status)-1]
	if last.State != metals.StateRunning {
		t.Fatalf("正常 tick 后状态应为 running: %s", last.State)
	}
	if last.UptimeStart.IsZero() {
		t.Fatal("状态应携带启动时间")
	}

	svc.Stop(context.Background())
	last = store.status[len(store.status)-1]
	if last.State != metals.StateStopped {
		t.Fatalf("停止后状态应为 stopped: %s", last.State)
	}
}

func TestPreviousFetchFeedsAnalyzer(t *testing.T) {
	// integration with the real analyzer: the previous fetch record read at
	// the start of the tick is what the spike check compares against.
	store := &fakeStore{}
	prev := goldPrices()
	store.lastFetch = &state.FetchRecord{Version: 1, Timestamp: time.Now(), Result: metals.FetchResult{Prices: prev, AuxPrice: decimal.NewFromInt(2398), Source: metals.SourcePrimary}}

	spiked := goldPrices()
	spiked.Gold = decimal.NewFromInt(2700) // +12.5%

	alerts := &fakeAlerts{}
	svc := New(
		&fakeFetcher{result: metals.FetchResult{Prices: spiked, Source: metals.SourcePrimary}},
		&fakeReader{prices: spiked},
		&fakeUpdater{succeed: true},
		analyzer.New(analyzer.Options{
			DeviationThresholdPct: decimal.NewFromFloat(0.5),
			AnomalyThresholdPct:   decimal.NewFromInt(5),
		}),
		alerts,
		store,
		Options{ErrorAlertThreshold: 3, AutoPauseThreshold: 5},
		zerolog.Nop(),
	)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick 不应失败: %v", err)
	}
	if len(alerts.anomalies) != 1 || alerts.anomalies[0].Type != metals.AnomalyPriceSpike {
		t.Fatalf("应检测到基于上一轮记录的暴涨: %+v", alerts.anomalies)
	}
}
