package analyzer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

func defaultOptions() Options {
	return Options{
		DeviationThresholdPct: decimal.RequireFromString("0.5"),
		AnomalyThresholdPct:   decimal.NewFromInt(5),
		StalenessThreshold:    time.Hour,
	}
}

func flat(v int64) metals.Prices {
	d := decimal.NewFromInt(v)
	return metals.Prices{Gold: d, Silver: d, Platinum: d, Palladium: d}
}

func TestZeroOnChainFlagsAllMetals(t *testing.T) {
	a := New(defaultOptions())
	res := a.Analyze(flat(2400), metals.Prices{}, nil, nil)

	if !res.ShouldUpdate {
		t.Fatal("链上价格为零时必须更新")
	}
	if len(res.MetalsToUpdate) != 4 {
		t.Fatalf("应标记全部 4 种金属: %v", res.MetalsToUpdate)
	}
	for _, m := range metals.All {
		if !res.Deviations[m].Equal(decimal.NewFromInt(100)) {
			t.Fatalf("%s 偏差应为 100, 实际 %s", m, res.Deviations[m])
		}
	}
}

func TestDeviationRoundingAndThreshold(t *testing.T) {
	a := New(defaultOptions())

	onChain := flat(2400)
	fetched := onChain
	fetched.Gold = decimal.RequireFromString("2412.10") // +0.50416% -> 0.50 after rounding

	res := a.Analyze(fetched, onChain, nil, nil)
	if !res.Deviations[metals.Gold].Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("偏差应四舍五入到两位小数: %s", res.Deviations[metals.Gold])
	}
	// boundary equality does not fire (strict >)
	if res.ShouldUpdate {
		t.Fatal("偏差等于阈值时不应触发更新")
	}

	fetched.Gold = decimal.RequireFromString("2413.00")
	res = a.Analyze(fetched, onChain, nil, nil)
	if !res.ShouldUpdate {
		t.Fatal("偏差超过阈值时应触发更新")
	}
	if len(res.MetalsToUpdate) != 1 || res.MetalsToUpdate[0] != metals.Gold {
		t.Fatalf("仅应标记黄金: %v", res.MetalsToUpdate)
	}
}

func TestSpikeAndCrashDetection(t *testing.T) {
	a := New(defaultOptions())
	onChain := flat(2400)

	prev := flat(2400)
	fetched := prev
	fetched.Silver = decimal.RequireFromString("2520.10") // > +5%

	res := a.Analyze(fetched, onChain, &prev, nil)
	found := false
	for _, an := range res.Anomalies {
		if an.Type == metals.AnomalyPriceSpike && an.Metal == metals.Silver {
			found = true
			if an.Severity != metals.SeverityCritical {
				t.Fatalf("涨跌异常应为 critical: %s", an.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("应检测到价格暴涨: %+v", res.Anomalies)
	}

	fetched.Silver = decimal.RequireFromString("2279.9") // < -5%
	res = a.Analyze(fetched, onChain, &prev, nil)
	found = false
	for _, an := range res.Anomalies {
		if an.Type == metals.AnomalyPriceCrash && an.Metal == metals.Silver {
			found = true
		}
	}
	if !found {
		t.Fatalf("应检测到价格暴跌: %+v", res.Anomalies)
	}
}

func TestSpikeBoundaryDoesNotFire(t *testing.T) {
	a := New(defaultOptions())
	prev := flat(2400)
	fetched := prev
	fetched.Gold = decimal.NewFromInt(2520) // exactly +5%

	res := a.Analyze(fetched, flat(2520), &prev, nil)
	for _, an := range res.Anomalies {
		if an.Type == metals.AnomalyPriceSpike {
			t.Fatalf("恰好等于阈值不应触发: %+v", an)
		}
	}
}

func TestSpikeSkippedWithoutPreviousFetch(t *testing.T) {
	a := New(defaultOptions())
	res := a.Analyze(flat(5000), flat(5000), nil, nil)
	if len(res.Anomalies) != 0 {
		t.Fatalf("无上一轮数据时不应有涨跌异常: %+v", res.Anomalies)
	}

	// previous exists but is zero-valued: skipped as well
	prev := metals.Prices{}
	res = a.Analyze(flat(5000), flat(5000), &prev, nil)
	if len(res.Anomalies) != 0 {
		t.Fatalf("上一轮价格非正时不应有涨跌异常: %+v", res.Anomalies)
	}
}

func TestStaleness(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := New(defaultOptions()).WithClock(func() time.Time { return now })

	fresh := now.Add(-30 * time.Minute)
	res := a.Analyze(flat(2400), flat(2400), nil, &fresh)
	if len(res.Anomalies) != 0 {
		t.Fatalf("更新时间在阈值内不应告警: %+v", res.Anomalies)
	}

	stale := now.Add(-90 * time.Minute)
	res = a.Analyze(flat(2400), flat(2400), nil, &stale)
	if len(res.Anomalies) != 1 {
		t.Fatalf("应产生一条过期告警: %+v", res.Anomalies)
	}
	an := res.Anomalies[0]
	if an.Type != metals.AnomalyStaleData || an.Severity != metals.SeverityWarning {
		t.Fatalf("过期告警类型或级别不正确: %+v", an)
	}
	if an.Value == nil || !an.Value.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("过期告警应携带分钟数 90: %+v", an.Value)
	}
	if res.ShouldUpdate {
		t.Fatal("过期告警不应影响更新决策")
	}
}

func TestAnomaliesIndependentOfUpdateDecision(t *testing.T) {
	a := New(defaultOptions())
	prev := flat(2400)
	fetched := flat(2700) // +12.5% spike AND deviation vs chain

	res := a.Analyze(fetched, flat(2400), &prev, nil)
	if !res.ShouldUpdate {
		t.Fatal("偏差超阈值应触发更新")
	}
	if len(res.Anomalies) != 4 {
		t.Fatalf("四种金属都应有暴涨异常: %+v", res.Anomalies)
	}
}
