package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sniper/internal/ai"
	"sniper/internal/analysis/pattern"
	"sniper/internal/config"
	"sniper/internal/gateway/exchange"
	"sniper/internal/market"
	"sniper/internal/regime"
	"sniper/internal/watchlist"
)

type mockExchange struct {
	mock.Mock
}

func (m *mockExchange) Name() string { return "mock" }

func (m *mockExchange) GetBalance(ctx context.Context) (exchange.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.Balance), args.Error(1)
}

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.Ticker), args.Error(1)
}

func (m *mockExchange) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.Position), args.Error(1)
}

func (m *mockExchange) GetInstrumentRule(ctx context.Context, symbol string) (exchange.InstrumentRule, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.InstrumentRule), args.Error(1)
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.OrderResult), args.Error(1)
}

func (m *mockExchange) ModifyStopLoss(ctx context.Context, symbol string, stopPrice float64) error {
	args := m.Called(ctx, symbol, stopPrice)
	return args.Error(0)
}

func (m *mockExchange) PlaceStopMarketOrder(ctx context.Context, symbol, side string, qty, triggerPrice float64, triggerDirection int) (*exchange.OrderResult, error) {
	args := m.Called(ctx, symbol, side, qty, triggerPrice, triggerDirection)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.OrderResult), args.Error(1)
}

func (m *mockExchange) ListStopOrders(ctx context.Context, symbol string) ([]exchange.StopOrder, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.StopOrder), args.Error(1)
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

func TestEvaluateTriggerShort(t *testing.T) {
	entry := watchlist.Entry{Direction: "SHORT", Neckline: 100, StopLoss: 110}

	enters := 0
	for _, price := range []float64{105, 101, 99} {
		if evaluateTrigger(entry, price) == triggerEnter {
			enters++
		}
	}
	assert.Equal(t, 1, enters)

	assert.Equal(t, triggerNone, evaluateTrigger(entry, 105))
	assert.Equal(t, triggerAbort, evaluateTrigger(entry, 111))
	assert.Equal(t, triggerAbort, evaluateTrigger(entry, 110))
}

func TestEvaluateTriggerLong(t *testing.T) {
	entry := watchlist.Entry{Direction: "LONG", Neckline: 100, StopLoss: 90}

	assert.Equal(t, triggerNone, evaluateTrigger(entry, 95))
	assert.Equal(t, triggerEnter, evaluateTrigger(entry, 100))
	assert.Equal(t, triggerEnter, evaluateTrigger(entry, 101))
	assert.Equal(t, triggerAbort, evaluateTrigger(entry, 89))
	assert.Equal(t, triggerNone, evaluateTrigger(entry, 0))
}

func TestEvaluateTriggerBadDirection(t *testing.T) {
	entry := watchlist.Entry{Direction: "SIDEWAYS", Neckline: 100, StopLoss: 90}
	assert.Equal(t, triggerNone, evaluateTrigger(entry, 101))
}

func TestDirectionSides(t *testing.T) {
	side, err := DirectionLong.OrderSide()
	require.NoError(t, err)
	assert.Equal(t, "Buy", side)

	side, err = DirectionShort.OrderSide()
	require.NoError(t, err)
	assert.Equal(t, "Sell", side)

	side, err = DirectionLong.CloseSide()
	require.NoError(t, err)
	assert.Equal(t, "Sell", side)

	side, err = DirectionShort.CloseSide()
	require.NoError(t, err)
	assert.Equal(t, "Buy", side)

	_, err = Direction("UP").OrderSide()
	assert.Error(t, err)
}

func TestBreakEvenLevels(t *testing.T) {
	long := &OpenPosition{Direction: DirectionLong, EntryPrice: 100, Target: 110}
	long.init()
	assert.InDelta(t, 105, long.BreakEvenTrigger(0.5), 1e-9)
	assert.InDelta(t, 100.2, long.BreakEvenStop(0.002), 1e-9)

	short := &OpenPosition{Direction: DirectionShort, EntryPrice: 100, Target: 80}
	short.init()
	assert.InDelta(t, 90, short.BreakEvenTrigger(0.5), 1e-9)
	assert.InDelta(t, 99.8, short.BreakEvenStop(0.002), 1e-9)
}

func TestBreakEvenHitAndMonotoneArm(t *testing.T) {
	s := &PostEntrySupervisor{risk: config.RiskConfig{BreakEvenFraction: 0.5}}
	pos := &OpenPosition{Direction: DirectionLong, EntryPrice: 100, Target: 110}
	pos.init()

	assert.False(t, s.breakEvenHit(pos, 104.9))
	assert.True(t, s.breakEvenHit(pos, 105))
	assert.True(t, s.breakEvenHit(pos, 108))

	assert.True(t, pos.ArmBreakEven())
	assert.False(t, pos.ArmBreakEven())
	assert.True(t, pos.BreakEvenArmed())

	short := &OpenPosition{Direction: DirectionShort, EntryPrice: 100, Target: 80}
	short.init()
	assert.False(t, s.breakEvenHit(short, 90.1))
	assert.True(t, s.breakEvenHit(short, 90))
}

func TestStopWithinTolerance(t *testing.T) {
	assert.True(t, stopWithinTolerance(100.2, 100.2, 0.01))
	assert.True(t, stopWithinTolerance(100.9, 100.2, 0.01))
	assert.False(t, stopWithinTolerance(102, 100.2, 0.01))
	assert.False(t, stopWithinTolerance(0, 100.2, 0.01))
	assert.False(t, stopWithinTolerance(100.2, 0, 0.01))
}

func TestShouldCloseForScenario(t *testing.T) {
	long := func(entryScenario int) *OpenPosition {
		p := &OpenPosition{Direction: DirectionLong, EntryScenario: entryScenario}
		p.init()
		return p
	}
	short := func(entryScenario int) *OpenPosition {
		p := &OpenPosition{Direction: DirectionShort, EntryScenario: entryScenario}
		p.init()
		return p
	}

	assert.True(t, shouldCloseForScenario(long(4), 1))
	assert.True(t, shouldCloseForScenario(long(3), 2))
	assert.False(t, shouldCloseForScenario(long(1), 2))
	assert.False(t, shouldCloseForScenario(long(2), 1))
	assert.False(t, shouldCloseForScenario(long(4), 3))
	assert.False(t, shouldCloseForScenario(long(4), 5))

	assert.True(t, shouldCloseForScenario(short(4), 3))
	assert.True(t, shouldCloseForScenario(short(1), 3))
	assert.False(t, shouldCloseForScenario(short(3), 3))
	assert.False(t, shouldCloseForScenario(short(4), 1))
}

func newVerdictSupervisor(ex *mockExchange) (*PostEntrySupervisor, *OpenPosition) {
	executor := NewOrderExecutor(ex, config.RiskConfig{}, nil, nil)
	s := NewPostEntrySupervisor(ex, executor, nil, nil, nil, nil, nil,
		config.MonitorConfig{},
		config.RiskConfig{InvalidConfidenceThreshold: 0.85, RequiredInvalidVerdicts: 2},
		200)
	pos := &OpenPosition{
		EntryID:    "pos-1",
		Symbol:     "ETHUSDT",
		Direction:  DirectionShort,
		EntryPrice: 100,
		StopLoss:   110,
		Target:     80,
	}
	pos.init()
	return s, pos
}

func TestApplyVerdictValidResetsStreak(t *testing.T) {
	ex := &mockExchange{}
	s, pos := newVerdictSupervisor(ex)
	ctx := context.Background()

	closed := s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.9})
	assert.False(t, closed)
	assert.Equal(t, 1, pos.InvalidStreak())

	closed = s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictValid, Confidence: 0.8})
	assert.False(t, closed)
	assert.Equal(t, 0, pos.InvalidStreak())

	closed = s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.9})
	assert.False(t, closed)
	assert.False(t, pos.Closed())
	ex.AssertNotCalled(t, "GetPosition", mock.Anything, mock.Anything)
}

func TestApplyVerdictLowConfidenceResetsStreak(t *testing.T) {
	ex := &mockExchange{}
	s, pos := newVerdictSupervisor(ex)
	ctx := context.Background()

	s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.9})
	s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.5})
	assert.Equal(t, 0, pos.InvalidStreak())
	assert.False(t, pos.Closed())
}

func TestApplyVerdictDualConfirmationCloses(t *testing.T) {
	ex := &mockExchange{}
	// 交易所侧已无仓位：平仓直接收尾，不需要再下单。
	ex.On("GetPosition", mock.Anything, "ETHUSDT").Return(&exchange.Position{Symbol: "ETHUSDT", Size: 0}, nil)

	s, pos := newVerdictSupervisor(ex)
	ctx := context.Background()

	closed := s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.9})
	assert.False(t, closed)

	closed = s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.88})
	assert.True(t, closed)
	assert.True(t, pos.Closed())

	// 已关闭后不会再触发第二次平仓。
	closed = s.applyVerdict(ctx, pos, ai.Verdict{Status: ai.VerdictInvalid, Confidence: 0.99})
	assert.False(t, closed)
	ex.AssertNumberOfCalls(t, "GetPosition", 1)
}

func TestClosePositionIdempotentClaim(t *testing.T) {
	pos := &OpenPosition{Symbol: "ETHUSDT", Direction: DirectionShort}
	pos.init()

	assert.True(t, pos.BeginClose())
	assert.False(t, pos.BeginClose())
	pos.AbortClose()
	assert.True(t, pos.BeginClose())
	pos.MarkClosed()
	assert.False(t, pos.BeginClose())
}

func TestRegistryRejectsDuplicateSymbol(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	release := make(chan struct{})

	first := &OpenPosition{Symbol: "ETHUSDT", Direction: DirectionShort}
	first.init()
	err := r.Register(ctx, first, func(ctx context.Context, pos *OpenPosition) {
		<-release
	})
	require.NoError(t, err)
	assert.True(t, r.Supervising("ETHUSDT"))

	second := &OpenPosition{Symbol: "ETHUSDT", Direction: DirectionLong}
	second.init()
	err = r.Register(ctx, second, func(ctx context.Context, pos *OpenPosition) {})
	assert.Error(t, err)

	close(release)
	r.Shutdown()
	assert.False(t, r.Supervising("ETHUSDT"))
}

func trendCandles(up bool) []market.Candle {
	out := make([]market.Candle, 80)
	for i := range out {
		price := 100 + float64(i)
		if !up {
			price = 300 - float64(i)
		}
		out[i] = market.Candle{Close: price}
	}
	return out
}

type stubTrendSource struct {
	candles map[string][]market.Candle
}

func (s *stubTrendSource) FetchHistory(_ context.Context, symbol, _ string, _ int) ([]market.Candle, error) {
	return s.candles[symbol], nil
}

// 全链路：SHORT 触发线被跌破后，观察项被认领、闸门放行、市价开仓并注册监护。
func TestScannerShortTriggerOpensPosition(t *testing.T) {
	dir := t.TempDir()
	store, err := watchlist.NewStore(filepath.Join(dir, "watchlist.json"))
	require.NoError(t, err)
	blacklist, err := watchlist.NewBlacklist(filepath.Join(dir, "blacklist.json"), 6*time.Hour)
	require.NoError(t, err)

	entry := watchlist.Entry{
		ID:        "eth-hs-4h",
		Symbol:    "ETHUSDT",
		Pattern:   "head_and_shoulders",
		Direction: "SHORT",
		Timeframe: "4h",
		Neckline:  100,
		StopLoss:  110,
		Target:    80,
		Status:    watchlist.StatusForming,
	}
	require.NoError(t, store.Upsert(entry))

	// 场景1（BTC涨、Dom涨）：禁多，放空。
	classifier := regime.NewClassifier(&stubTrendSource{candles: map[string][]market.Candle{
		"BTCUSDT":    trendCandles(true),
		"BTCDOMUSDT": trendCandles(true),
	}}, regime.DefaultMatrix(), config.RegimeConfig{
		CacheSeconds: 300, DominanceSymbol: "BTCDOMUSDT", TrendInterval: "1h", TrendLookback: 48, DominanceLookback: 48,
	})

	ex := &mockExchange{}
	ex.On("GetTicker", mock.Anything, "ETHUSDT").Return(exchange.Ticker{Symbol: "ETHUSDT", Last: 99}, nil)
	ex.On("GetPosition", mock.Anything, "ETHUSDT").Return(&exchange.Position{Symbol: "ETHUSDT", Size: 0}, nil)
	ex.On("GetBalance", mock.Anything).Return(exchange.Balance{Coin: "USDT", Equity: 1000}, nil)
	ex.On("GetInstrumentRule", mock.Anything, "ETHUSDT").Return(exchange.InstrumentRule{
		Symbol: "ETHUSDT", QtyStep: 0.01, MinQty: 0.01, MaxLeverage: 50,
	}, nil)
	ex.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Symbol == "ETHUSDT" && req.Side == "Sell" && !req.ReduceOnly
	})).Return(&exchange.OrderResult{OrderID: "ord-1"}, nil)

	registry := NewRegistry()
	executor := NewOrderExecutor(ex, config.RiskConfig{
		RiskFraction: 0.05, MaxLeverage: 5, MinNotionalUSD: 5,
	}, nil, nil)
	gate := NewEntryGate(classifier, blacklist, ex, registry, nil)

	opened := make(chan *OpenPosition, 1)
	scanner := NewTriggerScanner(store, blacklist, ex, gate, executor, registry,
		func(ctx context.Context, pos *OpenPosition) { opened <- pos },
		nil, nil, nil,
		config.ScannerConfig{PollIntervalSeconds: 10, ValidationCandles: 200},
		config.RiskConfig{InvalidConfidenceThreshold: 0.85})

	scanner.scanOnce(context.Background())

	select {
	case pos := <-opened:
		assert.Equal(t, "ETHUSDT", pos.Symbol)
		assert.Equal(t, DirectionShort, pos.Direction)
		assert.InDelta(t, 99, pos.EntryPrice, 1e-9)
		// 1000 * 0.05 / |99-110| = 4.5454...，按 0.01 步进向下取整。
		assert.InDelta(t, 4.54, pos.Qty, 1e-9)
		assert.Equal(t, 1, pos.EntryScenario)
	case <-time.After(2 * time.Second):
		t.Fatal("监护任务未启动")
	}

	registry.Shutdown()
	assert.Empty(t, store.Snapshot())
}

// 下单失败不重试：观察项清退进冷却，下一轮不会再下第二单。
func TestScannerExecutorFailureEvictsWithoutRetry(t *testing.T) {
	dir := t.TempDir()
	store, err := watchlist.NewStore(filepath.Join(dir, "watchlist.json"))
	require.NoError(t, err)
	blacklist, err := watchlist.NewBlacklist(filepath.Join(dir, "blacklist.json"), 6*time.Hour)
	require.NoError(t, err)

	entry := watchlist.Entry{
		ID:        "eth-hs-4h",
		Symbol:    "ETHUSDT",
		Pattern:   "head_and_shoulders",
		Direction: "SHORT",
		Timeframe: "4h",
		Neckline:  100,
		StopLoss:  110,
		Target:    80,
		Status:    watchlist.StatusForming,
	}
	require.NoError(t, store.Upsert(entry))

	classifier := regime.NewClassifier(&stubTrendSource{candles: map[string][]market.Candle{
		"BTCUSDT":    trendCandles(true),
		"BTCDOMUSDT": trendCandles(true),
	}}, regime.DefaultMatrix(), config.RegimeConfig{
		CacheSeconds: 300, DominanceSymbol: "BTCDOMUSDT", TrendInterval: "1h", TrendLookback: 48, DominanceLookback: 48,
	})

	ex := &mockExchange{}
	ex.On("GetTicker", mock.Anything, "ETHUSDT").Return(exchange.Ticker{Symbol: "ETHUSDT", Last: 99}, nil)
	ex.On("GetPosition", mock.Anything, "ETHUSDT").Return(&exchange.Position{Symbol: "ETHUSDT", Size: 0}, nil)
	ex.On("GetBalance", mock.Anything).Return(exchange.Balance{Coin: "USDT", Equity: 1000}, nil)
	ex.On("GetInstrumentRule", mock.Anything, "ETHUSDT").Return(exchange.InstrumentRule{
		Symbol: "ETHUSDT", QtyStep: 0.01, MinQty: 0.01, MaxLeverage: 50,
	}, nil)
	ex.On("PlaceMarketOrder", mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	registry := NewRegistry()
	executor := NewOrderExecutor(ex, config.RiskConfig{
		RiskFraction: 0.05, MaxLeverage: 5, MinNotionalUSD: 5,
	}, nil, nil)
	gate := NewEntryGate(classifier, blacklist, ex, registry, nil)

	scanner := NewTriggerScanner(store, blacklist, ex, gate, executor, registry,
		func(ctx context.Context, pos *OpenPosition) { t.Error("下单失败后不应注册监护") },
		nil, nil, nil,
		config.ScannerConfig{PollIntervalSeconds: 10, ValidationCandles: 200},
		config.RiskConfig{})

	scanner.scanOnce(context.Background())

	assert.Empty(t, store.Snapshot())
	assert.True(t, blacklist.Contains("ETHUSDT", "head_and_shoulders", "4h"))
	assert.False(t, registry.Supervising("ETHUSDT"))

	// 第二轮：观察项已清退，不会再次下单。
	scanner.scanOnce(context.Background())
	ex.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
	registry.Shutdown()
}

// 收盘重验后刷新的观察位要写回存储，状态保持 FORMING。
func TestScannerAppliesRefreshedLevels(t *testing.T) {
	dir := t.TempDir()
	store, err := watchlist.NewStore(filepath.Join(dir, "watchlist.json"))
	require.NoError(t, err)

	entry := watchlist.Entry{
		ID:        "eth-dt-1h",
		Symbol:    "ETHUSDT",
		Pattern:   "double_top",
		Direction: "SHORT",
		Timeframe: "1h",
		Neckline:  100,
		StopLoss:  110,
		Target:    80,
		Status:    watchlist.StatusForming,
	}
	require.NoError(t, store.Upsert(entry))

	scanner := NewTriggerScanner(store, nil, nil, nil, nil, nil, nil, nil, nil, nil,
		config.ScannerConfig{}, config.RiskConfig{})

	updated := scanner.applyRefreshedLevels(entry, pattern.Levels{Neckline: 98, StopLoss: 108, Target: 78})
	assert.InDelta(t, 98, updated.Neckline, 1e-9)

	persisted, ok := store.Get("eth-dt-1h")
	require.True(t, ok)
	assert.InDelta(t, 98, persisted.Neckline, 1e-9)
	assert.InDelta(t, 108, persisted.StopLoss, 1e-9)
	assert.InDelta(t, 78, persisted.Target, 1e-9)
	assert.Equal(t, watchlist.StatusForming, persisted.Status)

	// 变化微不足道：不写回。
	same := scanner.applyRefreshedLevels(updated, pattern.Levels{Neckline: 98.00001, StopLoss: 108.00001, Target: 78.00001})
	assert.Equal(t, updated, same)

	// 新档位破坏方向约束：保留旧档位。
	kept := scanner.applyRefreshedLevels(updated, pattern.Levels{Neckline: 98, StopLoss: 90, Target: 78})
	assert.Equal(t, updated, kept)
	persisted, _ = store.Get("eth-dt-1h")
	assert.InDelta(t, 108, persisted.StopLoss, 1e-9)
}

// 两层修复全挂时 armed 标记不能落下，下一个周期重试成功后才落下。
func TestBreakEvenRetriesAfterRepairFailure(t *testing.T) {
	ex := &mockExchange{}
	executor := NewOrderExecutor(ex, config.RiskConfig{}, nil, nil)
	s := NewPostEntrySupervisor(ex, executor, nil, nil, nil, nil, nil,
		config.MonitorConfig{StopVerifyWaitMs: 1, StopTolerancePct: 0.01},
		config.RiskConfig{BreakEvenFraction: 0.5, FeeBufferPct: 0.002},
		200)
	s.waitFn = func(ctx context.Context, d time.Duration) bool { return true }

	pos := &OpenPosition{
		EntryID:    "pos-be",
		Symbol:     "ETHUSDT",
		Direction:  DirectionLong,
		EntryPrice: 100,
		StopLoss:   90,
		Target:     110,
	}
	pos.init()
	newStop := pos.BreakEvenStop(0.002)
	live := &exchange.Position{Symbol: "ETHUSDT", Size: 1, MarkPrice: 106}

	// 第一轮：两层全部失败。
	ex.On("ModifyStopLoss", mock.Anything, "ETHUSDT", newStop).Return(assert.AnError).Once()
	ex.On("ListStopOrders", mock.Anything, "ETHUSDT").Return(nil, assert.AnError).Once()
	s.promoteBreakEven(context.Background(), pos, live)
	assert.False(t, pos.BreakEvenArmed())

	// 第二轮：改单成功且校验通过，保本落位。
	ex.On("ModifyStopLoss", mock.Anything, "ETHUSDT", newStop).Return(nil).Once()
	ex.On("GetPosition", mock.Anything, "ETHUSDT").
		Return(&exchange.Position{Symbol: "ETHUSDT", Size: 1, StopLoss: newStop}, nil).Once()
	s.promoteBreakEven(context.Background(), pos, live)
	assert.True(t, pos.BreakEvenArmed())
	assert.InDelta(t, newStop, pos.CurrentStopLoss(), 1e-9)

	// 已落位后不会再改单。
	s.promoteBreakEven(context.Background(), pos, live)
	ex.AssertNumberOfCalls(t, "ModifyStopLoss", 2)
}

func TestGuardCloseReason(t *testing.T) {
	long := &OpenPosition{Direction: DirectionLong, EntryScenario: 4}
	long.init()

	scenario := func(n int, allowLong, allowShort bool) regime.Analysis {
		return regime.Analysis{Scenario: regime.Scenario{Number: n, AllowLong: allowLong, AllowShort: allowShort}}
	}

	// 情景没变：不动。
	assert.Empty(t, closeReason(long, scenario(4, true, true)))
	// 敌对翻转：多头撞上情景1。
	assert.Equal(t, "敌对情景翻转", closeReason(long, scenario(1, false, true)))
	// 翻转规则不触发，但新情景本身禁多。
	reason := closeReason(long, scenario(5, false, false))
	assert.Contains(t, reason, "禁止 LONG")
	// 新情景允许该方向：不动。
	assert.Empty(t, closeReason(long, scenario(3, true, false)))

	short := &OpenPosition{Direction: DirectionShort, EntryScenario: 1}
	short.init()
	assert.Equal(t, "敌对情景翻转", closeReason(short, scenario(3, true, false)))
	assert.Empty(t, closeReason(short, scenario(2, false, true)))
}

// 止损先于触发被穿越：观察项清退并进入冷却。
func TestScannerStopBeforeEntryEvicts(t *testing.T) {
	dir := t.TempDir()
	store, err := watchlist.NewStore(filepath.Join(dir, "watchlist.json"))
	require.NoError(t, err)
	blacklist, err := watchlist.NewBlacklist(filepath.Join(dir, "blacklist.json"), 6*time.Hour)
	require.NoError(t, err)

	entry := watchlist.Entry{
		ID:        "eth-hs-4h",
		Symbol:    "ETHUSDT",
		Pattern:   "head_and_shoulders",
		Direction: "SHORT",
		Timeframe: "4h",
		Neckline:  100,
		StopLoss:  110,
		Target:    80,
		Status:    watchlist.StatusForming,
	}
	require.NoError(t, store.Upsert(entry))

	ex := &mockExchange{}
	ex.On("GetTicker", mock.Anything, "ETHUSDT").Return(exchange.Ticker{Symbol: "ETHUSDT", Last: 111}, nil)

	scanner := NewTriggerScanner(store, blacklist, ex, nil, nil, nil, nil, nil, nil, nil,
		config.ScannerConfig{PollIntervalSeconds: 10},
		config.RiskConfig{})

	scanner.scanOnce(context.Background())

	assert.Empty(t, store.Snapshot())
	assert.True(t, blacklist.Contains("ETHUSDT", "head_and_shoulders", "4h"))
	ex.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
}
