package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ensemble-trading-bot-go/internal/exchange"
	"ensemble-trading-bot-go/internal/models"
	"ensemble-trading-bot-go/internal/risk"
	"ensemble-trading-bot-go/internal/universe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMarket serves canned candles and prices without any network calls.
type stubMarket struct {
	mu        sync.Mutex
	price     float64
	priceErr  error
	failFor   map[string]bool
	requested []string
}

func (m *stubMarket) Candles(ctx context.Context, symbol, timeframe string, limit int) (models.MarketSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[symbol] {
		return models.MarketSeries{}, fmt.Errorf("exchange unavailable for %s", symbol)
	}
	m.requested = append(m.requested, symbol)
	return models.MarketSeries{
		Timeframe: timeframe,
		Candles: []models.Candle{
			{Open: m.price, High: m.price + 1, Low: m.price - 1, Close: m.price, Volume: 10},
		},
		FetchedAt: time.Now(),
	}, nil
}

func (m *stubMarket) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	return m.price, nil
}

func (m *stubMarket) TopSymbols(ctx context.Context, quoteAsset string, limit int) ([]string, error) {
	return nil, nil
}

// stubEngine returns a fixed decision and records which symbols it saw.
type stubEngine struct {
	mu       sync.Mutex
	action   models.Action
	conf     float64
	seen     []string
	onDecide func(symbol string)
}

func (e *stubEngine) Decide(ctx context.Context, mc models.MarketContext) models.EnsembleDecision {
	e.mu.Lock()
	e.seen = append(e.seen, mc.Symbol)
	e.mu.Unlock()
	if e.onDecide != nil {
		e.onDecide(mc.Symbol)
	}
	return models.EnsembleDecision{
		Symbol:     mc.Symbol,
		Action:     e.action,
		Confidence: e.conf,
		Votes: []models.ProviderVote{
			{Provider: "stub", Action: e.action, Confidence: e.conf, Weight: 1},
		},
		Tier:      models.TierSingle,
		CreatedAt: time.Now(),
	}
}

func (e *stubEngine) symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.seen))
	copy(out, e.seen)
	return out
}

// stubLearning is an in-memory LearningStore.
type stubLearning struct {
	mu       sync.Mutex
	outcomes []models.TradeOutcome
	tuned    map[string]float64
}

func (s *stubLearning) RecordOutcome(out models.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
	return nil
}

func (s *stubLearning) Stats() risk.TradeStats { return risk.TradeStats{} }

func (s *stubLearning) ProviderWeights(base map[string]float64) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuned = base
	return base
}

func (s *stubLearning) QuerySimilar(mc models.MarketContext, limit int) []models.Lesson {
	return nil
}

// fakeRepo is an in-memory Repository with a save counter.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*models.DecisionRecord
	saves   int
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*models.DecisionRecord)}
}

func (r *fakeRepo) key(cycleID, symbol string) string { return cycleID + "|" + symbol }

func (r *fakeRepo) SaveDecision(rec *models.DecisionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	cp := *rec
	r.records[r.key(rec.CycleID, rec.Symbol)] = &cp
	r.saves++
	return nil
}

func (r *fakeRepo) LoadDecision(cycleID, symbol string) (*models.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[r.key(cycleID, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) HasExecution(cycleID, symbol string) (bool, error) {
	rec, err := r.LoadDecision(cycleID, symbol)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Execution != nil, nil
}

func (r *fakeRepo) RecentDecisions(limit int) ([]models.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DecisionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (r *fakeRepo) AppendOutcome(out *models.TradeOutcome) error { return nil }
func (r *fakeRepo) Outcomes() ([]models.TradeOutcome, error)     { return nil, nil }
func (r *fakeRepo) Close() error                                 { return nil }

func (r *fakeRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *fakeRepo) only() *models.DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		cp := *rec
		return &cp
	}
	return nil
}

type loopFixture struct {
	loop     *TradingLoop
	cfg      *models.Config
	market   *stubMarket
	engine   *stubEngine
	memory   *stubLearning
	repo     *fakeRepo
	platform *exchange.PaperPlatform
	guard    *universe.Guard
	kill     *risk.KillSwitch
}

func newLoopFixture(t *testing.T, symbols []string, minConfidence float64) *loopFixture {
	t.Helper()

	cfg := &models.Config{
		Symbols:             symbols,
		Timeframes:          []string{"1h"},
		AnalysisIntervalSec: 3600,
		MarketData:          models.MarketDataConfig{KlineLimit: 10},
		Providers: []models.ProviderConfig{
			{Name: "stub", Weight: 1, Enabled: true},
		},
		Risk: models.RiskConfig{
			RiskFraction:       0.01,
			StopLossRate:       0.02,
			MinConfidence:      minConfidence,
			ContractMultiplier: 1,
		},
	}

	market := &stubMarket{price: 100, failFor: map[string]bool{}}
	engine := &stubEngine{action: models.ActionBuy, conf: 80}
	memory := &stubLearning{}
	repo := newFakeRepo()
	platform := exchange.NewPaperPlatform(10000, 0, 0)
	for _, s := range symbols {
		platform.SetPrice(s, 100)
	}

	cooldown := risk.NewCooldown(time.Hour)
	kill := risk.NewKillSwitch()
	drawdown := risk.NewDrawdownTracker()
	guard := universe.NewGuard(models.UniverseConfig{}, symbols, nil)

	loop := NewTradingLoop(cfg, Deps{
		Market:     market,
		Engine:     engine,
		Sizer:      risk.NewPositionSizer(cfg.Risk),
		Gatekeeper: risk.NewGatekeeper(cfg.Risk, cooldown, kill, drawdown),
		Cooldown:   cooldown,
		Kill:       kill,
		Drawdown:   drawdown,
		Platform:   platform,
		Repo:       repo,
		Memory:     memory,
		Universe:   guard,
	})

	return &loopFixture{
		loop: loop, cfg: cfg, market: market, engine: engine,
		memory: memory, repo: repo, platform: platform, guard: guard, kill: kill,
	}
}

func TestRunCycle_ExecutesAcceptedDecision(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)

	require.NoError(t, f.loop.runCycle(context.Background()))

	rec := f.repo.only()
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionBuy, rec.Action)
	assert.False(t, rec.Vetoed)
	require.NotNil(t, rec.Execution)
	assert.True(t, rec.Execution.Executed)
	assert.NotEmpty(t, rec.Execution.OrderID)

	positions, err := f.platform.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideLong, positions[0].Side)

	assert.Equal(t, StateIdle, f.loop.State())
}

func TestRunCycle_UniverseSnapshotImmuneToMidCycleUpdate(t *testing.T) {
	f := newLoopFixture(t, []string{"AAAUSDT", "BBBUSDT"}, 0)
	f.cfg.Platform.SignalOnly = true

	// The discovery task swaps the universe while the first asset is
	// still being processed. The in-flight cycle must keep iterating
	// its snapshot.
	f.engine.onDecide = func(symbol string) {
		if symbol == "AAAUSDT" {
			f.guard.Replace([]string{"CCCUSDT"})
		}
	}

	require.NoError(t, f.loop.runCycle(context.Background()))
	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, f.engine.symbols())

	// The next cycle picks up the replaced set.
	f.engine.onDecide = nil
	f.market.price = 100
	f.platform.SetPrice("CCCUSDT", 100)
	require.NoError(t, f.loop.runCycle(context.Background()))
	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}, f.engine.symbols())
}

func TestRunCycle_VetoTriggersCooldownAndReturnsToPerception(t *testing.T) {
	f := newLoopFixture(t, []string{"ETHUSDT"}, 60)
	f.engine.conf = 30 // below the confidence floor

	require.NoError(t, f.loop.runCycle(context.Background()))

	rec := f.repo.only()
	require.NotNil(t, rec)
	assert.True(t, rec.Vetoed)
	assert.Contains(t, rec.VetoReason, "confidence")
	assert.Equal(t, StatePerception, f.loop.State())

	// Nothing was sent to the platform.
	positions, err := f.platform.GetPositions(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)

	// Re-proposing the same (symbol, action) with high confidence is
	// still blocked while the cooldown runs.
	f.engine.conf = 90
	require.NoError(t, f.loop.runCycle(context.Background()))

	recs, err := f.repo.RecentDecisions(10)
	require.NoError(t, err)
	blocked := false
	for _, r := range recs {
		if r.Vetoed && len(r.VetoReason) >= 8 && r.VetoReason[:8] == "cooldown" {
			blocked = true
		}
	}
	assert.True(t, blocked, "second proposal should be vetoed by cooldown")

	positions, err = f.platform.GetPositions(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestLearn_ReplayDoesNotDuplicateExecution(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)

	require.NoError(t, f.loop.runCycle(context.Background()))
	require.Equal(t, 1, f.repo.saveCount())

	rec := f.repo.only()
	require.NotNil(t, rec)
	require.NotNil(t, rec.Execution)

	// Replaying the learning step for the same (cycle, symbol) must
	// not overwrite or duplicate the stored execution.
	replay := &models.DecisionRecord{
		ID:      "replay",
		CycleID: rec.CycleID,
		Symbol:  rec.Symbol,
		Action:  rec.Action,
	}
	require.NoError(t, f.loop.learn(replay))
	assert.Equal(t, 1, f.repo.saveCount())

	stored, err := f.repo.LoadDecision(rec.CycleID, rec.Symbol)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestRunCycle_KillSwitchAbortsAndForcesRecovering(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)
	f.kill.Trip("manual stop")

	err := f.loop.runCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrKillSwitch))

	f.loop.recover(err)
	assert.Equal(t, StateRecovering, f.loop.State())
	assert.Empty(t, f.engine.symbols())

	// RECOVERING is a legal origin for the next cycle.
	f.kill.Reset()
	require.NoError(t, f.loop.runCycle(context.Background()))
	assert.Equal(t, StateIdle, f.loop.State())
}

func TestRunCycle_MarketFailureSkipsAssetOnly(t *testing.T) {
	f := newLoopFixture(t, []string{"AAAUSDT", "BBBUSDT"}, 0)
	f.cfg.Platform.SignalOnly = true
	f.market.failFor["AAAUSDT"] = true

	require.NoError(t, f.loop.runCycle(context.Background()))
	assert.Equal(t, []string{"BBBUSDT"}, f.engine.symbols())
	assert.Equal(t, StateIdle, f.loop.State())
}

func TestHarvestClosedTrades_RecordsOutcome(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)
	f.cfg.Platform.TakerFeeRate = 0.001

	open := models.PortfolioSnapshot{
		Valid:           true,
		TotalEquityUSDT: 10000,
		Positions: []models.Position{
			{Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100,
				Contracts: 2, MarkPrice: 110, UnrealizedPnL: 20},
		},
	}
	f.loop.harvestClosedTrades(open)
	assert.Empty(t, f.memory.outcomes)

	closed := models.PortfolioSnapshot{Valid: true, TotalEquityUSDT: 10020}
	f.loop.harvestClosedTrades(closed)

	require.Len(t, f.memory.outcomes, 1)
	out := f.memory.outcomes[0]
	assert.Equal(t, "BTCUSDT", out.Symbol)
	assert.Equal(t, models.ActionBuy, out.Action)
	assert.Equal(t, 20.0, out.GrossPnL)
	// 2 contracts at the 110 mark, 0.1% taker fee both ways.
	assert.InDelta(t, 0.44, out.Fees, 1e-9)
	assert.InDelta(t, 20-0.44, out.NetPnL, 1e-9)
}

func TestHarvestClosedTrades_InvalidSnapshotIsIgnored(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)

	open := models.PortfolioSnapshot{
		Valid:     true,
		Positions: []models.Position{{Symbol: "BTCUSDT", Side: models.SideLong, Contracts: 1, MarkPrice: 100}},
	}
	f.loop.harvestClosedTrades(open)

	// A failed balance fetch must not be read as "all positions closed".
	f.loop.harvestClosedTrades(models.PortfolioSnapshot{Valid: false})
	assert.Empty(t, f.memory.outcomes)
}

func TestStop_BoundedWaitReturnsAfterCycle(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)

	go f.loop.Run(context.Background())
	time.Sleep(100 * time.Millisecond)

	assert.True(t, f.loop.Stop(2*time.Second))
}

func TestRunCycle_UsesRESTPriceWhenNoStream(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)
	f.market.price = 123.5

	require.NoError(t, f.loop.runCycle(context.Background()))

	rec := f.repo.only()
	require.NotNil(t, rec)
	require.NotNil(t, rec.Execution)
	assert.True(t, rec.Execution.Executed)
	// No price stream is wired, so the fill must come from the REST quote.
	assert.InDelta(t, 123.5, rec.Execution.FillPrice, 1e-9)
}

func TestRunCycle_PriceLookupFailureSkipsAsset(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)
	f.market.priceErr = errors.New("ticker endpoint down")

	require.NoError(t, f.loop.runCycle(context.Background()))

	assert.Empty(t, f.engine.symbols())
	assert.Nil(t, f.repo.only())
	assert.Equal(t, StatePerception, f.loop.State())
}

func TestRunCycle_PersistenceFailureAbortsCycle(t *testing.T) {
	f := newLoopFixture(t, []string{"AAAUSDT", "BBBUSDT"}, 0)
	f.repo.saveErr = errors.New("disk full")

	err := f.loop.runCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrPersistence))

	// The failing asset aborts the whole cycle, the rest is not processed.
	assert.Equal(t, []string{"AAAUSDT"}, f.engine.symbols())

	f.loop.recover(err)
	assert.Equal(t, StateRecovering, f.loop.State())
}

func TestRun_StopsAfterRepeatedRecoveryFailures(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)
	f.cfg.AnalysisIntervalSec = 1
	f.cfg.MaxCycleFailures = 2
	f.kill.Trip("stuck condition")

	done := make(chan struct{})
	go func() {
		f.loop.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop kept retrying past the recovery budget")
	}
	assert.Equal(t, StateRecovering, f.loop.State())
}

func TestRunCycle_AssetBudgetRotatesAcrossCycles(t *testing.T) {
	f := newLoopFixture(t, []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}, 0)
	f.cfg.Platform.SignalOnly = true
	f.cfg.CycleAssetBudget = 2

	// Three cycles with a budget of two must visit every asset twice
	// instead of starving the one sorted last.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.loop.runCycle(context.Background()))
	}
	assert.Equal(t,
		[]string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "AAAUSDT", "BBBUSDT", "CCCUSDT"},
		f.engine.symbols())
}

func TestRunCycle_SignalOnlyPlatformNeverTrades(t *testing.T) {
	f := newLoopFixture(t, []string{"BTCUSDT"}, 0)
	f.cfg.Platform.SignalOnly = true

	require.NoError(t, f.loop.runCycle(context.Background()))

	rec := f.repo.only()
	require.NotNil(t, rec)
	require.NotNil(t, rec.Execution)
	assert.False(t, rec.Execution.Executed)

	positions, err := f.platform.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)
}
