package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"sniper/internal/ai"
	"sniper/internal/analysis/visual"
	snconfig "sniper/internal/config"
	"sniper/internal/engine"
	"sniper/internal/gateway/binance"
	"sniper/internal/gateway/bybit"
	"sniper/internal/gateway/exchange"
	"sniper/internal/gateway/notifier"
	"sniper/internal/logger"
	"sniper/internal/regime"
	"sniper/internal/store/gormstore"
	"sniper/internal/store/verdictlog"
	livehttp "sniper/internal/transport/http/live"
	"sniper/internal/watchlist"
)

// App 负责应用级编排：加载配置→初始化依赖→启动扫描、监护与状态服务。
type App struct {
	cfg        *snconfig.Config
	scanner    *engine.TriggerScanner
	guard      *engine.ScenarioGuard
	supervisor *engine.PostEntrySupervisor
	registry   *engine.Registry
	watchlist  *watchlist.Store
	trades     *gormstore.Store
	verdicts   *verdictlog.Store
	liveHTTP   *livehttp.Server
	classifier *regime.Classifier
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *snconfig.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	source, err := binance.New(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}

	var ex exchange.Exchange
	ex, err = bybit.NewClient(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所失败: %w", err)
	}

	store, err := watchlist.NewStore(cfg.Watchlist.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化观察列表失败: %w", err)
	}
	blacklist, err := watchlist.NewBlacklist(cfg.Watchlist.BlacklistPath,
		time.Duration(cfg.Scanner.BlacklistHours)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("初始化黑名单失败: %w", err)
	}

	trades, err := gormstore.New(cfg.Store.TradeDBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化交易档案失败: %w", err)
	}
	verdicts, err := verdictlog.New(cfg.Store.VerdictDBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化判定日志失败: %w", err)
	}

	matrix := regime.DefaultMatrix()
	if cfg.Regime.MatrixPath != "" {
		matrix, err = regime.LoadMatrix(cfg.Regime.MatrixPath)
		if err != nil {
			return nil, fmt.Errorf("加载情景矩阵失败: %w", err)
		}
	}
	classifier := regime.NewClassifier(source, matrix, cfg.Regime)

	var notify notifier.TextNotifier = notifier.Noop{}
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		logger.Infof("✓ Telegram 推送已启用")
	}

	var judge ai.Judge
	if cfg.Vision.Enabled {
		if err := visual.EnsureHeadlessAvailable(context.Background()); err != nil {
			return nil, fmt.Errorf("无头浏览器不可用，视觉复核无法启动: %w", err)
		}
		judge, err = ai.NewVisionJudge(cfg.Vision)
		if err != nil {
			return nil, fmt.Errorf("初始化视觉判定失败: %w", err)
		}
		logger.Infof("✓ 视觉复核已启用 (model=%s)", cfg.Vision.Model)
	}

	registry := engine.NewRegistry()
	executor := engine.NewOrderExecutor(ex, cfg.Risk, trades, notify)
	supervisor := engine.NewPostEntrySupervisor(ex, executor, source, judge, verdicts, trades, notify,
		cfg.Monitor, cfg.Risk, cfg.Scanner.ValidationCandles)
	gate := engine.NewEntryGate(classifier, blacklist, ex, registry, trades)
	scanner := engine.NewTriggerScanner(store, blacklist, ex, gate, executor, registry,
		supervisor.Run, source, judge, verdicts, cfg.Scanner, cfg.Risk)
	guard := engine.NewScenarioGuard(classifier, registry, executor, cfg.Monitor)

	liveHTTP, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:       cfg.App.HTTPAddr,
		Watchlist:  store,
		Blacklist:  blacklist,
		Registry:   registry,
		Trades:     trades,
		Verdicts:   verdicts,
		Classifier: classifier,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化状态服务失败: %w", err)
	}

	return &App{
		cfg:        cfg,
		scanner:    scanner,
		guard:      guard,
		supervisor: supervisor,
		registry:   registry,
		watchlist:  store,
		trades:     trades,
		verdicts:   verdicts,
		liveHTTP:   liveHTTP,
		classifier: classifier,
	}, nil
}

// Run 启动全部常驻任务，阻塞到 ctx 取消或某个任务出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	group, ctx := errgroup.WithContext(ctx)

	a.resumeOpenPositions(ctx)

	group.Go(func() error {
		a.scanner.Run(ctx)
		return nil
	})
	group.Go(func() error {
		a.guard.Run(ctx)
		return nil
	})
	group.Go(func() error {
		if err := a.watchlist.Watch(ctx); err != nil {
			return fmt.Errorf("watchlist 监听失败: %w", err)
		}
		return nil
	})
	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	logger.Infof("✓ 引擎已启动 (env=%s http=%s)", a.cfg.App.Env, a.liveHTTP.Addr())
	err := group.Wait()

	a.registry.Shutdown()
	if cerr := a.trades.Close(); cerr != nil {
		logger.Warnf("交易档案关闭失败: %v", cerr)
	}
	if cerr := a.verdicts.Close(); cerr != nil {
		logger.Warnf("判定日志关闭失败: %v", cerr)
	}
	return err
}

// resumeOpenPositions 重启后把档案里仍然 OPEN 的仓位重新挂回监护。
func (a *App) resumeOpenPositions(ctx context.Context) {
	records, err := a.trades.OpenTrades(ctx)
	if err != nil {
		logger.Warnf("恢复监护失败，无法读取未平仓档案: %v", err)
		return
	}
	for _, rec := range records {
		dir, derr := engine.ParseDirection(rec.Direction)
		if derr != nil {
			logger.Warnf("恢复监护跳过 %s: %v", rec.EntryID, derr)
			continue
		}
		pos := &engine.OpenPosition{
			EntryID:       rec.EntryID,
			Symbol:        rec.Symbol,
			Pattern:       rec.Pattern,
			Timeframe:     rec.Timeframe,
			Direction:     dir,
			EntryPrice:    rec.EntryPrice,
			Qty:           rec.Qty,
			Leverage:      rec.Leverage,
			StopLoss:      rec.StopLoss,
			Target:        rec.Target,
			EntryScenario: rec.Scenario,
			OpenedAt:      rec.OpenedAt,
		}
		if rerr := a.registry.Register(ctx, pos, a.supervisor.Run); rerr != nil {
			logger.Warnf("恢复监护失败 %s: %v", rec.Symbol, rerr)
			continue
		}
		logger.Infof("✓ 恢复监护 %s %s entry=%.6f", rec.Symbol, rec.Direction, rec.EntryPrice)
	}
}
