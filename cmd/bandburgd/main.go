package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bandburg/internal/api"
	"bandburg/internal/auth"
	"bandburg/internal/bridge"
	"bandburg/internal/catalog"
	"bandburg/internal/config"
	"bandburg/internal/eventbus"
	"bandburg/internal/module"
	"bandburg/internal/observability/alerting"
	"bandburg/internal/observability/metrics"
	"bandburg/internal/relay"
	"bandburg/internal/storage"
	"bandburg/pkg/logger"
)

// main 是 bandburg 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("bandburgd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	cfg, err := config.Load(config.Path(filepath.Join("configs", "bandburg.yaml")))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	log := logger.Named("bandburgd")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	var observer bridge.Observer = m
	if cfg.Alerting.Enabled() {
		alerts := alerting.NewObserver(m, alerting.NewDispatcher(cfg.Alerting), alerting.WithCooldown(cfg.Alerting.Cooldown))
		defer alerts.Wait()
		observer = alerts
		log.Info("模块故障告警已启用")
	}
	loader := module.ProcessLoader{
		Command:      module.ResolveCommand(cfg.Module.Dir, cfg.Module.Command),
		Args:         cfg.Module.Args,
		Dir:          cfg.Module.Dir,
		CloseTimeout: cfg.Module.CloseTimeout,
	}
	b := bridge.New(loader,
		bridge.WithAssetDir(cfg.Module.AssetDir),
		bridge.WithModuleInitTimeout(cfg.Module.InitTimeout),
		bridge.WithMetrics(observer),
		bridge.WithBusOptions(eventbus.WithPublishHook(m.ObserveEvent)),
	)
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("关闭计算模块失败", slog.Any("error", err))
		}
	}()

	if cfg.Relay.Enabled() {
		pubs, err := buildPublishers(ctx, cfg.Relay)
		if err != nil {
			return err
		}
		fwd := relay.NewForwarder(pubs,
			relay.WithBufferSize(cfg.Relay.BufferSize),
			relay.WithResultHook(m.ObserveRelay),
		)
		fwd.Start(ctx, b)
		defer func() {
			if err := fwd.Close(); err != nil {
				log.Warn("关闭事件转发失败", slog.Any("error", err))
			}
		}()
		log.Info("事件转发已启用", slog.Int("publishers", len(pubs)))
	}

	if cfg.Module.Preload {
		if err := b.Facade().Init(ctx); err != nil {
			log.Warn("预加载计算模块失败，将在首次调用时重试", slog.Any("error", err))
		}
	}

	market, err := catalog.NewClient(cfg.Catalog.URL, &http.Client{Timeout: cfg.Catalog.Timeout})
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	if authSvc == nil {
		log.Warn("未配置 API 令牌，接口不做认证")
	}

	opts := []api.Option{
		api.WithAuth(authSvc),
		api.WithStore(store),
		api.WithMarket(market),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if cfg.Server.MetricsAddress == "" {
		opts = append(opts, api.WithMetrics(m))
	}
	server := api.NewServer(cfg.Server.Address, b, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return m.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("bandburgd 已退出")
	return nil
}

func openStore(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	if cfg.Driver == config.DriverMemory {
		return storage.NewMemoryStore(), nil
	}
	if cfg.Driver == storage.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	return storage.Open(ctx, cfg)
}

// buildPublishers 按配置创建发布器，任一失败时关闭已创建的发布器。
func buildPublishers(ctx context.Context, cfg config.RelayConfig) (pubs []relay.Publisher, err error) {
	defer func() {
		if err != nil {
			for _, p := range pubs {
				_ = p.Close()
			}
			pubs = nil
		}
	}()

	if cfg.Redis.Address != "" {
		p, err := relay.NewRedisPublisher(ctx, cfg.Redis)
		if err != nil {
			return pubs, err
		}
		pubs = append(pubs, p)
	}
	if cfg.RabbitMQ.URL != "" {
		p, err := relay.NewRabbitMQPublisher(cfg.RabbitMQ)
		if err != nil {
			return pubs, err
		}
		pubs = append(pubs, p)
	}
	if cfg.MQTT.Broker != "" {
		p, err := relay.NewMQTTPublisher(cfg.MQTT)
		if err != nil {
			return pubs, err
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}
