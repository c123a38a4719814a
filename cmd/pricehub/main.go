package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chenxilol/pricehub/configs"
	"github.com/chenxilol/pricehub/internal/metrics"
	"github.com/chenxilol/pricehub/internal/publisher"
	"github.com/chenxilol/pricehub/pkg/aggregator"
	"github.com/chenxilol/pricehub/pkg/auth"
	"github.com/chenxilol/pricehub/pkg/breaker"
	"github.com/chenxilol/pricehub/pkg/bus"
	"github.com/chenxilol/pricehub/pkg/bus/memory"
	busnats "github.com/chenxilol/pricehub/pkg/bus/nats"
	busredis "github.com/chenxilol/pricehub/pkg/bus/redis"
	"github.com/chenxilol/pricehub/pkg/datapackage"
	"github.com/chenxilol/pricehub/pkg/gateway"
	"github.com/chenxilol/pricehub/pkg/pool"
	"github.com/chenxilol/pricehub/pkg/stream"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "配置文件路径")
	appPort    = flag.Int("port", 0, "监听端口，覆盖配置文件")
)

// App 聚合服务：订阅签名者主题、聚合后通过 websocket 推送
type App struct {
	config     configs.Config
	pool       *pool.Pool
	aggregator *aggregator.Aggregator
	hub        *stream.Hub
	httpServer *http.Server
	devCancel  context.CancelFunc
}

// NewApp 按配置组装各组件
func NewApp(cfg configs.Config) (*App, error) {
	app := &App{config: cfg}

	factory, broker, err := createFactory(cfg.Transport)
	if err != nil {
		return nil, err
	}
	app.pool = pool.New(factory, cfg.Transport.Pool)

	verifier, err := datapackage.NewVerifier(datapackage.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	app.aggregator, err = aggregator.New(app.pool, cfg.Aggregator, aggregator.WithVerifier(verifier))
	if err != nil {
		return nil, fmt.Errorf("创建聚合器失败: %w", err)
	}

	if cfg.CircuitBreaker.Enabled {
		app.aggregator.EnableCircuitBreaker(breaker.NewRateLimit(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.MaxMessages))
	}

	if cfg.Fallback.Enabled {
		fetcher, err := gateway.New(cfg.Fallback.Gateway, gateway.Request{
			DataServiceID:      cfg.Aggregator.DataServiceID,
			DataPackageIDs:     cfg.Aggregator.DataPackageIDs,
			UniqueSignersCount: cfg.Aggregator.UniqueSignersCount,
			AuthorizedSigners:  cfg.Aggregator.AuthorizedSigners,
			IgnoreMissingFeeds: cfg.Aggregator.IgnoreMissingFeeds,
		}, verifier)
		if err != nil {
			app.aggregator.Stop()
			return nil, fmt.Errorf("创建网关降级失败: %w", err)
		}
		app.aggregator.EnableFallback(fetcher.Fetch, cfg.Fallback.MaxDelayBetweenPublishes, cfg.Fallback.CheckInterval)
	}

	var authn auth.Authenticator
	if cfg.Auth.Enabled {
		authn = auth.NewJWTService(cfg.Auth.SecretKey, cfg.Auth.Issuer)
	}
	app.hub = stream.NewHub(cfg.Server.Stream, authn)

	// 内存传输下在进程内运行开发发布器
	if broker != nil && len(cfg.Publisher.PrivateKeys) > 0 {
		if err := app.startDevPublisher(broker); err != nil {
			app.aggregator.Stop()
			return nil, err
		}
	}

	mux := http.NewServeMux()
	app.setupRoutes(mux)
	app.httpServer = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}
	return app, nil
}

func createFactory(cfg configs.Transport) (bus.Factory, *memory.Broker, error) {
	switch cfg.Type {
	case configs.TransportNATS:
		return busnats.Factory(cfg.NATS), nil, nil
	case configs.TransportRedis:
		return busredis.Factory(cfg.Redis), nil, nil
	case configs.TransportMemory:
		broker := memory.NewBroker()
		return broker.Factory(), broker, nil
	default:
		return nil, nil, fmt.Errorf("不支持的传输类型: %s", cfg.Type)
	}
}

func (app *App) startDevPublisher(broker *memory.Broker) error {
	pub, err := publisher.New(pool.New(broker.Factory(), app.config.Transport.Pool), publisher.Config{
		DataServiceID: app.config.Aggregator.DataServiceID,
		ContentType:   app.config.Transport.ContentType,
		PrivateKeys:   app.config.Publisher.PrivateKeys,
		Interval:      app.config.Publisher.Interval,
		Prices:        app.config.Publisher.Prices,
		Volatility:    app.config.Publisher.Volatility,
	}, nil)
	if err != nil {
		return fmt.Errorf("创建开发发布器失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.devCancel = cancel
	go func() {
		if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("开发发布器退出", "error", err)
		}
	}()
	slog.Info("开发发布器已启动", "signers", pub.Addresses())
	return nil
}

func (app *App) setupRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", app.hub)

	mux.Handle("/metrics", promhttp.HandlerFor(
		metrics.GetRegistry(),
		promhttp.HandlerOpts{},
	))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"version":        app.config.Version,
			"last_published": app.aggregator.LastPublished(),
			"clients":        app.hub.ClientCount(),
			"connections": map[string]int{
				metrics.RoleSubscribe: app.pool.SubscriberCount(),
				metrics.RolePublish:   app.pool.PublisherCount(),
			},
		})
	})
}

// Start 订阅主题并启动 HTTP 服务
func (app *App) Start(ctx context.Context) error {
	if err := app.aggregator.Subscribe(ctx, app.hub.Publish); err != nil {
		return err
	}
	slog.Info("正在启动服务器...", "address", app.httpServer.Addr)
	return app.httpServer.ListenAndServe()
}

// Shutdown 按依赖顺序关闭各组件
func (app *App) Shutdown(ctx context.Context) error {
	slog.Info("正在关闭服务器...")
	if app.devCancel != nil {
		app.devCancel()
	}
	app.aggregator.Stop()
	app.hub.Close()
	return app.httpServer.Shutdown(ctx)
}

func main() {
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := configs.LoadConfig(*configFile, level)
	if err != nil {
		slog.Error("加载配置文件失败", "error", err, "configFile", *configFile)
		os.Exit(1)
	}
	if *appPort != 0 {
		cfg.Server.Addr = fmt.Sprintf("%s:%d", strings.Split(cfg.Server.Addr, ":")[0], *appPort)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("配置无效", "error", err)
		os.Exit(1)
	}
	slog.Info("日志记录器已初始化", "level", level.Level().String(), "transport", cfg.Transport.Type)

	metrics.Default()

	app, err := NewApp(cfg)
	if err != nil {
		slog.Error("创建服务失败", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := app.Start(context.Background()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		slog.Error("服务器关闭失败", "error", err)
		os.Exit(1)
	}
	slog.Info("服务器已成功关闭")
}
