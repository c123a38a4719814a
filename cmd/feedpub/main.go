package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chenxilol/pricehub/configs"
	"github.com/chenxilol/pricehub/internal/publisher"
	"github.com/chenxilol/pricehub/pkg/bus"
	busnats "github.com/chenxilol/pricehub/pkg/bus/nats"
	busredis "github.com/chenxilol/pricehub/pkg/bus/redis"
	"github.com/chenxilol/pricehub/pkg/pool"
)

var configFile = flag.String("config", "configs/config.yaml", "配置文件路径")

func main() {
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := configs.LoadConfig(*configFile, level)
	if err != nil {
		slog.Error("加载配置文件失败", "error", err)
		os.Exit(1)
	}

	var factory bus.Factory
	switch cfg.Transport.Type {
	case configs.TransportNATS:
		factory = busnats.Factory(cfg.Transport.NATS)
	case configs.TransportRedis:
		factory = busredis.Factory(cfg.Transport.Redis)
	default:
		slog.Error("feedpub 需要外部传输 (nats 或 redis)", "transport", cfg.Transport.Type)
		os.Exit(1)
	}

	transport := pool.New(factory, cfg.Transport.Pool)
	defer transport.Stop()

	pub, err := publisher.New(transport, publisher.Config{
		DataServiceID: cfg.Aggregator.DataServiceID,
		ContentType:   cfg.Transport.ContentType,
		PrivateKeys:   cfg.Publisher.PrivateKeys,
		Interval:      cfg.Publisher.Interval,
		Prices:        cfg.Publisher.Prices,
		Volatility:    cfg.Publisher.Volatility,
	}, nil)
	if err != nil {
		slog.Error("创建发布器失败", "error", err)
		os.Exit(1)
	}
	slog.Info("发布器已启动", "signers", pub.Addresses(), "interval", cfg.Publisher.Interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("发布器退出", "error", err)
		os.Exit(1)
	}
	slog.Info("发布器已停止")
}
