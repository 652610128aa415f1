// Command gateway accepts client sockets (TCP and WebSocket), authenticates
// them and bridges chats through the configured broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/service/chat/handlers"
	"PPChat/service/rpc"
	"PPChat/service/storage"
	"PPChat/tools/safe"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (default $PPCHAT_CONFIG)")
	probe := flag.Bool("healthcheck", false, "probe the running gateway's gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *probe {
		os.Exit(healthcheck(cfg))
	}
	if err := global.ConfigAll(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("gateway exited", zap.Error(err))
		os.Exit(1)
	}
}

func healthcheck(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rpc.Probe(ctx, cfg.Gateway.GRPCAddr, rpc.GatewayService); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := global.OpenBroker(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	rdb, err := global.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		presence chat.Presence
		members  chat.MemberResolver
		sessions *storage.Members
		options  []chat.Option
	)
	if rdb != nil {
		defer rdb.Close()
		p := storage.NewPresence(rdb, cfg.Gateway.ID, cfg.Redis.PresenceTTL)
		sessions = storage.NewMembers(rdb)
		presence, members = p, sessions
		options = append(options,
			chat.WithPresence(p),
			chat.WithOfflineStore(storage.NewOfflineQueue(rdb, cfg.Redis.OfflineLimit)))
	}

	reg := chat.NewRegistry()
	bridge := chat.NewBridge(b, reg, members, chat.BridgeOptions{
		PublishTopic:    cfg.Broker.PublishTopic,
		DeliveryTopic:   cfg.Broker.DeliveryTopic,
		DeadLetterTopic: cfg.Broker.DeadLetterTopic,
		Group:           "gateway-" + cfg.Gateway.ID,
	})
	if err := bridge.Declare(ctx); err != nil {
		return err
	}

	verifier := global.Verifier(cfg)
	srv := chat.NewServer(cfg.ChatOptions(), reg, handlers.Default(bridge, presence), verifier, options...)

	errCh := make(chan error, 3)
	safe.Go("bridge", func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("bridge: %w", err)
		}
	})
	safe.Go("tcp", func() {
		if err := srv.ListenAndServe(cfg.Gateway.Addr); err != nil && !errors.Is(err, chat.ErrServerClosed) {
			errCh <- fmt.Errorf("tcp: %w", err)
		}
	})

	admin := &http.Server{Addr: cfg.Gateway.HTTPAddr, Handler: newAdmin(cfg, srv, sessions)}
	safe.Go("http", func() {
		logger.Info("admin http listening", zap.String("addr", cfg.Gateway.HTTPAddr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	})

	health := rpc.NewHealthServer(rpc.GatewayService)
	safe.Go("grpc", func() {
		if err := health.ListenAndServe(cfg.Gateway.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	})
	health.SetServing(true)
	logger.Info("gateway started",
		zap.String("gateway", cfg.Gateway.ID),
		zap.String("tcp", cfg.Gateway.Addr),
		zap.String("broker", cfg.Broker.Driver),
		zap.Bool("redis", rdb != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err = <-errCh:
		logger.Error("component failed, shutting down", zap.Error(err))
	}

	health.SetServing(false)
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if serr := admin.Shutdown(sctx); serr != nil {
		logger.Warn("admin shutdown", zap.Error(serr))
	}
	if serr := srv.Shutdown(sctx); serr != nil {
		logger.Warn("gateway shutdown", zap.Error(serr))
	}
	cancel()
	health.Stop()
	return err
}
