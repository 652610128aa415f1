// Command persister saves every published chat and queues copies for
// recipients that are offline on every gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/service/persist"
	"PPChat/service/rpc"
	"PPChat/service/storage"
	"PPChat/tools/safe"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (default $PPCHAT_CONFIG)")
	grpcAddr := flag.String("grpc", ":50061", "gRPC health listen address")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := global.ConfigAll(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *grpcAddr); err != nil {
		logger.Error("persister exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, grpcAddr string) error {
	if cfg.Broker.Driver == config.BrokerMemory {
		return errors.New("persister needs a shared broker (nats or kafka)")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := global.OpenBroker(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Declare(ctx, cfg.Broker.PublishTopic); err != nil {
		return err
	}

	store, err := global.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		if err := store.Close(cctx); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}()

	rdb, err := global.OpenRedis(ctx, cfg)
	if err != nil {
		return err
	}
	var options []persist.WorkerOption
	if rdb != nil {
		defer rdb.Close()
		options = append(options,
			persist.WithOfflineQueue(
				storage.NewPresence(rdb, "", cfg.Redis.PresenceTTL),
				storage.NewOfflineQueue(rdb, cfg.Redis.OfflineLimit)),
			persist.WithMembers(storage.NewMembers(rdb)))
	}

	w := persist.NewWorker(b, store, persist.WorkerOptions{
		Topic:    cfg.Broker.PublishTopic,
		Group:    cfg.Persist.Group,
		DedupTTL: cfg.Broker.DedupTTL,
	}, options...)

	errCh := make(chan error, 2)
	safe.Go("persist-worker", func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker: %w", err)
		}
	})
	health := rpc.NewHealthServer(rpc.PersisterService)
	safe.Go("grpc", func() {
		if err := health.ListenAndServe(grpcAddr); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	})
	health.SetServing(true)
	logger.Info("persister started",
		zap.String("broker", cfg.Broker.Driver),
		zap.String("store", cfg.Persist.Driver),
		zap.Bool("offline_queue", rdb != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err = <-errCh:
		logger.Error("component failed, shutting down", zap.Error(err))
	}
	health.SetServing(false)
	cancel()
	health.Stop()
	return err
}
