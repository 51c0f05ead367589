package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Redfish/internal/api"
	"Redfish/internal/attest"
	"Redfish/internal/config"
	"Redfish/internal/feature"
	"Redfish/internal/pipeline"
	"Redfish/internal/proving"
	"Redfish/internal/proving/gnark"
	"Redfish/internal/proving/stub"
	"Redfish/internal/run"
	"Redfish/pkg/logger"
)

// main 是 Redfish 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("redfishd 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := os.Getenv("REDFISH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "redfish.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	runner, err := createRunner(cfg)
	if err != nil {
		return err
	}

	var runStore run.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		runStore = run.NewMemoryStore()
	case "mysql":
		store, err := run.NewMySQLStore(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		runStore = store
	default:
		return fmt.Errorf("未知的运行存储驱动: %s", cfg.Storage.RunStore.Driver)
	}
	defer func() {
		if runStore != nil {
			_ = runStore.Close()
		}
	}()

	var runQueue run.Queue
	switch cfg.RunQueue.Driver {
	case "", "memory":
		runQueue = run.NewMemoryQueue(1024)
	case "redis":
		queue, err := run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.RunQueue.Redis.Address,
			Password:  cfg.RunQueue.Redis.Password,
			DB:        cfg.RunQueue.Redis.DB,
			Queue:     cfg.RunQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.RunQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		runQueue = queue
	case "rabbitmq":
		queue, err := run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.RunQueue.RabbitMQ.URL,
			Queue:      cfg.RunQueue.RabbitMQ.Queue,
			Prefetch:   cfg.RunQueue.RabbitMQ.Prefetch,
			Durable:    cfg.RunQueue.RabbitMQ.Durable,
			AutoDelete: cfg.RunQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		runQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.RunQueue.Driver)
	}
	defer func() {
		if runQueue != nil {
			if err := runQueue.Close(); err != nil {
				logger.L().Warn("关闭运行队列失败", "error", err)
			}
		}
	}()

	runService := run.NewService(runStore, runQueue, cfg.Storage.RunStore.Retries)
	processor := run.NewProcessor(runner, runStore, runQueue, runQueue,
		run.WithWorkerCount(cfg.RunQueue.Worker),
		run.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, runService)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createRunner 按配置装配解码器、特征来源、产物存储和证明后端。
func createRunner(cfg *config.Config) (*pipeline.Runner, error) {
	schema, err := attest.LoadSchemaFile(cfg.Pipeline.SchemaPath)
	if err != nil {
		return nil, err
	}
	decoder := attest.NewDecoder(schema,
		attest.WithRejectZeroQuantity(cfg.Pipeline.RejectZeroQuantity),
	)

	var aux feature.AuxiliarySource
	switch cfg.Pipeline.Auxiliary.Source {
	case "", "deterministic":
		aux = feature.DeterministicRandom{Seed: cfg.Pipeline.Auxiliary.Seed}
	case "fixed":
		aux = feature.FixedLiteral{Values: cfg.Pipeline.Auxiliary.Values}
	default:
		return nil, fmt.Errorf("未知的辅助特征来源: %s", cfg.Pipeline.Auxiliary.Source)
	}

	var artifacts pipeline.Store
	switch cfg.Artifacts.Driver {
	case "", "fs":
		store, err := pipeline.NewFSStore(cfg.Artifacts.Path)
		if err != nil {
			return nil, err
		}
		artifacts = store
	case "memory":
		artifacts = pipeline.NewMemoryStore()
	default:
		return nil, fmt.Errorf("未知的产物存储驱动: %s", cfg.Artifacts.Driver)
	}

	var backend proving.Service
	switch cfg.Backend.Driver {
	case "", "gnark":
		backend = gnark.New()
	case "stub":
		backend = stub.New()
	default:
		return nil, fmt.Errorf("未知的证明后端: %s", cfg.Backend.Driver)
	}

	return pipeline.NewRunner(decoder, aux, backend, artifacts, pipeline.Config{
		Model: proving.ModelDescriptor{
			Name:            cfg.Pipeline.Model.Name,
			InputSize:       cfg.Pipeline.Model.InputSize,
			Weights:         cfg.Pipeline.Model.Weights,
			FixedPointScale: cfg.Pipeline.Model.FixedPointScale,
		},
		Normalization: feature.Normalization{
			Center:     cfg.Pipeline.Normalization.Center,
			Scale:      cfg.Pipeline.Normalization.Scale,
			ClampBound: cfg.Pipeline.Normalization.ClampBound,
		},
		EmitVerifierContract: cfg.Pipeline.EmitVerifierContract,
	}), nil
}
