// Command solver launches the cross-chain intent solver.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sourcegraph/conc"

	"github.com/crosslane/solver/internal/bus/eventbus"
	"github.com/crosslane/solver/internal/domain/orderstore"
	"github.com/crosslane/solver/internal/encoding"
	"github.com/crosslane/solver/internal/execution"
	"github.com/crosslane/solver/internal/infra/config"
	httpserver "github.com/crosslane/solver/internal/infra/server/http"
	"github.com/crosslane/solver/internal/monitor"
	"github.com/crosslane/solver/internal/observability"
	"github.com/crosslane/solver/internal/orchestrator"
	"github.com/crosslane/solver/internal/signing"
	"github.com/crosslane/solver/internal/snapshot"
	"github.com/crosslane/solver/lib/telemetry"
)

const (
	defaultConfigPath        = "config/solver.yaml"
	solverLoggerPrefix       = "solver "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	schedulerShutdownTimeout = 10 * time.Second
	snapshotSaveTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newSolverLogger()
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: origin=%d destination=%d policy=%s",
		appCfg.Chains.Origin.ChainID, appCfg.Chains.Destination.ChainID, appCfg.Execution.Policy)

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: appCfg.Telemetry.OTLPEndpoint,
		ServiceName:  appCfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if appCfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s", appCfg.Telemetry.OTLPEndpoint)
	} else {
		logger.Printf("telemetry disabled")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(appCfg.Solver.PrivateKey, "0x"))
	if err != nil {
		logger.Fatalf("parse solver key: %v", err)
	}
	solverAddr := crypto.PubkeyToAddress(key.PublicKey)
	logger.Printf("solver address: %s", solverAddr.Hex())

	store := orderstore.New()
	snapStore := initSnapshotStore(logger, appCfg.Persistence)
	if snapStore != nil {
		restored, err := snapStore.Load(ctx)
		if err != nil {
			logger.Fatalf("load order snapshot: %v", err)
		}
		store.Restore(restored)
		logger.Printf("orders restored from snapshot: %d", len(restored))
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: appCfg.Eventbus.BufferSize})

	var verifier signing.Verifier = signing.NewEIP191Verifier()
	if !appCfg.Solver.VerifySignatures {
		logger.Print("signature verification disabled; accepting unsigned intents")
		verifier = signing.AcceptAll{}
	}

	encoder, err := encoding.New(appCfg.Execution.Encoder, solverAddr)
	if err != nil {
		logger.Fatalf("initialise encoder: %v", err)
	}

	gasPrice, err := appCfg.Solver.GasPriceWei()
	if err != nil {
		logger.Fatalf("parse gas price: %v", err)
	}

	engine, err := execution.NewEngine(ctx, buildEngineConfig(appCfg, key))
	if err != nil {
		logger.Fatalf("initialise execution engine: %v", err)
	}
	logger.Printf("execution engine ready: %s", engine.Description())

	orch := buildOrchestrator(appCfg, gasPrice, store, encoder, engine, bus)
	scheduler, err := buildScheduler(appCfg, store, orch)
	if err != nil {
		logger.Fatalf("initialise scheduler: %v", err)
	}
	if appCfg.Monitoring.Enabled {
		scheduler.Start(ctx)
		logger.Printf("monitor started: interval=%s autoFinalize=%t",
			appCfg.Monitoring.CheckInterval(), appCfg.Monitoring.AutoFinalize)
	} else {
		logger.Print("monitoring disabled; orders advance only on manual triggers")
	}

	var lifecycle conc.WaitGroup
	if snapStore != nil {
		startSnapshotWriter(ctx, &lifecycle, logger, bus, store, snapStore)
	}

	apiServer := buildAPIServer(appCfg.Server, store, verifier, bus, scheduler)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("order API listening on %s", apiServer.Addr)

	logger.Print("solver started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		scheduler:  scheduler,
		store:      store,
		snapshots:  snapStore,
		bus:        bus,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to solver configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSolverLogger() *log.Logger {
	return log.New(os.Stdout, solverLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initSnapshotStore(logger *log.Logger, cfg config.PersistenceConfig) snapshot.Store {
	if !cfg.Enabled {
		logger.Print("persistence disabled; orders held in memory only")
		return nil
	}
	store, err := snapshot.NewFileStore(cfg.DataFile)
	if err != nil {
		logger.Fatalf("initialise snapshot store: %v", err)
	}
	logger.Printf("order snapshots persisted to %s", cfg.DataFile)
	return store
}

func buildEngineConfig(cfg config.AppConfig, key *ecdsa.PrivateKey) execution.FactoryConfig {
	factory := execution.FactoryConfig{
		Policy: execution.Policy(cfg.Execution.Policy),
		Direct: execution.DirectConfig{
			Key: key,
			Endpoints: map[execution.Chain]execution.ChainEndpoint{
				execution.ChainOrigin: {
					RPCURL:  cfg.Chains.Origin.RPCURL,
					ChainID: cfg.Chains.Origin.ChainID,
				},
				execution.ChainDestination: {
					RPCURL:  cfg.Chains.Destination.RPCURL,
					ChainID: cfg.Chains.Destination.ChainID,
				},
			},
		},
	}
	if cfg.Relayer.Enabled {
		factory.Relayer = &execution.RelayerConfig{
			BaseURL: cfg.Relayer.APIBaseURL,
			APIKey:  cfg.Relayer.APIKey,
			ChainEndpoints: map[execution.Chain]string{
				execution.ChainOrigin:      cfg.Relayer.OriginEndpoint,
				execution.ChainDestination: cfg.Relayer.DestinationEndpoint,
			},
			Timeout:  cfg.Relayer.Timeout(),
			UseAsync: cfg.Relayer.UseAsync,
		}
	}
	return factory
}

func buildOrchestrator(cfg config.AppConfig, gasPrice *big.Int, store *orderstore.Store, encoder encoding.Encoder, engine execution.Engine, bus eventbus.Bus) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		SettlerAddress: cfg.Contracts.SettlerAddress(),
		FillerAddress:  cfg.Contracts.FillerAddress(),
		OpTimeout:      cfg.Execution.OpTimeout(),
		GasLimit:       cfg.Solver.GasLimit,
		GasPrice:       gasPrice,
		GasBuffer:      cfg.Execution.GasBuffer,
	}, store, encoder, engine, bus)
}

func buildScheduler(cfg config.AppConfig, store *orderstore.Store, driver monitor.Driver) (*monitor.Scheduler, error) {
	return monitor.New(monitor.Config{
		Interval:          cfg.Monitoring.CheckInterval(),
		AutoFinalize:      cfg.Monitoring.AutoFinalize,
		FinalizeDelay:     cfg.Solver.FinalizationDelay(),
		DispatchPerSecond: cfg.Monitoring.DispatchPerSecond,
		DispatchBurst:     cfg.Monitoring.DispatchBurst,
		Workers:           cfg.Monitoring.Workers,
		Queue:             cfg.Monitoring.Queue,
	}, store, driver)
}

// startSnapshotWriter persists the full order set after every lifecycle
// event. Saves are serialized by the single writer goroutine.
func startSnapshotWriter(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, bus eventbus.Bus, store *orderstore.Store, snapStore snapshot.Store) {
	subID, events := bus.Subscribe()
	lifecycle.Go(func() {
		defer bus.Unsubscribe(subID)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				saveCtx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
				if err := snapStore.Save(saveCtx, store.List()); err != nil {
					logger.Printf("snapshot save: %v", err)
				}
				cancel()
			}
		}
	})
}

func buildAPIServer(cfg config.ServerConfig, store *orderstore.Store, verifier signing.Verifier, bus eventbus.Bus, finalizer httpserver.Finalizer) *http.Server {
	handler := httpserver.NewHandler(store, verifier, bus, finalizer)
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("order API server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	scheduler  *monitor.Scheduler
	store      *orderstore.Store
	snapshots  snapshot.Store
	bus        eventbus.Bus
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping order API server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.scheduler != nil {
		shutdownStep("stopping monitor", schedulerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.scheduler.Stop(stepCtx)
		})
	}

	if cfg.snapshots != nil && cfg.store != nil {
		shutdownStep("saving final order snapshot", snapshotSaveTimeout, func(stepCtx context.Context) error {
			return cfg.snapshots.Save(stepCtx, cfg.store.List())
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.bus != nil {
		cfg.bus.Close()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", schedulerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry(stepCtx)
		})
	}
}
