package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"marketwatch/internal/clock"
	"marketwatch/internal/config"
	"marketwatch/internal/domain"
	"marketwatch/internal/engine"
	"marketwatch/internal/ingest"
	"marketwatch/internal/logging"
	"marketwatch/internal/notify"
	"marketwatch/internal/notifyqueue"
	"marketwatch/internal/records"
)

// notifyFlushInterval drives delivery of rate-limited and still-queued messages
// between snapshot arrivals.
const notifyFlushInterval = 5 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable marketwatch service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	engine    *engine.Engine
	store     records.Store
	notifier  *notify.Manager
	manager   *Manager
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	notifyQ   interface{ Close() error }
	notifyPub notifyqueue.Producer
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildRecordsStore(cfg, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	eng := engine.New(engineConfigFromSnapshot(cfg.Engine), logger, clk)
	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	notifier := notify.NewManager(cfg.Notify, dispatcher, store, logger, clk)
	manager := NewManager(cfg, logger, eng, notifier, clk)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		engine:   eng,
		store:    store,
		notifier: notifier,
		manager:  manager,
		clock:    clk,
	}

	if err := eng.Start(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := manager.RegisterConditions(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNotifyQueue(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	flushTicker := time.NewTicker(notifyFlushInterval)
	defer flushTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-flushTicker.C:
				if err := s.manager.drainNotifications(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("notification flush failed", "error", err.Error())
				}
			}
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if s.notifyQ != nil {
		if err := s.notifyQ.Close(); err != nil {
			s.logger.Error("notify queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue worker close: %w", err))
		}
	}
	if s.notifyPub != nil {
		if err := s.notifyPub.Close(); err != nil {
			s.logger.Error("notify queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue producer close: %w", err))
		}
	}
	if err := s.engine.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		s.logger.Error("engine stop failed", "error", err.Error())
		markErr(fmt.Errorf("engine stop: %w", err))
	}
	if err := s.notifier.Dispatcher().Close(); err != nil {
		s.logger.Error("notify dispatcher close failed", "error", err.Error())
		markErr(fmt.Errorf("notify dispatcher close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("records store close failed", "error", err.Error())
		markErr(fmt.Errorf("records store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.engine != nil {
		_ = s.engine.Stop()
	}
	if s.notifier != nil {
		_ = s.notifier.Dispatcher().Close()
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires router with ingest, health, and status endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.StatusPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(writer).Encode(s.manager.StatusSnapshot()); err != nil {
			s.logger.Error("status encode failed", "error", err.Error())
		}
	})

	if s.cfg.Ingest.HTTP.Enabled {
		handler := ingest.NewHTTPHandler(s.manager, s.cfg.Ingest.HTTP.MaxBodyBytes)
		mux.Handle(s.cfg.Ingest.HTTP.IngestPath, handler)
		batchPath := strings.TrimSuffix(s.cfg.Ingest.HTTP.IngestPath, "/") + "/batch"
		if batchPath != s.cfg.Ingest.HTTP.IngestPath {
			mux.Handle(batchPath, handler)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS snapshot ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildNotifyQueue initializes async notification producer+worker when enabled.
// Params: none.
// Returns: setup error.
func (s *Service) buildNotifyQueue() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	if !s.cfg.Notify.Queue.Enabled {
		return nil
	}
	producer, err := notifyqueue.NewNATSProducer(s.cfg.Notify.Queue)
	if err != nil {
		return err
	}
	worker, err := notifyqueue.NewNATSWorker(s.cfg.Notify.Queue, s.logger, func(ctx context.Context, job notifyqueue.Job) error {
		return s.manager.ProcessQueuedNotification(ctx, job)
	})
	if err != nil {
		_ = producer.Close()
		return err
	}
	s.notifyPub = producer
	s.notifyQ = worker
	s.manager.SetQueueProducer(producer)
	return nil
}

// buildRecordsStore creates the delivery record backend from config.
// Params: root config snapshot and clock.
// Returns: in-memory store for single mode, shared KV store for nats mode.
func buildRecordsStore(cfg config.Config, clk clock.Clock) (records.Store, error) {
	if isSingleMode(cfg) {
		return records.NewMemoryStore(clk.Now), nil
	}
	return records.NewNATSStore(cfg.Ingest.NATS.URL, clk.Now)
}

// engineConfigFromSnapshot converts the config section into engine runtime options.
// Params: validated engine config section.
// Returns: engine construction options.
func engineConfigFromSnapshot(cfg config.EngineConfig) engine.Config {
	return engine.Config{
		MaxParallel:               cfg.MaxParallel,
		CacheTTL:                  time.Duration(cfg.CacheTTLSec) * time.Second,
		AdaptiveParallelThreshold: cfg.AdaptiveThreshold,
		DefaultStrategy:           domain.EvaluationStrategy(cfg.Strategy),
		DefaultMaxExecutionTime:   time.Duration(cfg.MaxExecutionMS) * time.Millisecond,
		DefaultTimeoutHandling:    domain.TimeoutPolicy(cfg.TimeoutHandling),
		DefaultCacheEnabled:       cfg.CacheEnabled,
	}
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
