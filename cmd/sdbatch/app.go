package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"sd-batch/internal/config"
	"sd-batch/internal/dispatch"
	"sd-batch/internal/domain"
	"sd-batch/internal/infra/etcd"
	"sd-batch/internal/infra/sdapi"
	"sd-batch/internal/metadata"
	"sd-batch/internal/tracing"
	"sd-batch/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// application holds what every command needs, built once per invocation.
type application struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *usecase.BatchService

	etcdClient *clientv3.Client
	endpoints  *etcd.EndpointStore
	closers    []func(context.Context) error
}

func newApplication(ctx context.Context, cfgFile string, debug bool) (*application, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	a := &application{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *application) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Tracing.Enabled {
		if err := a.initTracing(cfg.Tracing); err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}

	var sources usecase.FallbackEndpoints
	var history domain.ExecutionRepository
	if cfg.Etcd.Enabled() {
		client, err := etcd.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
		if err != nil {
			return fmt.Errorf("failed to create etcd client: %w", err)
		}
		a.etcdClient = client
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)

		a.endpoints = etcd.NewEndpointStore(client, cfg.Etcd.EndpointsPrefix, cfg.Etcd.Timeout, a.logger)
		sources = append(sources, a.endpoints)
		if cfg.Etcd.History {
			history = etcd.NewEtcdExecutionRepository(client, a.logger)
		}
	}
	sources = append(sources, usecase.StaticEndpoints(cfg.Servers))

	a.svc = usecase.NewBatchService(cfg, usecase.Deps{
		Fs:        afero.NewOsFs(),
		Endpoints: sources,
		NewBackend: sdapi.Factory(sdapi.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
		}),
		Extractor: metadata.Parameters{},
		History:   history,
		Video:     usecase.NewFFmpegTools(cfg.Video, a.logger),
		Logger:    a.logger,
	})
	return nil
}

func (a *application) initTracing(cfg config.TracingConfig) error {
	var w io.Writer = os.Stderr
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return f.Close() })
		w = f
	}

	shutdown, err := tracing.InitTracer(tracing.Options{
		ServiceName: "sd-batch",
		Version:     Version,
		SampleRatio: cfg.SampleRatio,
		Writer:      w,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	a.closers = append(a.closers, shutdown)
	return nil
}

func (a *application) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.closers = append(a.closers, server.Shutdown)
}

// Close releases everything in reverse order of acquisition.
func (a *application) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *application) report(summary *dispatch.Summary) {
	if summary == nil {
		return
	}
	a.logger.Info("batch complete",
		"run_id", summary.RunID,
		"enqueued", summary.Enqueued,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"by_error_kind", summary.ByErrorKind,
		"duration", summary.Duration.String(),
	)
}
