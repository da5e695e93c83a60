package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/archit342000/edge-ai-gateway/pkg/config"
	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
	"github.com/archit342000/edge-ai-gateway/pkg/dispatcher"
	"github.com/archit342000/edge-ai-gateway/pkg/engine"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
	"github.com/archit342000/edge-ai-gateway/pkg/presenter"
	"github.com/archit342000/edge-ai-gateway/pkg/telemetry"
	"github.com/archit342000/edge-ai-gateway/pkg/token"
	"github.com/archit342000/edge-ai-gateway/pkg/transport/httpapi"
	"github.com/archit342000/edge-ai-gateway/pkg/transport/wsapi"
)

var fakeEngine bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the gateway daemon: token store, conversation registry, engine gateway and transports",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("model-path", "", "path to the on-device model")
	serveCmd.Flags().String("backend", "cpu", "compute backend: cpu, gpu or npu")
	serveCmd.Flags().Bool("http-enabled", false, "enable the HTTP compatibility shim")
	serveCmd.Flags().String("http-addr", ":8088", "HTTP listen address")
	serveCmd.Flags().Bool("ws-enabled", false, "enable the WebSocket transport")
	serveCmd.Flags().String("ws-addr", ":8089", "WebSocket listen address")
	serveCmd.Flags().Bool("tracing-enabled", false, "enable OpenTelemetry trace export")
	serveCmd.Flags().String("tracing-service-name", "edge-ai-gateway", "service name reported in traces")
	serveCmd.Flags().String("tracing-sampler", "always", "sampler: always, never or ratio")
	serveCmd.Flags().Float64("tracing-ratio", 1.0, "sampling ratio when tracing-sampler=ratio")
	serveCmd.Flags().BoolVar(&fakeEngine, "fake-engine", false, "use an in-memory echo engine instead of the native runtime")

	viper.BindPFlag("model_path", serveCmd.Flags().Lookup("model-path"))
	viper.BindPFlag("backend", serveCmd.Flags().Lookup("backend"))
	viper.BindPFlag("http.enabled", serveCmd.Flags().Lookup("http-enabled"))
	viper.BindPFlag("http.addr", serveCmd.Flags().Lookup("http-addr"))
	viper.BindPFlag("ws.enabled", serveCmd.Flags().Lookup("ws-enabled"))
	viper.BindPFlag("ws.addr", serveCmd.Flags().Lookup("ws-addr"))
	viper.BindPFlag("tracing.enabled", serveCmd.Flags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.service_name", serveCmd.Flags().Lookup("tracing-service-name"))
	viper.BindPFlag("tracing.sampler", serveCmd.Flags().Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.ratio", serveCmd.Flags().Lookup("tracing-ratio"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SamplerType: cfg.Tracing.SamplerType,
		SamplerRatio: cfg.Tracing.SamplerRate,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	tokens, err := token.Open(ctx, cfg.BasePath)
	if err != nil {
		return err
	}
	defer tokens.Close()
	go tokens.WatchForChanges(ctx, cfg.TokenSyncInterval)

	convDir := cfg.BasePath + "/conversations"
	convStore, err := conversation.Open(convDir)
	if err != nil {
		return err
	}
	defer convStore.Close()

	registry := conversation.New(cfg.CleanupInterval)
	registry.SetPersister(convStore)

	var factory engine.Factory
	if fakeEngine {
		factory = engine.NewFakeFactory()
	} else {
		factory = engine.NewFakeFactory()
		logger.G(ctx).Warn("no native engine wired in this build, falling back to the in-memory echo engine")
	}

	gateway := engine.New(factory, cfg.ModelLoadTimeout)
	registry.SetEngine(gateway)

	if cfg.ModelPath != "" {
		if err := gateway.Load(ctx, cfg.ModelPath, engine.Backend(cfg.Backend)); err != nil {
			return err
		}
	} else {
		logger.G(ctx).Warn("no model_path configured, starting with no engine loaded")
	}
	defer gateway.Close()

	existing, err := convStore.LoadAll(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to reload persisted conversations")
	}
	for _, c := range existing {
		registry.Insert(c)
	}
	logger.G(ctx).WithField("count", len(existing)).Info("reloaded persisted conversations")

	if err := convStore.WatchDeletions(ctx, registry); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to start conversation file watcher")
	}

	registry.StartSweeper(ctx)
	defer registry.Stop()

	metrics, err := telemetry.NewActiveRequestsCounter()
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to create active_requests metric")
	}

	disp := dispatcher.New(tokens, registry, gateway, cfg.HostCallerID, metrics)

	var transports []func(context.Context) error
	if cfg.HTTP.Enabled {
		httpServer := httpapi.NewServer(cfg.HTTP.Addr, disp)
		transports = append(transports, httpServer.Start)
	}
	if cfg.WS.Enabled {
		wsServer := wsapi.NewServer(cfg.WS.Addr, disp)
		transports = append(transports, wsServer.Start)
	}

	errCh := make(chan error, len(transports))
	for _, start := range transports {
		go func(start func(context.Context) error) {
			errCh <- start(ctx)
		}(start)
	}

	presenter.Success("gateway running, host_caller_id=" + cfg.HostCallerID)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.G(ctx).WithError(err).Error("transport exited with error")
		}
	}

	return nil
}
