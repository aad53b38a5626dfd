package main

import (
    "context"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"
    "gopkg.in/yaml.v3"

    "actorwire/pkg/config"
    "actorwire/pkg/driver/quicdrv"
    "actorwire/pkg/driver/udp"
    "actorwire/pkg/metrics"
    "actorwire/pkg/observability"
    "actorwire/pkg/protocol"
    "actorwire/pkg/remote"
)

var runMetricsAddr string

// logSink logs every dispatched envelope; stands in for the actor
// dispatcher when running the node standalone.
type logSink struct{}

func (logSink) Dispatch(env *remote.InboundEnvelope) {
    zap.L().Info("inbound envelope",
        zap.String("recipient", env.Recipient),
        zap.String("manifest", env.Message.Manifest),
        zap.Int32("lane", env.Lane),
        zap.Uint64("origin", env.OriginUID),
        zap.Int("bytes", len(env.Message.Payload)))
}

// run is the main entry point after CLI parsing.
func run(configPath string) error {
    cfg, err := config.Load(configPath)
    if err != nil {
        return fmt.Errorf("load config: %w", err)
    }

    logger, err := observability.Setup(cfg.Log, cfg.SystemName)
    if err != nil {
        return fmt.Errorf("setup logger: %w", err)
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("actorwire-node started", zap.String("system", cfg.SystemName))

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    drv := udp.New(udp.Options{
        Host:     cfg.Canonical.Hostname,
        Port:     cfg.Canonical.Port,
        MaxFrame: protocol.MaxLargeFrameSize,
    })

    reg := prometheus.NewRegistry()
    opts := remote.Options{
        Config:  cfg,
        Driver:  drv,
        Sink:    logSink{},
        Metrics: metrics.New(reg),
        Logger:  logger,
        Terminate: func(reason string) {
            zap.L().Error("transport terminated", zap.String("reason", reason))
            cancel()
        },
    }
    if cfg.Driver.LargeOverQUIC && len(cfg.LargeMessageDestinations) > 0 {
        qd, err := quicdrv.New(quicdrv.Options{Host: cfg.Canonical.Hostname, Port: 0})
        if err != nil {
            return fmt.Errorf("init quic driver: %w", err)
        }
        opts.LargeDriver = qd
    }

    tr, err := remote.New(opts)
    if err != nil {
        return err
    }
    if err := tr.Start(ctx); err != nil {
        return err
    }
    defer func() { _ = tr.Shutdown() }()

    tr.Events().Subscribe(func(ev remote.Event) {
        zap.L().Info("transport event", zap.Any("event", ev))
    })

    if runMetricsAddr != "" {
        mux := http.NewServeMux()
        mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
        srv := &http.Server{Addr: runMetricsAddr, Handler: mux}
        go func() {
            if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
                zap.L().Warn("metrics server failed", zap.Error(err))
            }
        }()
        defer func() { _ = srv.Close() }()
    }

    zap.L().Info("node is running", zap.String("local", tr.LocalAddress().String()))

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
    select {
    case <-sigCh:
        zap.L().Info("shutting down on signal")
    case <-ctx.Done():
    }
    return nil
}

func dumpConfig(configPath string) error {
    cfg, err := config.Load(configPath)
    if err != nil {
        return err
    }
    out, err := yaml.Marshal(cfg)
    if err != nil {
        return err
    }
    _, err = os.Stdout.Write(out)
    return err
}
