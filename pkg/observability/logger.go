// Package observability builds the transport's zap logger. Every transport
// log line carries the actor system name, and pipeline code derives
// per-lane child loggers from the root.
package observability

import (
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "actorwire/pkg/config"
)

// Setup builds the root logger for one transport from c, tags it with the
// actor system name, installs it as the zap global and redirects the stdlib
// log package. The caller should defer logger.Sync().
func Setup(c config.LogConfig, system string) (*zap.Logger, error) {
    level, err := parseLevel(c.Level)
    if err != nil {
        return nil, err
    }
    encoder := buildEncoder(c)

    cores := make([]zapcore.Core, 0, len(c.Outputs))
    for _, out := range c.Outputs {
        sink, err := buildSink(out, c)
        if err != nil {
            return nil, err
        }
        cores = append(cores, zapcore.NewCore(encoder, sink, level))
    }
    if len(cores) == 0 {
        cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
    }

    opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
    if c.Development {
        opts = append(opts, zap.Development())
    }
    logger := zap.New(zapcore.NewTee(cores...), opts...).
        Named("actorwire").
        With(zap.String("system", system))
    zap.ReplaceGlobals(logger)
    _, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
    return logger, nil
}

// Lane derives the child logger a pipeline uses, so control, ordinary and
// large stream lines can be filtered apart.
func Lane(l *zap.Logger, lane string) *zap.Logger {
    return l.With(zap.String("lane", lane))
}

func parseLevel(s string) (zap.AtomicLevel, error) {
    level := zap.NewAtomicLevel()
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug":
        level.SetLevel(zap.DebugLevel)
    case "info", "":
        level.SetLevel(zap.InfoLevel)
    case "warn", "warning":
        level.SetLevel(zap.WarnLevel)
    case "error":
        level.SetLevel(zap.ErrorLevel)
    default:
        return level, fmt.Errorf("observability: unknown log level %q", s)
    }
    return level, nil
}

func buildEncoder(c config.LogConfig) zapcore.Encoder {
    if strings.EqualFold(c.Format, "json") {
        return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
    }
    enc := zap.NewDevelopmentEncoderConfig()
    if c.Development {
        enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
    }
    return zapcore.NewConsoleEncoder(enc)
}

// buildSink resolves one configured output: stdout, stderr, or a file path,
// with rotation when enabled.
func buildSink(out string, c config.LogConfig) (zapcore.WriteSyncer, error) {
    switch strings.ToLower(out) {
    case "stdout":
        return zapcore.AddSync(os.Stdout), nil
    case "stderr":
        return zapcore.AddSync(os.Stderr), nil
    }
    path := out
    if c.Rotation.Enable {
        if f := strings.TrimSpace(c.Rotation.Filename); f != "" {
            path = f
        }
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   path,
            MaxSize:    atLeast(c.Rotation.MaxSizeMB, 10),
            MaxBackups: atLeast(c.Rotation.MaxBackups, 1),
            MaxAge:     atLeast(c.Rotation.MaxAgeDays, 7),
            Compress:   c.Rotation.Compress,
        }), nil
    }
    if dir := filepath.Dir(path); dir != "." && dir != "" {
        if err := os.MkdirAll(dir, 0o755); err != nil {
            return nil, fmt.Errorf("observability: create log dir %s: %w", dir, err)
        }
    }
    f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        return nil, fmt.Errorf("observability: open log file %s: %w", path, err)
    }
    return zapcore.AddSync(f), nil
}

func atLeast(v, floor int) int {
    if v < floor {
        return floor
    }
    return v
}
