// Package logging builds the node's zap logger.
package logging

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a logger writing to w and replaces the global zap
// logger with it. Emitted messages are counted per level in reg.
func NewLogger(cfg Config, w io.Writer, reg prometheus.Registerer, metricsNamespace string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	// Validated before, the error can be ignored.
	level := zap.NewAtomicLevel()
	_ = level.UnmarshalText([]byte(cfg.Level))

	encoder := zapcore.NewJSONEncoder(encoderCfg)
	if cfg.Format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level)
	core = zapcore.RegisterHooks(core, prometheusHook(reg, metricsNamespace))
	logger := zap.New(core)
	zap.ReplaceGlobals(logger)

	return logger
}

// prometheusHook counts log messages per level.
func prometheusHook(reg prometheus.Registerer, metricsNamespace string) func(zapcore.Entry) error {
	messages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "log_messages_total",
		Help:      "Total number of log messages by log level.",
	}, []string{"level"})

	// Expose 0 for every level from the start
	for _, level := range []zapcore.Level{
		zapcore.DebugLevel,
		zapcore.InfoLevel,
		zapcore.WarnLevel,
		zapcore.ErrorLevel,
		zapcore.FatalLevel,
		zapcore.PanicLevel,
	} {
		messages.WithLabelValues(level.String())
	}

	return func(entry zapcore.Entry) error {
		messages.WithLabelValues(entry.Level.String()).Inc()
		return nil
	}
}
