package sechat

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a minimal logging interface accepted by the SDK.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// noopLogger discards all logs.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any) {}
func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// zapLogger adapts a zap.Logger to the SDK Logger interface.
type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger builds a console zap logger wrapped in the SDK Logger
// interface. Pass the result to Client.SetLogger.
func NewZapLogger(level zapcore.Level) Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return &zapLogger{l: zap.New(core, zap.AddCaller())}
}

// WrapZap adapts an existing zap.Logger.
func WrapZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

func zapFields(fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (z *zapLogger) Debug(msg string, fields map[string]any) { z.l.Debug(msg, zapFields(fields)...) }
func (z *zapLogger) Info(msg string, fields map[string]any)  { z.l.Info(msg, zapFields(fields)...) }
func (z *zapLogger) Warn(msg string, fields map[string]any)  { z.l.Warn(msg, zapFields(fields)...) }
func (z *zapLogger) Error(msg string, fields map[string]any) { z.l.Error(msg, zapFields(fields)...) }
