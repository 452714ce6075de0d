package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Rotation bounds the size and number of log files kept for each file output.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var DefaultRotation = Rotation{MaxSizeMB: 10, MaxBackups: 10, Compress: true}

type settings struct {
	level    zapcore.Level
	format   string
	outputs  []string
	rotation Rotation
}

type Option func(*settings)

// WithLogLevel sets the minimum level. Unknown names fall back to info.
func WithLogLevel(level string) Option {
	return func(s *settings) {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			lvl = zapcore.InfoLevel
		}
		s.level = lvl
	}
}

func WithLogFormat(format string) Option {
	return func(s *settings) {
		s.format = format
	}
}

// WithOutputPaths sends log output to stdout, stderr or size-rotated files.
func WithOutputPaths(paths []string) Option {
	return func(s *settings) {
		s.outputs = append([]string(nil), paths...)
	}
}

func WithRotation(r Rotation) Option {
	return func(s *settings) {
		s.rotation = r
	}
}

// One rotator per absolute path.
var (
	filesMu sync.Mutex
	files   = map[string]*lumberjack.Logger{}
)

func rotatedFile(path string, r Rotation) (*lumberjack.Logger, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("logging: resolve %s: %w", path, err)
	}
	filesMu.Lock()
	defer filesMu.Unlock()
	if f, ok := files[abs]; ok {
		return f, nil
	}
	f := &lumberjack.Logger{
		Filename:   abs,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}
	files[abs] = f
	return f, nil
}

// Output returns the writer for stdout, stderr or a rotated file at path.
func Output(path string) (zapcore.WriteSyncer, error) {
	return output(path, DefaultRotation)
}

func output(path string, r Rotation) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := rotatedFile(path, r)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

func encoder(format string) zapcore.Encoder {
	if format == LogFormatConsole {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
}

// Init builds the process logger, installs it as the zap global and attaches it to ctx.
func Init(ctx context.Context, opts ...Option) (context.Context, error) {
	s := settings{
		level:    zapcore.InfoLevel,
		format:   LogFormatJSON,
		outputs:  []string{"stderr"},
		rotation: DefaultRotation,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if len(s.outputs) == 0 {
		s.outputs = []string{"stderr"}
	}

	sinks := make([]zapcore.WriteSyncer, 0, len(s.outputs))
	for _, path := range s.outputs {
		ws, err := output(path, s.rotation)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ws)
	}

	core := zapcore.NewCore(encoder(s.format), zapcore.NewMultiWriteSyncer(sinks...), zap.NewAtomicLevelAt(s.level))
	l := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	zap.ReplaceGlobals(l)

	l.Debug("logger initialized", zap.Stringer("log_level", s.level), zap.Strings("outputs", s.outputs))

	return ctxzap.ToContext(ctx, l), nil
}
