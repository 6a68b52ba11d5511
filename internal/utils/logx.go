package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogOptions struct {
	Path       string // directory for info.log and error.log; empty logs to stderr only
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds the process logger: console output plus, when a path is
// set, rotated info and error files.
func NewLogger(opts LogOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEnc := zapcore.NewConsoleEncoder(encCfg)

	minLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= level })
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), minLv),
	}

	if opts.Path != "" {
		if err := os.MkdirAll(opts.Path, 0744); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", opts.Path, err)
		}
		jsonEnc := zapcore.NewJSONEncoder(encCfg)
		infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= level && l < zapcore.ErrorLevel })
		errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
		cores = append(cores,
			zapcore.NewCore(jsonEnc, zapcore.AddSync(opts.rotated("info.log")), infoLv),
			zapcore.NewCore(jsonEnc, zapcore.AddSync(opts.rotated("error.log")), errLv),
		)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func (o LogOptions) rotated(name string) *lumberjack.Logger {
	maxSize := o.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	backups := o.MaxBackups
	if backups <= 0 {
		backups = 5
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(o.Path, name),
		MaxSize:    maxSize,
		MaxBackups: backups,
		MaxAge:     o.MaxAgeDays,
		Compress:   true,
	}
}
