package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/focusd/agent_guard/internal/config"
)

// createLogger tees a console logger on stderr with a rotating JSON log file.
// The file always records debug; the console shows warnings unless verbose.
func createLogger(cfg config.Config, verbose bool) (*zap.Logger, func()) {
	return newTeeLogger(cfg, verbose, zapcore.Lock(os.Stderr))
}

func newTeeLogger(cfg config.Config, verbose bool, console zapcore.WriteSyncer) (*zap.Logger, func()) {
	consoleLevel := zapcore.WarnLevel
	if verbose {
		consoleLevel = zapcore.DebugLevel
	}
	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.TimeKey = ""
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), console, consoleLevel)

	fileConfig := zap.NewProductionEncoderConfig()
	fileConfig.TimeKey = "time"
	fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	rotator := &lumberjack.Logger{
		Filename:   cfg.ResolvedLogPath(),
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(rotator), zapcore.DebugLevel)

	logger := zap.New(zapcore.NewTee(consoleCore, fileCore))
	return logger, func() {
		_ = logger.Sync()
		_ = rotator.Close()
	}
}
