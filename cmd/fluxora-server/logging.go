package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxora/streamledger/internal/policy"
)

// setupLogger creates a JSON logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the file.
// When stderr is redirected (daemon mode via nohup), logs go only to the file
// to avoid duplicate lines since nohup already redirects stderr to the log file.
// Stdout is never used: it carries the stdio transport.
func setupLogger(logFilePath, level string) (*zap.Logger, func()) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var syncers []zapcore.WriteSyncer
	closeFn := func() {}

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				syncers = append(syncers, zapcore.AddSync(f))
				hasLogFile = true
				closeFn = func() { _ = f.Close() }
			} else {
				fmt.Fprintf(os.Stderr, "[fluxora] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[fluxora] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	// Add stderr if it's a terminal, or if there's no log file (always need at least one output).
	if stderrIsTerminal || !hasLogFile {
		syncers = append(syncers, zapcore.Lock(os.Stderr))
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.NewMultiWriteSyncer(syncers...), lvl)
	logger := zap.New(core, zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}
}

// loadConfig loads configuration from FLUXORA_CONFIG or defaults. An invalid
// file is fatal.
func loadConfig() *policy.Config {
	configPath := os.Getenv("FLUXORA_CONFIG")
	if configPath == "" {
		return policy.DefaultConfig()
	}
	cfg, err := policy.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[fluxora] config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	return cfg
}
