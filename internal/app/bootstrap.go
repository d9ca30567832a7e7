// Package app assembles one controller run: configuration, logging,
// telemetry and the dependency container. The binary is one-shot; the batch
// scheduler owns retries and restarts.
package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratushq/stratus/pkg/config"
	"github.com/stratushq/stratus/pkg/controller"
	"github.com/stratushq/stratus/pkg/telemetry"
	"github.com/stratushq/stratus/pkg/version"
)

// Run executes one job end to end and returns the process exit code.
func Run(ctx context.Context) int {
	logger := NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return controller.ExitFailed
	}

	shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.OTELEndpoint)
	if err != nil {
		logger.Warn("Telemetry disabled", "error", err)
	} else {
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	// SIGTERM is how the batch scheduler enforces the job lifetime; the
	// cancellation propagates into the run and surfaces as TIMEOUT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	container, err := NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build dependencies", "error", err)
		return controller.ExitFailed
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	code, err := container.Controller.Run(ctx)
	if err != nil {
		logger.Error("Job finished with error", "error", err, "exit_code", code)
	} else {
		logger.Info("Job finished", "exit_code", code)
	}
	return code
}

// NewLogger builds the JSON logger every process component shares.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: redactSensitiveData,
	}))
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"account": true, "password": true, "access_key": true, "token": true,
		"secret": true, "api_key": true, "private_key": true, "auth_token": true,
		"refresh_token": true, "certificate": true, "signature": true,
		"credential": true, "ssh_key": true, "connection_string": true,
		"kubeconfig": true, "session_token": true,
	}

	if sensitiveKeys[a.Key] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}
