// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/import-pandas-as-numpy/snakehook-runner/internal/api"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/config"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/database"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/jobs"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/logging"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/orchestrator"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/pipinstall"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/ratelimit"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/runner"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/sandbox"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/service"
	"github.com/import-pandas-as-numpy/snakehook-runner/internal/webhook"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	// Run history is optional; the pipeline runs the same without it.
	var db *database.DB
	if cfg.DBPath != "" {
		db, err = database.New(cfg.DBPath)
		if err != nil {
			slog.Error("failed to open run history database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to migrate run history database", "error", err)
			os.Exit(1)
		}
	}

	processRunner := runner.NewProcessRunner()
	installer := pipinstall.New(processRunner, cfg, logger)
	executor := sandbox.NewNsjailExecutor(processRunner, cfg, logger)
	webhookClient := webhook.NewDiscordClient(cfg.DiscordWebhookURL, 30*time.Second, logger)

	var recorder orchestrator.RunRecorder
	if db != nil {
		recorder = db
	}
	orch := orchestrator.New(installer, executor, webhookClient, recorder, logger)

	pool := jobs.NewWorkerPool(cfg.MaxConcurrency, cfg.QueueLimit, orch.WorkerHandler(), logger)
	pool.Start(ctx)
	defer pool.Stop()

	limiter := ratelimit.New(cfg.PerIPRateLimit, cfg.PerIPRateWindowSec)
	submissions := service.New(limiter, pool, cfg.PackageDenylist, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.New(submissions, db, cfg.APIToken, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting triage server",
			"addr", cfg.ListenAddr,
			"max_concurrency", cfg.MaxConcurrency,
			"queue_limit", cfg.QueueLimit,
			"run_timeout_sec", cfg.RunTimeoutSec)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Let in-flight runs finish before their artifacts are orphaned.
	pool.Stop()

	slog.Info("server exited")
}
