// Clipdrop is a chat-driven short-video download service.
// Copyright (C) 2026 1204al
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
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/1204al/clipdrop-bot/internal/api"
	"github.com/1204al/clipdrop-bot/internal/config"
	"github.com/1204al/clipdrop-bot/internal/logging"
	"github.com/1204al/clipdrop-bot/internal/store"
)

var version = "dev"

func main() {
	cfg := config.Load()

	var (
		host         = flag.String("host", cfg.ServiceHost, "HTTP listen host")
		port         = flag.Int("port", cfg.ServicePort, "HTTP listen port")
		queueFile    = flag.String("queue-file", cfg.QueueFile, "Queue JSONL path")
		resultsFile  = flag.String("results-file", cfg.ResultsFile, "Results JSONL path")
		lockFile     = flag.String("lock-file", cfg.QueueLockFile, "Queue lock file path")
		maxAttempts  = flag.Int("max-attempts", cfg.MaxAttempts, "Download attempts per job")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	logger := logging.NewWithFile(cfg.LogLevel(), cfg.LogFile)
	slog.SetDefault(logger)

	st := store.New(store.Options{
		QueueFile:   *queueFile,
		ResultsFile: *resultsFile,
		LockFile:    *lockFile,
		MaxAttempts: *maxAttempts,
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(*host, strconv.Itoa(*port)),
		Handler:      api.New(st),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting job service", "addr", server.Addr, "queue_file", *queueFile)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down job service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exited")
}
