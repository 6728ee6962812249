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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1204al/clipdrop-bot/internal/config"
	"github.com/1204al/clipdrop-bot/internal/downloader"
	"github.com/1204al/clipdrop-bot/internal/logging"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/worker"
)

var version = "dev"

func main() {
	cfg := config.Load()

	var (
		pollSeconds  = flag.Float64("poll-seconds", cfg.WorkerPoll.Seconds(), "Seconds between idle queue polls")
		workerID     = flag.String("worker-id", "", "Worker identity stamped on claims (default hostname:pid)")
		once         = flag.Bool("once", false, "Process at most one job and exit")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	logger := logging.NewWithFile(cfg.LogLevel(), cfg.LogFile)
	slog.SetDefault(logger.With(slog.String("component", "worker")))

	st := store.New(store.Options{
		QueueFile:   cfg.QueueFile,
		ResultsFile: cfg.ResultsFile,
		LockFile:    cfg.QueueLockFile,
		MaxAttempts: cfg.MaxAttempts,
	})
	dl := downloader.New(cfg.DownloadsDir, cfg.Debug)

	w := worker.New(st, dl, worker.Config{
		WorkerID:       *workerID,
		PollInterval:   time.Duration(*pollSeconds * float64(time.Second)),
		CallbackURL:    cfg.WorkerBotCallbackURL,
		CallbackSecret: cfg.BotCallbackSecret,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		claimed, err := w.ProcessOne(ctx)
		if err != nil {
			slog.Error("Processing failed", "error", err)
			os.Exit(1)
		}
		if !claimed {
			slog.Info("Queue empty, nothing to do")
		}
		return
	}

	slog.Info("Worker starting",
		"poll_seconds", *pollSeconds,
		"callback_url", cfg.WorkerBotCallbackURL,
		"downloads_dir", cfg.DownloadsDir)
	w.Run(ctx)
	slog.Info("Worker stopped")
}
