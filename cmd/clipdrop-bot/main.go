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

	"github.com/1204al/clipdrop-bot/internal/access"
	"github.com/1204al/clipdrop-bot/internal/bot"
	"github.com/1204al/clipdrop-bot/internal/config"
	"github.com/1204al/clipdrop-bot/internal/filelock"
	"github.com/1204al/clipdrop-bot/internal/logging"
	"github.com/1204al/clipdrop-bot/internal/telegram"
	"github.com/1204al/clipdrop-bot/pkg/auth"
)

var version = "dev"

func main() {
	cfg := config.Load()

	var (
		serviceURL   = flag.String("service-url", cfg.BotServiceURL, "Base URL of the job service")
		callbackHost = flag.String("callback-host", cfg.TelegramCallbackHost, "Callback listen host")
		callbackPort = flag.Int("callback-port", cfg.TelegramCallbackPort, "Callback listen port")
		lockFile     = flag.String("lock-file", cfg.TelegramLockFile, "Single-instance lock file")
		hashPassword = flag.String("hash-password", "", "Print the bcrypt hash of the given password and exit")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash failed:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	logger := logging.NewWithFile(cfg.LogLevel(), cfg.LogFile)
	slog.SetDefault(logger.With(slog.String("component", "bot")))

	if cfg.TelegramBotToken == "" {
		slog.Error("Set TELEGRAM_BOT_TOKEN in environment or .env")
		os.Exit(1)
	}
	if cfg.TelegramAuthPassword == "" {
		slog.Error("Set TELEGRAM_AUTH_PASSWORD in environment or .env")
		os.Exit(1)
	}

	lock, err := filelock.AcquireSingleInstance(*lockFile)
	if err != nil {
		slog.Error("Failed to acquire bot lock", "path", *lockFile, "error", err)
		os.Exit(1)
	}
	defer func() { _ = lock.Release() }()

	// Uploads of freshly transcoded files can be large; give them the
	// resize budget plus headroom rather than the 30s RPC timeout.
	client := telegram.New(cfg.TelegramBotToken, telegram.Options{
		UploadTimeout: cfg.ResizeTimeout + 2*time.Minute,
	})
	accessStore := access.New(cfg.TelegramAuthorizedChatsFile, cfg.TelegramWhitelistFile, cfg.TelegramAccessLockFile)

	b := bot.New(client, accessStore, bot.Config{
		ServiceBaseURL:       *serviceURL,
		CallbackSecret:       cfg.BotCallbackSecret,
		CallbackHost:         *callbackHost,
		CallbackPort:         *callbackPort,
		AuthPassword:         cfg.TelegramAuthPassword,
		UploadLimitMB:        cfg.TelegramUploadLimitMB,
		VeryLargeThresholdMB: cfg.TelegramVeryLargeThresholdMB,
		ResizeTimeout:        cfg.ResizeTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	me, err := client.GetMe(ctx)
	if err != nil {
		slog.Error("getMe failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Bot started", "username", me.Username, "service_url", *serviceURL)

	if err := b.Run(ctx); err != nil {
		slog.Error("Bot stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Bot stopped")
}
