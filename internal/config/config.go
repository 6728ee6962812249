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

// Package config loads the shared configuration for every binary from
// the environment, seeded from a .env file when one exists. Values never
// fail the load: malformed numbers fall back to their defaults and are
// clamped to sane minimums, so a bad .env cannot keep the stack down.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the binaries read. All file paths are
// relative to the working directory unless absolute.
type Config struct {
	Debug        bool   // DEBUG
	MaxAttempts  int    // MAX_ATTEMPTS (min 1)
	DownloadsDir string // DOWNLOADS_DIR

	QueueFile     string // QUEUE_FILE
	ResultsFile   string // RESULTS_FILE
	QueueLockFile string // QUEUE_LOCK_FILE

	WorkerPoll time.Duration // WORKER_POLL_SECONDS (float seconds, min 0.2)

	ServiceHost string // SERVICE_HOST
	ServicePort int    // SERVICE_PORT

	TelegramBotToken     string // TELEGRAM_BOT_TOKEN
	TelegramAuthPassword string // TELEGRAM_AUTH_PASSWORD

	TelegramAuthorizedChatsFile string // TELEGRAM_AUTHORIZED_CHATS_FILE
	TelegramWhitelistFile       string // TELEGRAM_WHITELIST_FILE
	TelegramAccessLockFile      string // TELEGRAM_ACCESS_LOCK_FILE

	TelegramCallbackHost string // TELEGRAM_CALLBACK_HOST
	TelegramCallbackPort int    // TELEGRAM_CALLBACK_PORT
	TelegramLockFile     string // TELEGRAM_LOCK_FILE

	TelegramUploadLimitMB        int           // TELEGRAM_UPLOAD_LIMIT_MB (min 1)
	TelegramVeryLargeThresholdMB int           // TELEGRAM_VERY_LARGE_THRESHOLD_MB (min: upload limit)
	ResizeTimeout                time.Duration // TELEGRAM_RESIZE_TIMEOUT_SEC (min 10s)

	BotServiceURL        string // BOT_SERVICE_URL
	WorkerBotCallbackURL string // WORKER_BOT_CALLBACK_URL
	BotCallbackSecret    string // BOT_CALLBACK_SECRET

	LogFile string // LOG_FILE (empty: stderr only)
}

// LogLevel returns the slog level name implied by the debug flag.
func (c Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return "info"
}

// Load reads .env (if present; existing environment wins) and then the
// environment.
func Load() Config {
	// godotenv.Load never overrides variables that are already set,
	// matching the usual "env beats file" precedence.
	_ = godotenv.Load()

	uploadLimitMB := getenvInt("TELEGRAM_UPLOAD_LIMIT_MB", 50, 1)

	return Config{
		Debug:        getenvBool("DEBUG"),
		MaxAttempts:  getenvInt("MAX_ATTEMPTS", 2, 1),
		DownloadsDir: getenv("DOWNLOADS_DIR", "downloads"),

		QueueFile:     getenv("QUEUE_FILE", "queue.jsonl"),
		ResultsFile:   getenv("RESULTS_FILE", "results.jsonl"),
		QueueLockFile: getenv("QUEUE_LOCK_FILE", ".queue.lock"),

		WorkerPoll: getenvSeconds("WORKER_POLL_SECONDS", 2.0, 0.2),

		ServiceHost: getenv("SERVICE_HOST", "0.0.0.0"),
		ServicePort: getenvInt("SERVICE_PORT", 8000, 1),

		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAuthPassword: os.Getenv("TELEGRAM_AUTH_PASSWORD"),

		TelegramAuthorizedChatsFile: getenv("TELEGRAM_AUTHORIZED_CHATS_FILE", "telegram_authorized_chats.json"),
		TelegramWhitelistFile:       getenv("TELEGRAM_WHITELIST_FILE", "telegram_whitelist.txt"),
		TelegramAccessLockFile:      getenv("TELEGRAM_ACCESS_LOCK_FILE", ".telegram_access.lock"),

		TelegramCallbackHost: getenv("TELEGRAM_CALLBACK_HOST", "127.0.0.1"),
		TelegramCallbackPort: getenvInt("TELEGRAM_CALLBACK_PORT", 8090, 1),
		TelegramLockFile:     getenv("TELEGRAM_LOCK_FILE", ".telegram_bot.lock"),

		TelegramUploadLimitMB:        uploadLimitMB,
		TelegramVeryLargeThresholdMB: getenvInt("TELEGRAM_VERY_LARGE_THRESHOLD_MB", 150, uploadLimitMB),
		ResizeTimeout:                time.Duration(getenvInt("TELEGRAM_RESIZE_TIMEOUT_SEC", 180, 10)) * time.Second,

		BotServiceURL:        getenv("BOT_SERVICE_URL", "http://127.0.0.1:8000"),
		WorkerBotCallbackURL: getenv("WORKER_BOT_CALLBACK_URL", "http://127.0.0.1:8090/internal/job-events"),
		BotCallbackSecret:    getenv("BOT_CALLBACK_SECRET", "change-me"),

		LogFile: strings.TrimSpace(os.Getenv("LOG_FILE")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getenvInt(key string, def, minimum int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return maxInt(minimum, def)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return maxInt(minimum, def)
	}
	return maxInt(minimum, v)
}

func getenvSeconds(key string, def, minimum float64) time.Duration {
	raw := os.Getenv(key)
	value := def
	if raw != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			value = v
		}
	}
	if value < minimum {
		value = minimum
	}
	return time.Duration(value * float64(time.Second))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
