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

// Package bot runs the Telegram side of the service: a long-poll loop
// for incoming messages, the access gates around them, and the callback
// consumer that turns finished jobs into chat uploads.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/1204al/clipdrop-bot/internal/access"
	"github.com/1204al/clipdrop-bot/internal/metrics"
	"github.com/1204al/clipdrop-bot/internal/telegram"
	"github.com/1204al/clipdrop-bot/internal/urls"
	"github.com/1204al/clipdrop-bot/pkg/auth"
	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

const (
	// maxLinksPerMessage caps how many links one message may enqueue.
	maxLinksPerMessage = 5

	pollTimeout   = 30 * time.Second
	pollRetryWait = 2 * time.Second

	// Timeouts for enqueue calls against the job service.
	enqueueConnectTimeout = 10 * time.Second
	enqueueTimeout        = 20 * time.Second
)

const (
	welcomeText           = "Send TikTok/Instagram/X links. I will download and return media when ready."
	accessDeniedText      = "Access denied."
	accessCheckFailedText = "Access check failed. Try later."
	resizeFailedText      = "Не вдалося стиснути файл до 50MB для відправки в Telegram."
)

// API is the Telegram surface the runtime drives. *telegram.Client
// implements it.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, threadID *int64) error
	SendVideo(ctx context.Context, chatID int64, path, caption string, threadID *int64, supportsStreaming bool) error
	SendDocument(ctx context.Context, chatID int64, path, caption string, threadID *int64) error
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMember, error)
	GetChatAdministrators(ctx context.Context, chatID int64) ([]telegram.ChatMember, error)
}

// Access guards who may talk to the bot. *access.Store implements it.
type Access interface {
	IsChatAuthorized(chatID int64) (bool, error)
	AuthorizeChat(chatID int64) (bool, error)
	IsUserWhitelisted(userID int64) (bool, error)
	AddUserToWhitelist(userID int64) (bool, error)
	AddUsersToWhitelist(userIDs []int64) (int, error)
	SnapshotCounts() (access.Counts, error)
}

// Config carries the bot runtime settings.
type Config struct {
	ServiceBaseURL       string
	CallbackSecret       string
	CallbackHost         string
	CallbackPort         int
	AuthPassword         string
	UploadLimitMB        int
	VeryLargeThresholdMB int
	ResizeTimeout        time.Duration
}

// Bot owns the update loop and the callback consumer.
type Bot struct {
	api     API
	access  Access
	cfg     Config
	events  *Events
	service *http.Client

	resize func(ctx context.Context, inputPath, outputPath string, targetMB int, timeout time.Duration) error
}

// New constructs the runtime. Config values are clamped to the same
// floors the config loader enforces, so a hand-built Config behaves
// identically.
func New(api API, accessStore Access, cfg Config) *Bot {
	cfg.ServiceBaseURL = strings.TrimRight(cfg.ServiceBaseURL, "/")
	if cfg.UploadLimitMB < 1 {
		cfg.UploadLimitMB = 1
	}
	if cfg.VeryLargeThresholdMB < cfg.UploadLimitMB {
		cfg.VeryLargeThresholdMB = cfg.UploadLimitMB
	}
	if cfg.ResizeTimeout < 10*time.Second {
		cfg.ResizeTimeout = 10 * time.Second
	}

	return &Bot{
		api:    api,
		access: accessStore,
		cfg:    cfg,
		events: NewEvents(cfg.CallbackSecret),
		service: &http.Client{
			Timeout: enqueueTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: enqueueConnectTimeout}).DialContext,
			},
		},
		resize: NewTranscoder().ResizeToLimit,
	}
}

// Run serves the callback endpoint, consumes accepted events, and long
// polls for updates until ctx is canceled. A Telegram 409 Conflict is
// fatal: it means another process is polling with the same token.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := net.JoinHostPort(b.cfg.CallbackHost, strconv.Itoa(b.cfg.CallbackPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           b.events.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Callback server shutdown failed", "error", err)
		}
	}()
	slog.Info("Callback server listening", "addr", addr)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		b.events.Run(ctx, b.handleJobEvent)
	}()
	defer func() {
		cancel()
		<-consumerDone
	}()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErr:
			return fmt.Errorf("callback server: %w", err)
		default:
		}

		updates, err := b.api.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if telegram.IsConflict(err) {
				slog.Error("Telegram Conflict: another getUpdates consumer uses this token. Stop the other bot instance and restart.")
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollRetryWait):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if update.Message == nil {
				continue
			}
			b.handleUpdate(ctx, update.Message)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		fields := strings.Fields(text)
		command := fields[0]
		// Commands in groups may be addressed as /cmd@botname.
		if at := strings.IndexByte(command, '@'); at >= 0 {
			command = command[:at]
		}
		switch command {
		case "/start":
			b.handleStart(ctx, msg)
		case "/auth":
			b.handleAuth(ctx, msg, fields[1:])
		}
		return
	}

	b.handleMessage(ctx, msg)
}

func (b *Bot) handleStart(ctx context.Context, msg *telegram.Message) {
	switch msg.Chat.Type {
	case telegram.ChatTypePrivate:
		listed, err := b.access.IsUserWhitelisted(msg.From.ID)
		if err != nil {
			slog.Error("Access store read failed", "user_id", msg.From.ID, "error", err)
			b.reply(ctx, msg, accessCheckFailedText)
			return
		}
		if !listed {
			b.reply(ctx, msg, accessDeniedText)
			return
		}
	case telegram.ChatTypeGroup, telegram.ChatTypeSupergroup:
		authorized, err := b.access.IsChatAuthorized(msg.Chat.ID)
		if err != nil {
			slog.Error("Access store read failed", "chat_id", msg.Chat.ID, "error", err)
			return
		}
		if !authorized {
			return
		}
	}

	b.reply(ctx, msg, welcomeText)
}

func (b *Bot) handleAuth(ctx context.Context, msg *telegram.Message, args []string) {
	if msg.Chat.Type != telegram.ChatTypeGroup && msg.Chat.Type != telegram.ChatTypeSupergroup {
		b.reply(ctx, msg, "/auth works only in group or supergroup chats.")
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg, "Usage: /auth <password>")
		return
	}
	if !auth.Matches(args[0], b.cfg.AuthPassword) {
		b.reply(ctx, msg, "Wrong password.")
		return
	}

	member, err := b.api.GetChatMember(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		slog.Error("Failed to verify admin status", "chat_id", msg.Chat.ID, "user_id", msg.From.ID, "error", err)
		b.reply(ctx, msg, "Failed to verify admin status. Try again later.")
		return
	}
	if !member.IsAdmin() {
		b.reply(ctx, msg, "Only chat admins can authorize this chat.")
		return
	}

	newlyAuthorized, err := b.access.AuthorizeChat(msg.Chat.ID)
	if err != nil {
		slog.Error("Failed to save authorized chat", "chat_id", msg.Chat.ID, "error", err)
		b.reply(ctx, msg, "Failed to persist authorization state.")
		return
	}

	var added int
	var counts access.Counts
	admins, err := b.api.GetChatAdministrators(ctx, msg.Chat.ID)
	if err == nil {
		ids := make([]int64, 0, len(admins))
		for _, admin := range admins {
			if !admin.User.IsBot {
				ids = append(ids, admin.User.ID)
			}
		}
		added, err = b.access.AddUsersToWhitelist(ids)
	}
	if err == nil {
		counts, err = b.access.SnapshotCounts()
	}
	if err != nil {
		slog.Error("Failed to sync admin whitelist", "chat_id", msg.Chat.ID, "error", err)
		b.reply(ctx, msg, "Chat authorized, but failed to sync admins into whitelist. Users will be added when they send messages in this chat.")
		return
	}

	prefix := "Chat already authorized."
	if newlyAuthorized {
		prefix = "Chat authorized."
	}
	b.reply(ctx, msg, fmt.Sprintf("%s\nAdded admins to whitelist: %d\nAuthorized chats: %d\nWhitelisted users: %d",
		prefix, added, counts.AuthorizedChats, counts.WhitelistedUsers))
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	switch msg.Chat.Type {
	case telegram.ChatTypePrivate:
		listed, err := b.access.IsUserWhitelisted(msg.From.ID)
		if err != nil {
			slog.Error("Access store read failed", "user_id", msg.From.ID, "error", err)
			b.reply(ctx, msg, accessCheckFailedText)
			return
		}
		if !listed {
			b.reply(ctx, msg, accessDeniedText)
			return
		}
	case telegram.ChatTypeGroup, telegram.ChatTypeSupergroup:
		authorized, err := b.access.IsChatAuthorized(msg.Chat.ID)
		if err != nil {
			slog.Error("Access store read failed", "chat_id", msg.Chat.ID, "error", err)
			b.reply(ctx, msg, accessCheckFailedText)
			return
		}
		if !authorized {
			return
		}
		// Anyone posting in an authorized group earns private access.
		if _, err := b.access.AddUserToWhitelist(msg.From.ID); err != nil {
			slog.Error("Access store failure", "chat_id", msg.Chat.ID, "user_id", msg.From.ID, "error", err)
			b.reply(ctx, msg, accessCheckFailedText)
			return
		}
	default:
		return
	}

	extracted := append(urls.ExtractSupported(msg.Text), urls.ExtractSupported(msg.Caption)...)
	seen := make(map[string]struct{}, len(extracted))
	var deduped []urls.Classified
	for _, item := range extracted {
		if _, ok := seen[item.NormalizedURL]; ok {
			continue
		}
		seen[item.NormalizedURL] = struct{}{}
		deduped = append(deduped, item)
	}
	if len(deduped) == 0 {
		return
	}

	selected := deduped
	if len(deduped) > maxLinksPerMessage {
		b.reply(ctx, msg, fmt.Sprintf("Found %d links. Downloading first %d only.", len(deduped), maxLinksPerMessage))
		selected = deduped[:maxLinksPerMessage]
	}

	created, err := b.enqueueJobs(ctx, selected, msg)
	if err != nil {
		slog.Error("Failed enqueue", "chat_id", msg.Chat.ID, "error", err)
		b.reply(ctx, msg, fmt.Sprintf("Failed to enqueue links: %v", err))
		return
	}
	slog.Info("Message queued",
		"chat_id", msg.Chat.ID,
		"message_id", msg.MessageID,
		"found_links", len(deduped),
		"selected_links", len(selected),
		"jobs", created)
}

type enqueueSubscriber struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ChatType  string `json:"chat_type"`
	ThreadID  *int64 `json:"thread_id"`
}

type enqueuePayload struct {
	URLs       []string          `json:"urls"`
	Subscriber enqueueSubscriber `json:"subscriber"`
}

// enqueueJobs POSTs the selected links to the job service and returns
// how many job rows came back.
func (b *Bot) enqueueJobs(ctx context.Context, selected []urls.Classified, msg *telegram.Message) (int, error) {
	payload := enqueuePayload{
		URLs: make([]string, 0, len(selected)),
		Subscriber: enqueueSubscriber{
			ChatID:    msg.Chat.ID,
			MessageID: msg.MessageID,
			ChatType:  msg.Chat.Type,
			ThreadID:  msg.MessageThreadID,
		},
	}
	for _, item := range selected {
		payload.URLs = append(payload.URLs, item.InputURL)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode enqueue payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.ServiceBaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.service.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read service response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var reply struct {
		Jobs []struct {
			JobID string `json:"job_id"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return 0, fmt.Errorf("decode service response: %w", err)
	}
	return len(reply.Jobs), nil
}

// handleJobEvent reacts to one accepted callback event. started events
// only mark progress; nothing is sent for them.
func (b *Bot) handleJobEvent(ctx context.Context, event jobs.Event) {
	status := strings.ToLower(event.Status)
	if status == jobs.EventStarted {
		slog.Debug("Job started", "job_id", event.JobID)
		return
	}

	if len(event.Subscribers) == 0 {
		slog.Warn("Callback has no subscribers", "job_id", event.JobID)
		return
	}

	if status == jobs.EventDone {
		b.handleDoneEvent(ctx, event)
		return
	}
	b.handleFailedEvent(ctx, event)
}

func (b *Bot) handleDoneEvent(ctx context.Context, event jobs.Event) {
	filePath := ""
	if event.Result != nil {
		filePath = event.Result.FilePath
	}
	if filePath == "" {
		b.broadcast(ctx, event.Subscribers, fmt.Sprintf("Downloaded file missing for job %s", event.JobID))
		return
	}
	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		b.broadcast(ctx, event.Subscribers, fmt.Sprintf("Downloaded file missing for job %s", event.JobID))
		return
	}

	finalPath := filePath
	sizeMB := float64(info.Size()) / (1024 * 1024)

	if sizeMB > float64(b.cfg.VeryLargeThresholdMB) {
		b.broadcast(ctx, event.Subscribers, fmt.Sprintf(
			"Файл дуже великий. Telegram Bot API дозволяє надсилати файли до %dMB, цей файл перевищує поріг для авто-стискання.",
			b.cfg.UploadLimitMB))
		return
	}

	if sizeMB > float64(b.cfg.UploadLimitMB) {
		b.broadcast(ctx, event.Subscribers, fmt.Sprintf(
			"Файл більший за %dMB. Стискаю до Telegram-ліміту, зачекайте.", b.cfg.UploadLimitMB))

		resizedPath := resizedName(filePath, b.cfg.UploadLimitMB)
		if err := b.resize(ctx, filePath, resizedPath, b.cfg.UploadLimitMB, b.cfg.ResizeTimeout); err != nil {
			slog.Warn("Resize failed", "job_id", event.JobID, "path", filePath, "error", err)
			b.broadcast(ctx, event.Subscribers, resizeFailedText)
			return
		}
		resizedInfo, err := os.Stat(resizedPath)
		if err != nil || float64(resizedInfo.Size())/(1024*1024) > float64(b.cfg.UploadLimitMB) {
			b.broadcast(ctx, event.Subscribers, resizeFailedText)
			return
		}
		finalPath = resizedPath
	}

	caption := fmt.Sprintf("%s: %s", event.Platform, event.InputURL)
	for _, sub := range event.Subscribers {
		b.deliverMedia(ctx, sub, finalPath, caption, event.JobID)
	}
}

// deliverMedia tries sendVideo, falls back to sendDocument, and as a
// last resort tells the subscriber what went wrong.
func (b *Bot) deliverMedia(ctx context.Context, sub jobs.Subscriber, path, caption, jobID string) {
	err := b.api.SendVideo(ctx, sub.ChatID, path, caption, sub.ThreadID, true)
	metrics.IncBotSend(metrics.SendVideo, err == nil)
	if err == nil {
		return
	}
	slog.Warn("sendVideo failed", "chat_id", sub.ChatID, "job_id", jobID, "error", err)

	err = b.api.SendDocument(ctx, sub.ChatID, path, caption, sub.ThreadID)
	metrics.IncBotSend(metrics.SendDocument, err == nil)
	if err == nil {
		return
	}

	b.sendText(ctx, sub.ChatID, sub.ThreadID,
		fmt.Sprintf("Failed to upload downloaded media for job %s.\n%s", jobID, tail(err.Error(), 700)))
}

func (b *Bot) handleFailedEvent(ctx context.Context, event jobs.Event) {
	errText := "Unknown error"
	if event.Error != nil && *event.Error != "" {
		errText = *event.Error
	}
	b.broadcast(ctx, event.Subscribers, fmt.Sprintf("Failed to download: %s\n%s", event.InputURL, tail(errText, 1200)))
}

func (b *Bot) broadcast(ctx context.Context, subs []jobs.Subscriber, text string) {
	for _, sub := range subs {
		b.sendText(ctx, sub.ChatID, sub.ThreadID, text)
	}
}

func (b *Bot) reply(ctx context.Context, msg *telegram.Message, text string) {
	b.sendText(ctx, msg.Chat.ID, msg.MessageThreadID, text)
}

func (b *Bot) sendText(ctx context.Context, chatID int64, threadID *int64, text string) {
	err := b.api.SendMessage(ctx, chatID, text, threadID)
	metrics.IncBotSend(metrics.SendMessage, err == nil)
	if err != nil {
		slog.Error("sendMessage failed", "chat_id", chatID, "error", err)
	}
}

// resizedName places the transcoded copy beside the original:
// clip.webm -> clip_tg50.mp4 for a 50 MB limit.
func resizedName(path string, limitMB int) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_tg%d.mp4", stem, limitMB)
}
