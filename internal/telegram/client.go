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

// Package telegram is a minimal Bot API client covering the calls the
// bot needs: long polling, text replies, media uploads and the
// admin lookups behind /auth. A shared token-bucket limiter sits in
// front of every request, and 429 responses are retried once after the
// retry_after the API reports.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL           = "https://api.telegram.org"
	defaultRequestsPerSecond = 25
	defaultUploadTimeout     = 5 * time.Minute

	// rpcTimeout bounds ordinary method calls. Long polls and uploads
	// carry their own deadlines instead.
	rpcTimeout = 30 * time.Second

	// longPollGrace is added on top of the getUpdates timeout so the
	// server side expires the poll before the HTTP request does.
	longPollGrace = 10 * time.Second
)

// APIError is a Bot API level failure (ok=false in the envelope).
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// IsConflict reports whether err means another consumer is long polling
// with the same token. The bot treats this as fatal: two pollers on one
// token starve each other.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// apiResponse is the Bot API envelope wrapped around every method call.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Options tune the client. The zero value selects production defaults.
type Options struct {
	// RequestsPerSecond caps outbound calls across all methods.
	RequestsPerSecond int
	// UploadTimeout bounds one sendVideo/sendDocument round trip.
	UploadTimeout time.Duration
	// BaseURL overrides the production API endpoint. Tests point this
	// at a local server.
	BaseURL string
}

// Client talks to the Bot API for one bot token.
type Client struct {
	baseURL       string
	token         string
	rpc           *http.Client
	long          *http.Client
	limiter       *rate.Limiter
	uploadTimeout time.Duration

	sleep func(time.Duration)
}

// New builds a Client for the given bot token.
func New(token string, opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	uploadTimeout := opts.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}

	return &Client{
		baseURL:       fmt.Sprintf("%s/bot%s", strings.TrimRight(base, "/"), token),
		token:         token,
		rpc:           &http.Client{Timeout: rpcTimeout},
		long:          &http.Client{},
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
		uploadTimeout: uploadTimeout,
		sleep:         time.Sleep,
	}
}

// GetMe returns the bot's own account. Used as a startup token check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", url.Values{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long polls for message updates past the given offset.
// The request deadline exceeds the poll timeout so a quiet channel
// returns an empty batch rather than a client-side timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	params.Set("allowed_updates", `["message"]`)

	ctx, cancel := context.WithTimeout(ctx, timeout+longPollGrace)
	defer cancel()

	var updates []Update
	err := c.roundTrip(ctx, c.long, func() (*http.Request, error) {
		return c.formRequest(ctx, "getUpdates", params)
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends plain text to a chat, into the given topic thread
// when threadID is non-nil.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, threadID *int64) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("text", text)
	setThreadID(params, threadID)
	return c.call(ctx, "sendMessage", params, nil)
}

// SendVideo uploads the file at path as a video message.
func (c *Client) SendVideo(ctx context.Context, chatID int64, path, caption string, threadID *int64, supportsStreaming bool) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		params.Set("caption", caption)
	}
	if supportsStreaming {
		params.Set("supports_streaming", "true")
	}
	setThreadID(params, threadID)
	return c.sendFile(ctx, "sendVideo", "video", path, params)
}

// SendDocument uploads the file at path as a generic document. The bot
// falls back to this when sendVideo rejects a file.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string, threadID *int64) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		params.Set("caption", caption)
	}
	setThreadID(params, threadID)
	return c.sendFile(ctx, "sendDocument", "document", path, params)
}

// GetChatMember returns one member's status in a chat.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("user_id", strconv.FormatInt(userID, 10))

	var member ChatMember
	if err := c.call(ctx, "getChatMember", params, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// GetChatAdministrators lists the admins of a group or supergroup.
func (c *Client) GetChatAdministrators(ctx context.Context, chatID int64) ([]ChatMember, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))

	var admins []ChatMember
	if err := c.call(ctx, "getChatAdministrators", params, &admins); err != nil {
		return nil, err
	}
	return admins, nil
}

// call performs a form-encoded method call on the short-timeout client.
func (c *Client) call(ctx context.Context, method string, params url.Values, result any) error {
	return c.roundTrip(ctx, c.rpc, func() (*http.Request, error) {
		return c.formRequest(ctx, method, params)
	}, result)
}

func (c *Client) formRequest(ctx context.Context, method string, params url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// sendFile streams a multipart upload. The request body is built fresh
// on each attempt so a 429 retry re-reads the file from the start.
func (c *Client) sendFile(ctx context.Context, method, field, path string, params url.Values) error {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	build := func() (*http.Request, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}

		pr, pw := io.Pipe()
		writer := multipart.NewWriter(pw)
		go func() {
			defer file.Close()
			for key := range params {
				if err := writer.WriteField(key, params.Get(key)); err != nil {
					pw.CloseWithError(err)
					return
				}
			}
			part, err := writer.CreateFormFile(field, filepath.Base(path))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, file); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(writer.Close())
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, pr)
		if err != nil {
			pr.Close()
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return req, nil
	}

	return c.roundTrip(ctx, c.long, build, nil)
}

// roundTrip runs one API call with rate limiting and a single
// retry_after-driven retry. The Bot API keeps its JSON envelope even on
// non-200 responses, so errors are read from the body when possible.
func (c *Client) roundTrip(ctx context.Context, client *http.Client, build func() (*http.Request, error), result any) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := build()
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return c.redactError(err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read telegram response: %w", readErr)
		}

		var envelope apiResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("telegram returned status %d with unreadable body: %s", resp.StatusCode, truncate(string(body), 200))
		}

		if envelope.OK {
			if result == nil || len(envelope.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(envelope.Result, result); err != nil {
				return fmt.Errorf("decode telegram result: %w", err)
			}
			return nil
		}

		retryAfter := 0
		if envelope.Parameters != nil {
			retryAfter = envelope.Parameters.RetryAfter
		}
		if envelope.ErrorCode == http.StatusTooManyRequests && retryAfter > 0 && attempt == 0 {
			slog.Warn("Telegram rate limit hit, backing off", "retry_after_sec", retryAfter)
			c.sleep(time.Duration(retryAfter) * time.Second)
			continue
		}

		return &APIError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
}

func setThreadID(params url.Values, threadID *int64) {
	if threadID != nil {
		params.Set("message_thread_id", strconv.FormatInt(*threadID, 10))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
