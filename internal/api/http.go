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

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/1204al/clipdrop-bot/internal/metrics"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/urls"
	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

// Handler implements the enqueue API endpoints
type Handler struct {
	store *store.Store
}

// New creates a new API handler
func New(st *store.Store) http.Handler {
	h := &Handler{store: st}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/jobs", h.handleJobs)
	mux.HandleFunc("/jobs/", h.handleJob)
	mux.Handle("/metrics", metrics.Handler())

	return withRequestID(mux)
}

// subscriberRequest is the chat destination attached to an enqueue call.
// chat_type is validated but not persisted; the queue only needs the
// delivery coordinates.
type subscriberRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ChatType  string `json:"chat_type"`
	ThreadID  *int64 `json:"thread_id"`
}

type enqueueRequest struct {
	URLs       []string          `json:"urls"`
	Subscriber subscriberRequest `json:"subscriber"`
}

type enqueueResponse struct {
	OK   bool               `json:"ok"`
	Jobs []store.EnqueueRow `json:"jobs"`
}

// jobResponse is the public projection of a job; subscribers are
// reduced to a count so chat ids never leave the service.
type jobResponse struct {
	JobID            string        `json:"job_id"`
	Status           jobs.Status   `json:"status"`
	Attempts         int           `json:"attempts"`
	MaxAttempts      int           `json:"max_attempts"`
	Platform         jobs.Platform `json:"platform"`
	InputURL         string        `json:"input_url"`
	NormalizedURL    string        `json:"normalized_url"`
	Result           *jobs.Result  `json:"result"`
	Error            *string       `json:"error"`
	SubscribersCount int           `json:"subscribers_count"`
}

// handleHealth reports liveness
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleJobs accepts a batch of URLs and enqueues one job per supported,
// not-yet-active normalized URL
func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	if len(req.URLs) == 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "urls must be a non-empty list")
		return
	}
	if strings.TrimSpace(req.Subscriber.ChatType) == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "subscriber.chat_type is required")
		return
	}

	// Classify, drop unsupported, keep the first occurrence per
	// normalized URL.
	var (
		inputs []urls.Classified
		seen   = make(map[string]struct{})
	)
	for _, raw := range req.URLs {
		classified := urls.Classify(raw)
		if classified == nil {
			continue
		}
		if _, ok := seen[classified.NormalizedURL]; ok {
			continue
		}
		seen[classified.NormalizedURL] = struct{}{}
		inputs = append(inputs, *classified)
	}
	if len(inputs) == 0 {
		h.writeErrorResponse(w, http.StatusBadRequest, "No supported URLs found")
		return
	}

	slog.Debug("Handling enqueue request",
		"request_id", RequestID(r.Context()),
		"urls", len(req.URLs),
		"supported", len(inputs),
		"chat_id", req.Subscriber.ChatID)

	rows, err := h.store.EnqueueMany(inputs, jobs.Subscriber{
		ChatID:    req.Subscriber.ChatID,
		MessageID: req.Subscriber.MessageID,
		ThreadID:  req.Subscriber.ThreadID,
	})
	if err != nil {
		slog.Error("Failed to enqueue jobs", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to enqueue jobs")
		return
	}
	for _, row := range rows {
		metrics.IncJobEnqueued(string(row.Platform), row.Deduplicated)
	}

	h.writeJSONResponse(w, http.StatusOK, enqueueResponse{OK: true, Jobs: rows})
}

// handleJob returns the public view of a single job
func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		h.writeErrorResponse(w, http.StatusNotFound, "Job not found")
		return
	}

	job, err := h.store.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, "Job not found")
			return
		}
		slog.Error("Failed to read job", "job_id", id, "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read job")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, jobResponse{
		JobID:            job.JobID,
		Status:           job.Status,
		Attempts:         job.Attempts,
		MaxAttempts:      job.MaxAttempts,
		Platform:         job.Platform,
		InputURL:         job.InputURL,
		NormalizedURL:    job.NormalizedURL,
		Result:           job.Result,
		Error:            job.Error,
		SubscribersCount: len(job.Subscribers),
	})
}

// writeJSONResponse writes a JSON response
func (h *Handler) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response with a detail message
func (h *Handler) writeErrorResponse(w http.ResponseWriter, status int, detail string) {
	h.writeJSONResponse(w, status, map[string]string{"detail": detail})
}
