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

// Callback receiver for:
//   POST /internal/job-events
//
// The worker reports job transitions here. Requests authenticate with a
// shared secret header, duplicates are absorbed by event_id, and
// accepted events are buffered for a single consumer goroutine so chat
// sends for one job never interleave.

package bot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/1204al/clipdrop-bot/internal/metrics"
	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

// dedupCapacity bounds the remembered event_id window. The worker
// retries callbacks within seconds, so a few thousand ids cover any
// realistic redelivery horizon.
const dedupCapacity = 5000

// eventDedup remembers recently seen event ids, evicting the oldest
// insertion once full. Thread-safe.
type eventDedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func newEventDedup(capacity int) *eventDedup {
	if capacity <= 0 {
		capacity = dedupCapacity
	}
	return &eventDedup{
		seen: make(map[string]struct{}, capacity),
		max:  capacity,
	}
}

// markSeen records the id and reports whether it was already present.
func (d *eventDedup) markSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, id)
	d.seen[id] = struct{}{}
	return false
}

// Events accepts worker callbacks over HTTP and hands them to one
// consumer in arrival order.
type Events struct {
	secret string
	dedup  *eventDedup

	mu     sync.Mutex
	queue  []jobs.Event
	signal chan struct{}
}

// NewEvents builds the callback receiver for the given shared secret.
func NewEvents(secret string) *Events {
	return &Events{
		secret: secret,
		dedup:  newEventDedup(dedupCapacity),
		signal: make(chan struct{}, 1),
	}
}

type eventResponse struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

func writeEventResponse(w http.ResponseWriter, status int, resp eventResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write callback response", "error", err)
	}
}

// Handler returns the HTTP handler for the callback endpoint. Only
// POST /internal/job-events exists; everything else is a 404.
func (e *Events) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/job-events", e.handleJobEvents)
	return mux
}

func (e *Events) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var event jobs.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		metrics.IncCallbackEvent(metrics.EventInvalid)
		writeEventResponse(w, http.StatusBadRequest, eventResponse{Error: "invalid JSON"})
		return
	}

	token := r.Header.Get("X-Internal-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(e.secret)) != 1 {
		metrics.IncCallbackEvent(metrics.EventUnauthorized)
		writeEventResponse(w, http.StatusUnauthorized, eventResponse{Error: "unauthorized"})
		return
	}

	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		metrics.IncCallbackEvent(metrics.EventInvalid)
		writeEventResponse(w, http.StatusBadRequest, eventResponse{Error: "missing event_id"})
		return
	}

	switch strings.ToLower(event.Status) {
	case jobs.EventDone, jobs.EventFailed, jobs.EventStarted:
	default:
		metrics.IncCallbackEvent(metrics.EventInvalid)
		writeEventResponse(w, http.StatusBadRequest, eventResponse{Error: "invalid status"})
		return
	}

	if e.dedup.markSeen(eventID) {
		metrics.IncCallbackEvent(metrics.EventDuplicate)
		writeEventResponse(w, http.StatusOK, eventResponse{OK: true, Duplicate: true})
		return
	}

	e.push(event)
	metrics.IncCallbackEvent(metrics.EventAccepted)
	writeEventResponse(w, http.StatusOK, eventResponse{OK: true})
}

func (e *Events) push(event jobs.Event) {
	e.mu.Lock()
	e.queue = append(e.queue, event)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Events) pop() (jobs.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return jobs.Event{}, false
	}
	event := e.queue[0]
	e.queue = e.queue[1:]
	return event, true
}

// Run drains accepted events serially until ctx ends. A panic or error
// inside handle is confined to that one event.
func (e *Events) Run(ctx context.Context, handle func(context.Context, jobs.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.signal:
		}

		for {
			event, ok := e.pop()
			if !ok {
				break
			}
			e.dispatch(ctx, event, handle)
		}
	}
}

func (e *Events) dispatch(ctx context.Context, event jobs.Event, handle func(context.Context, jobs.Event)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Callback event handler panicked", "job_id", event.JobID, "panic", r)
		}
	}()
	handle(ctx, event)
}
