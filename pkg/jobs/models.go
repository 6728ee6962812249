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

// Package jobs contains the shared job model used by the store, the
// enqueue API, the worker, and the bot. Field names are part of the
// on-disk (JSONL) and wire (callback) contracts and must not change.
package jobs

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a download job.
// queued → running → {done|failed}, with running → queued on retry.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the job still occupies its normalized URL for
// deduplication purposes.
func (s Status) Active() bool { return s == StatusQueued || s == StatusRunning }

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool { return s == StatusDone || s == StatusFailed }

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// Platform identifies the source site of a supported URL.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformX         Platform = "x"
)

// String returns the string value of the Platform.
func (p Platform) String() string { return string(p) }

// TimeLayout is the timestamp format persisted in the logs. It is
// fixed-width so that lexicographic order equals chronological order,
// which the claim ordering and compaction sort rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp renders t in UTC using TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Subscriber is one chat destination that asked for a job's media.
// Identity for dedup is (chat_id, message_id, thread_id); an absent
// thread_id is a distinct value, not a wildcard.
type Subscriber struct {
	ChatID      int64  `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
	ThreadID    *int64 `json:"thread_id"`
	RequestedAt string `json:"requested_at,omitempty"`
}

// SameIdentity reports whether two subscribers are the same destination.
func (s Subscriber) SameIdentity(o Subscriber) bool {
	if s.ChatID != o.ChatID || s.MessageID != o.MessageID {
		return false
	}
	if (s.ThreadID == nil) != (o.ThreadID == nil) {
		return false
	}
	return s.ThreadID == nil || *s.ThreadID == *o.ThreadID
}

// Result describes a successfully downloaded media file.
type Result struct {
	FilePath      string  `json:"file_path"`
	FileSizeBytes int64   `json:"file_size_bytes"`
	DurationSec   float64 `json:"duration_sec"`
	Platform      string  `json:"platform"`
	DownloadedAt  string  `json:"downloaded_at"`
}

// Notification records the outcome of the most recent callback attempt
// for a job. The worker updates it after every delivery, including
// failed ones.
type Notification struct {
	LastEventID      *string `json:"last_event_id"`
	CallbackAttempts int     `json:"callback_attempts"`
	CallbackError    *string `json:"callback_error"`
}

// Job is the durable record of one download request keyed by a
// normalized URL.
type Job struct {
	JobID         string       `json:"job_id"`
	InputURL      string       `json:"input_url"`
	NormalizedURL string       `json:"normalized_url"`
	Platform      Platform     `json:"platform"`
	Status        Status       `json:"status"`
	Attempts      int          `json:"attempts"`
	MaxAttempts   int          `json:"max_attempts"`
	CreatedAt     string       `json:"created_at"`
	UpdatedAt     string       `json:"updated_at"`
	Result        *Result      `json:"result"`
	Error         *string      `json:"error"`
	Subscribers   []Subscriber `json:"subscribers"`
	Notification  Notification `json:"notification"`
	ClaimedBy     string       `json:"claimed_by,omitempty"`
}

// Clone returns a deep copy of the job so callers can mutate it without
// touching the materialized snapshot.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Notification.LastEventID != nil {
		id := *j.Notification.LastEventID
		out.Notification.LastEventID = &id
	}
	if j.Notification.CallbackError != nil {
		ce := *j.Notification.CallbackError
		out.Notification.CallbackError = &ce
	}
	out.Subscribers = make([]Subscriber, len(j.Subscribers))
	copy(out.Subscribers, j.Subscribers)
	for i, sub := range j.Subscribers {
		if sub.ThreadID != nil {
			tid := *sub.ThreadID
			out.Subscribers[i].ThreadID = &tid
		}
	}
	return &out
}

// Event statuses carried on the callback wire. "started" is an event-only
// status: it never appears as a job status.
const (
	EventStarted = "started"
	EventDone    = "done"
	EventFailed  = "failed"
)

// EventID builds the deterministic callback event identifier. The triple
// uniquely identifies one state transition within a job, which is what
// makes callback delivery idempotent.
func EventID(jobID, status string, attempts int) string {
	return fmt.Sprintf("%s:%s:%d", jobID, status, attempts)
}

// Event is the payload the worker POSTs to the bot callback endpoint.
type Event struct {
	EventID     string       `json:"event_id"`
	JobID       string       `json:"job_id"`
	Status      string       `json:"status"`
	Platform    string       `json:"platform"`
	InputURL    string       `json:"input_url"`
	Result      *Result      `json:"result"`
	Error       *string      `json:"error"`
	Subscribers []Subscriber `json:"subscribers"`
}

// NewEvent builds the event for a job snapshot at the given transition.
func NewEvent(job *Job, status string) Event {
	return Event{
		EventID:     EventID(job.JobID, status, job.Attempts),
		JobID:       job.JobID,
		Status:      status,
		Platform:    string(job.Platform),
		InputURL:    job.InputURL,
		Result:      job.Result,
		Error:       job.Error,
		Subscribers: append([]Subscriber(nil), job.Subscribers...),
	}
}
