package worker

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

// Package worker claims queued jobs, runs the downloader, records the
// outcome, and notifies the bot callback endpoint. Job state transitions
// always land in the store before any callback is attempted, so a dead
// callback listener can never lose a download.
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
	"time"

	"github.com/1204al/clipdrop-bot/internal/metrics"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

const (
	callbackAttempts   = 3
	callbackRetryDelay = 800 * time.Millisecond

	callbackConnectTimeout = 10 * time.Second
	callbackTimeout        = 20 * time.Second
)

// Store defines the persistence operations required by the worker.
type Store interface {
	ClaimNext(workerID string) (*jobs.Job, error)
	MarkDone(jobID string, result jobs.Result) (*jobs.Job, error)
	MarkFailedOrRetry(jobID, errText string) (*jobs.Job, jobs.Status, error)
	MarkNotification(jobID, eventID string, callbackErr *string) (*jobs.Job, error)
}

// Downloader fetches the media behind a job's input URL.
type Downloader interface {
	Download(ctx context.Context, inputURL string, platform jobs.Platform) (*jobs.Result, error)
}

// Config controls worker identity, polling, and callback delivery.
type Config struct {
	// WorkerID defaults to hostname:pid.
	WorkerID string

	// How often to poll for new jobs when none are available.
	PollInterval time.Duration

	CallbackURL    string
	CallbackSecret string
}

// Worker drains the job queue one job at a time.
type Worker struct {
	store      Store
	downloader Downloader
	cfg        Config
	client     *http.Client

	now   func() time.Time
	sleep func(time.Duration)
}

// New constructs a Worker.
func New(st Store, dl Downloader, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		store:      st,
		downloader: dl,
		cfg:        cfg,
		client: &http.Client{
			Timeout: callbackTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: callbackConnectTimeout}).DialContext,
			},
		},
		now:   func() time.Time { return time.Now().UTC() },
		sleep: time.Sleep,
	}
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// Run polls for jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("Worker starting", "worker_id", w.cfg.WorkerID, "poll", w.cfg.PollInterval)
	defer slog.Info("Worker stopped", "worker_id", w.cfg.WorkerID)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			slog.Error("Failed to claim job", "error", err)
		}
		if processed && err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and processes at most one job. It returns false when
// the queue was empty. Download and callback failures are absorbed into
// job state, not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(w.cfg.WorkerID)
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	metrics.IncJobClaimed(string(job.Platform))
	w.processJob(ctx, job)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *jobs.Job) {
	slog.Info("Claimed job", "job_id", job.JobID, "platform", job.Platform, "attempt", job.Attempts, "url", job.InputURL)

	// Post-claim snapshot goes out before the download begins so the bot
	// can show progress for slow fetches.
	w.emit(ctx, job, jobs.EventStarted)

	start := w.now()
	result, err := w.downloader.Download(ctx, job.InputURL, job.Platform)
	elapsed := w.now().Sub(start)

	if err == nil {
		updated, markErr := w.store.MarkDone(job.JobID, *result)
		if markErr != nil {
			w.logMarkError("done", job.JobID, markErr)
			return
		}
		metrics.ObserveDownload(string(job.Platform), metrics.OutcomeDone, elapsed)
		slog.Info("Job done", "job_id", job.JobID, "file", result.FilePath, "size", result.FileSizeBytes, "elapsed", elapsed)
		w.emit(ctx, updated, jobs.EventDone)
		return
	}

	slog.Warn("Download failed", "job_id", job.JobID, "attempt", job.Attempts, "error", err)
	updated, nextStatus, markErr := w.store.MarkFailedOrRetry(job.JobID, err.Error())
	if markErr != nil {
		w.logMarkError("failed", job.JobID, markErr)
		return
	}

	switch nextStatus {
	case jobs.StatusQueued:
		metrics.ObserveDownload(string(job.Platform), metrics.OutcomeRetried, elapsed)
		slog.Info("Job requeued for retry", "job_id", job.JobID, "attempt", job.Attempts, "max_attempts", updated.MaxAttempts)
	case jobs.StatusFailed:
		metrics.ObserveDownload(string(job.Platform), metrics.OutcomeFailed, elapsed)
		slog.Info("Job failed permanently", "job_id", job.JobID, "attempts", updated.Attempts)
		w.emit(ctx, updated, jobs.EventFailed)
	}
}

func (w *Worker) logMarkError(transition, jobID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Job disappeared from the queue", "job_id", jobID, "transition", transition)
		return
	}
	slog.Error("Failed to record job transition", "job_id", jobID, "transition", transition, "error", err)
}

// emit delivers one event to the bot callback and records the outcome
// on the job. Delivery failures never change the job's status.
func (w *Worker) emit(ctx context.Context, job *jobs.Job, status string) {
	event := jobs.NewEvent(job, status)

	deliveryErr := w.deliver(ctx, event)
	metrics.IncCallbackDelivery(status, deliveryErr == nil)

	var errText *string
	if deliveryErr != nil {
		s := deliveryErr.Error()
		errText = &s
		slog.Warn("Callback delivery failed", "job_id", job.JobID, "event_id", event.EventID, "error", deliveryErr)
	}
	if _, err := w.store.MarkNotification(job.JobID, event.EventID, errText); err != nil {
		w.logMarkError("notification", job.JobID, err)
	}
}

func (w *Worker) deliver(ctx context.Context, event jobs.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= callbackAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.CallbackURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build callback request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Token", w.cfg.CallbackSecret)

		resp, err := w.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode < 400 {
				return nil
			}
			err = fmt.Errorf("callback returned status %d", resp.StatusCode)
		}
		lastErr = err
		if attempt < callbackAttempts {
			w.sleep(callbackRetryDelay)
		}
	}
	return lastErr
}
