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

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1204al/clipdrop-bot/internal/api"
	"github.com/1204al/clipdrop-bot/internal/bot"
	"github.com/1204al/clipdrop-bot/internal/store"
	"github.com/1204al/clipdrop-bot/internal/worker"
	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

const pipelineSecret = "integration-secret"

// testPipeline wires the three processes the way the supervisor does in
// production: the enqueue API and the callback receiver run as HTTP
// servers over one shared JSONL store, and workers are driven by hand.
type testPipeline struct {
	Store     *store.Store
	StoreOpts store.Options
	API       *httptest.Server
	Events    *bot.Events
	Callback  *httptest.Server
}

func setupPipeline(t *testing.T, maxAttempts int) *testPipeline {
	t.Helper()
	tmpDir := t.TempDir()
	opts := store.Options{
		QueueFile:   filepath.Join(tmpDir, "download_queue.jsonl"),
		ResultsFile: filepath.Join(tmpDir, "download_results.jsonl"),
		LockFile:    filepath.Join(tmpDir, ".queue.lock"),
		MaxAttempts: maxAttempts,
	}
	st := store.New(opts)

	apiServer := httptest.NewServer(api.New(st))
	t.Cleanup(apiServer.Close)

	events := bot.NewEvents(pipelineSecret)
	callback := httptest.NewServer(events.Handler())
	t.Cleanup(callback.Close)

	return &testPipeline{
		Store:     st,
		StoreOpts: opts,
		API:       apiServer,
		Events:    events,
		Callback:  callback,
	}
}

func (p *testPipeline) newWorker(dl worker.Downloader, secret string) *worker.Worker {
	return worker.New(p.Store, dl, worker.Config{
		WorkerID:       "itest-worker",
		CallbackURL:    p.Callback.URL + "/internal/job-events",
		CallbackSecret: secret,
	})
}

type enqueuedJob struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Deduplicated  bool   `json:"deduplicated"`
	Platform      string `json:"platform"`
	NormalizedURL string `json:"normalized_url"`
}

// enqueue posts raw URLs to the service the way the bot does and returns
// the per-URL rows.
func (p *testPipeline) enqueue(t *testing.T, messageID int64, rawURLs ...string) []enqueuedJob {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"urls": rawURLs,
		"subscriber": map[string]any{
			"chat_id":    int64(4242),
			"message_id": messageID,
			"chat_type":  "private",
		},
	})
	if err != nil {
		t.Fatalf("marshal enqueue payload: %v", err)
	}

	resp, err := http.Post(p.API.URL+"/jobs", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from POST /jobs, got %d", resp.StatusCode)
	}

	var body struct {
		OK   bool          `json:"ok"`
		Jobs []enqueuedJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	if !body.OK {
		t.Fatal("Expected ok=true in enqueue response")
	}
	return body.Jobs
}

type jobView struct {
	JobID            string       `json:"job_id"`
	Status           string       `json:"status"`
	Attempts         int          `json:"attempts"`
	MaxAttempts      int          `json:"max_attempts"`
	Platform         string       `json:"platform"`
	Result           *jobs.Result `json:"result"`
	Error            *string      `json:"error"`
	SubscribersCount int          `json:"subscribers_count"`
}

func (p *testPipeline) getJob(t *testing.T, jobID string) jobView {
	t.Helper()
	resp, err := http.Get(p.API.URL + "/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET /jobs/%s: %v", jobID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from GET /jobs/%s, got %d", jobID, resp.StatusCode)
	}
	var view jobView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode job view: %v", err)
	}
	return view
}

type eventAck struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate"`
}

func (p *testPipeline) postEvent(t *testing.T, event jobs.Event) eventAck {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, p.Callback.URL+"/internal/job-events", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build event request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", pipelineSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST event: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var ack eventAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode event ack: %v", err)
	}
	return ack
}

// collectEvents runs the receiver's consumer loop and exposes dispatched
// events on a channel. The returned stop function tears the consumer
// down and waits for it.
func collectEvents(t *testing.T, events *bot.Events) (<-chan jobs.Event, func()) {
	t.Helper()
	collected := make(chan jobs.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		events.Run(ctx, func(_ context.Context, e jobs.Event) { collected <- e })
	}()
	return collected, func() {
		cancel()
		<-done
	}
}

func waitEvent(t *testing.T, ch <-chan jobs.Event) jobs.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a callback event")
		return jobs.Event{}
	}
}

// scriptedDownloader stands in for yt-dlp. It fails a configured number
// of calls, then writes a small media file and reports it.
type scriptedDownloader struct {
	dir      string
	failures int
	calls    int
}

func (d *scriptedDownloader) Download(_ context.Context, inputURL string, platform jobs.Platform) (*jobs.Result, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, fmt.Errorf("yt-dlp exited with status 1 (call %d)", d.calls)
	}
	path := filepath.Join(d.dir, fmt.Sprintf("clip-%d.mp4", d.calls))
	content := []byte("downloaded media bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, err
	}
	return &jobs.Result{
		FilePath:      path,
		FileSizeBytes: int64(len(content)),
		DurationSec:   12.5,
		Platform:      string(platform),
		DownloadedAt:  jobs.Timestamp(time.Now()),
	}, nil
}

// TestPipelineQueueToDelivery walks one job through the full path: HTTP
// enqueue with dedup, worker claim and download, callback fan-in, and
// the public job view.
func TestPipelineQueueToDelivery(t *testing.T) {
	p := setupPipeline(t, 3)
	collected, stop := collectEvents(t, p.Events)
	defer stop()

	const videoURL = "https://www.tiktok.com/@creator/video/7300000000000000001"

	rows := p.enqueue(t, 100, videoURL)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 enqueued job, got %d", len(rows))
	}
	if rows[0].Status != "queued" || rows[0].Deduplicated {
		t.Fatalf("Expected a fresh queued job, got %+v", rows[0])
	}
	if rows[0].Platform != "tiktok" {
		t.Errorf("Expected platform tiktok, got %q", rows[0].Platform)
	}
	jobID := rows[0].JobID

	// The same link from a second message merges into the existing job.
	again := p.enqueue(t, 101, videoURL)
	if len(again) != 1 || !again[0].Deduplicated || again[0].JobID != jobID {
		t.Fatalf("Expected a dedup hit on job %s, got %+v", jobID, again)
	}

	w := p.newWorker(&scriptedDownloader{dir: t.TempDir()}, pipelineSecret)

	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatal("Expected the worker to claim the queued job")
	}
	if processed, _ := w.ProcessOne(context.Background()); processed {
		t.Error("Expected the queue to be drained after one job")
	}

	started := waitEvent(t, collected)
	if started.Status != jobs.EventStarted {
		t.Fatalf("Expected a started event first, got %q", started.Status)
	}
	if started.EventID != jobs.EventID(jobID, jobs.EventStarted, 1) {
		t.Errorf("Unexpected started event id %q", started.EventID)
	}

	done := waitEvent(t, collected)
	if done.Status != jobs.EventDone {
		t.Fatalf("Expected a done event second, got %q", done.Status)
	}
	if done.Result == nil {
		t.Fatal("Expected a result on the done event")
	}
	if _, err := os.Stat(done.Result.FilePath); err != nil {
		t.Errorf("Downloaded file missing: %v", err)
	}
	if len(done.Subscribers) != 2 {
		t.Errorf("Expected both subscribers on the done event, got %d", len(done.Subscribers))
	}

	// The public view exposes the outcome but not the chat identities.
	view := p.getJob(t, jobID)
	if view.Status != "done" || view.Attempts != 1 {
		t.Errorf("Unexpected job view: %+v", view)
	}
	if view.SubscribersCount != 2 {
		t.Errorf("Expected subscribers_count 2, got %d", view.SubscribersCount)
	}
	if view.Result == nil || view.Result.FilePath == "" {
		t.Error("Expected the result on the job view")
	}

	// A redelivered event is acknowledged but not dispatched again.
	ack := p.postEvent(t, jobs.Event{EventID: done.EventID, JobID: jobID, Status: jobs.EventDone})
	if !ack.OK || !ack.Duplicate {
		t.Errorf("Expected a duplicate ack, got %+v", ack)
	}
	select {
	case e := <-collected:
		t.Errorf("Expected no dispatch for a duplicate event, got %+v", e)
	case <-time.After(200 * time.Millisecond):
	}

	// Queue state lives only in the JSONL files, so a fresh handle over
	// the same paths sees the finished job.
	reopened := store.New(p.StoreOpts)
	job, err := reopened.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if job.Status != jobs.StatusDone {
		t.Errorf("Expected done after reopen, got %s", job.Status)
	}
}

// TestPipelineRetryBudget drives a job through its retry budget and
// checks the terminal failure is reported exactly once.
func TestPipelineRetryBudget(t *testing.T) {
	p := setupPipeline(t, 2)
	collected, stop := collectEvents(t, p.Events)
	defer stop()

	rows := p.enqueue(t, 200, "https://x.com/someone/status/1790000000000000000")
	if len(rows) != 1 {
		t.Fatalf("Expected 1 enqueued job, got %d", len(rows))
	}
	jobID := rows[0].JobID

	dl := &scriptedDownloader{dir: t.TempDir(), failures: 99}
	w := p.newWorker(dl, pipelineSecret)

	// First claim fails and requeues, second exhausts the budget.
	for i := 0; i < 2; i++ {
		processed, err := w.ProcessOne(context.Background())
		if err != nil {
			t.Fatalf("ProcessOne %d failed: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("Expected a claim on attempt %d", i+1)
		}
	}
	if processed, _ := w.ProcessOne(context.Background()); processed {
		t.Error("Expected no further work once the budget is spent")
	}
	if dl.calls != 2 {
		t.Errorf("Expected 2 download calls, got %d", dl.calls)
	}

	view := p.getJob(t, jobID)
	if view.Status != "failed" || view.Attempts != 2 {
		t.Fatalf("Expected a failed job after 2 attempts, got %+v", view)
	}
	if view.Error == nil || !strings.Contains(*view.Error, "yt-dlp") {
		t.Errorf("Expected the downloader error on the job, got %v", view.Error)
	}

	events := []jobs.Event{waitEvent(t, collected), waitEvent(t, collected), waitEvent(t, collected)}
	want := []string{jobs.EventStarted, jobs.EventStarted, jobs.EventFailed}
	for i, e := range events {
		if e.Status != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], e.Status)
		}
	}
	if events[2].Error == nil || *events[2].Error == "" {
		t.Error("Expected the failed event to carry the error text")
	}

	// Only the terminal record lands in the results log.
	data, err := os.ReadFile(p.StoreOpts.ResultsFile)
	if err != nil {
		t.Fatalf("read results file: %v", err)
	}
	if !strings.Contains(string(data), `"status":"failed"`) {
		t.Error("Expected a failed record in the results log")
	}
	if strings.Contains(string(data), `"status":"done"`) {
		t.Error("Expected no done record in the results log")
	}
}

// TestPipelineSurvivesDeafCallback checks that a receiver rejecting
// every delivery cannot lose a finished download: the outcome is in the
// store before the callback is attempted.
func TestPipelineSurvivesDeafCallback(t *testing.T) {
	p := setupPipeline(t, 3)

	rows := p.enqueue(t, 300, "https://www.instagram.com/reel/Cxyz123abcd/")
	if len(rows) != 1 {
		t.Fatalf("Expected 1 enqueued job, got %d", len(rows))
	}
	jobID := rows[0].JobID

	w := p.newWorker(&scriptedDownloader{dir: t.TempDir()}, "not-the-secret")

	processed, err := w.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatal("Expected the worker to claim the queued job")
	}

	job, err := p.Store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != jobs.StatusDone {
		t.Fatalf("Expected done despite failed deliveries, got %s", job.Status)
	}
	if job.Result == nil {
		t.Fatal("Expected the result to be recorded")
	}
	if job.Notification.CallbackAttempts != 2 {
		t.Errorf("Expected 2 recorded delivery attempts, got %d", job.Notification.CallbackAttempts)
	}
	if job.Notification.CallbackError == nil || !strings.Contains(*job.Notification.CallbackError, "401") {
		t.Errorf("Expected a 401 delivery error on the job, got %v", job.Notification.CallbackError)
	}
}
