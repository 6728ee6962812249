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

// Package store is the durable job queue shared by the API service and
// the worker. State lives in two append-only JSONL files: the queue file
// holds every job transition, the results file only terminal records.
// The current state of a job is the last record carrying its id (replay
// is last-write-wins), so crash recovery is a pure re-read. All mutation
// paths run inside an exclusive OS file lock because three separate
// processes share the files; the lock covers the whole
// read-modify-append transaction.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/1204al/clipdrop-bot/internal/filelock"
	"github.com/1204al/clipdrop-bot/internal/urls"
	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

const (
	defaultCompactAfterLines = 1000
	minCompactAfterLines     = 100
)

// ErrNotFound indicates the job id has no record in the queue log.
var ErrNotFound = errors.New("job not found")

// Options configures a Store. Zero values fall back to safe defaults
// where one exists; the three file paths are required.
type Options struct {
	QueueFile   string
	ResultsFile string
	LockFile    string
	// MaxAttempts is stamped onto new jobs (min 1).
	MaxAttempts int
	// CompactAfterLines triggers log rewriting once a file grows past
	// this many lines (default 1000, min 100).
	CompactAfterLines int
}

// Store reads and mutates the queue/results logs. Safe for concurrent
// use across goroutines and processes; every operation takes the file
// lock.
type Store struct {
	queueFile         string
	resultsFile       string
	lockFile          string
	maxAttempts       int
	compactAfterLines int

	now func() time.Time
}

// New builds a Store from options, clamping the numeric knobs.
func New(opts Options) *Store {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	compactAfter := opts.CompactAfterLines
	if compactAfter == 0 {
		compactAfter = defaultCompactAfterLines
	}
	if compactAfter < minCompactAfterLines {
		compactAfter = minCompactAfterLines
	}
	return &Store{
		queueFile:         opts.QueueFile,
		resultsFile:       opts.ResultsFile,
		lockFile:          opts.LockFile,
		maxAttempts:       maxAttempts,
		compactAfterLines: compactAfter,
		now:               time.Now,
	}
}

// EnqueueRow is the per-URL outcome of EnqueueMany, echoed by the API.
type EnqueueRow struct {
	JobID         string        `json:"job_id"`
	Status        jobs.Status   `json:"status"`
	Deduplicated  bool          `json:"deduplicated"`
	InputURL      string        `json:"input_url"`
	NormalizedURL string        `json:"normalized_url"`
	Platform      jobs.Platform `json:"platform"`
}

// --------------- JSONL helpers ---------------

// readLines returns every physical line of the file, blanks included,
// so line counts match what compaction thresholds are compared against.
// A missing file reads as empty.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines [][]byte
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lines = append(lines, bytes.TrimRight(line, "\n"))
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
}

func appendJSONL(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// materializeLocked replays the queue file into the latest record per
// job id. Lines that do not decode, or carry no job id, are skipped.
func (s *Store) materializeLocked() (map[string]*jobs.Job, error) {
	lines, err := readLines(s.queueFile)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*jobs.Job)
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var job jobs.Job
		if err := json.Unmarshal(line, &job); err != nil {
			continue
		}
		if job.JobID == "" {
			continue
		}
		j := job
		byID[j.JobID] = &j
	}
	return byID, nil
}

// --------------- Compaction ---------------

// rawRecord pairs a log line with the keys compaction sorts on. Keeping
// the original bytes preserves each file's record shape: queue lines and
// results lines do not share one schema.
type rawRecord struct {
	jobID     string
	createdAt string
	updatedAt string
	line      []byte
}

func readRawRecords(path string) ([]rawRecord, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	records := make([]rawRecord, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var probe struct {
			JobID     string `json:"job_id"`
			CreatedAt string `json:"created_at"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.JobID == "" {
			continue
		}
		records = append(records, rawRecord{
			jobID:     probe.JobID,
			createdAt: probe.CreatedAt,
			updatedAt: probe.UpdatedAt,
			line:      line,
		})
	}
	return records, nil
}

// compactLatestByJobID rewrites the file to the latest record per job
// id, ordered by (created_at, updated_at, job_id). The rewrite goes to
// a sibling .tmp file and renames over the original so readers never
// observe a half-written log.
func compactLatestByJobID(path string) error {
	records, err := readRawRecords(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	latest := make(map[string]rawRecord)
	for _, rec := range records {
		latest[rec.jobID] = rec
	}
	compacted := make([]rawRecord, 0, len(latest))
	for _, rec := range latest {
		compacted = append(compacted, rec)
	}
	sort.Slice(compacted, func(i, j int) bool {
		a, b := compacted[i], compacted[j]
		if a.createdAt != b.createdAt {
			return a.createdAt < b.createdAt
		}
		if a.updatedAt != b.updatedAt {
			return a.updatedAt < b.updatedAt
		}
		return a.jobID < b.jobID
	})

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmpPath, err)
	}
	for _, rec := range compacted {
		if _, err := f.Write(append(rec.line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", tmpPath, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	return nil
}

func (s *Store) maybeCompactLocked() error {
	for _, path := range []string{s.queueFile, s.resultsFile} {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		if len(lines) > s.compactAfterLines {
			if err := compactLatestByJobID(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// --------------- Operations ---------------

// EnqueueMany creates or merges one job per classified URL, in input
// order. A URL whose normalized form already has an active job gets the
// subscriber appended (once) instead of a new job; jobs created earlier
// in the same call count as active for the URLs after them.
func (s *Store) EnqueueMany(inputs []urls.Classified, subscriber jobs.Subscriber) ([]EnqueueRow, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var rows []EnqueueRow
	err := filelock.WithLock(s.lockFile, func() error {
		callTime := jobs.Timestamp(s.now())
		subscriberRow := jobs.Subscriber{
			ChatID:      subscriber.ChatID,
			MessageID:   subscriber.MessageID,
			ThreadID:    subscriber.ThreadID,
			RequestedAt: callTime,
		}

		byID, err := s.materializeLocked()
		if err != nil {
			return err
		}
		activeByURL := make(map[string]*jobs.Job)
		for _, job := range byID {
			if job.Status.Active() {
				activeByURL[job.NormalizedURL] = job
			}
		}

		for _, item := range inputs {
			if existing := activeByURL[item.NormalizedURL]; existing != nil {
				merged, changed := appendSubscriberIfMissing(existing.Subscribers, subscriberRow)
				if changed {
					updated := existing.Clone()
					updated.Subscribers = merged
					updated.UpdatedAt = jobs.Timestamp(s.now())
					if err := appendJSONL(s.queueFile, updated); err != nil {
						return err
					}
					activeByURL[item.NormalizedURL] = updated
					existing = updated
				}
				rows = append(rows, EnqueueRow{
					JobID:         existing.JobID,
					Status:        existing.Status,
					Deduplicated:  true,
					InputURL:      existing.InputURL,
					NormalizedURL: existing.NormalizedURL,
					Platform:      existing.Platform,
				})
				continue
			}

			job := &jobs.Job{
				JobID:         uuid.NewString(),
				InputURL:      item.InputURL,
				NormalizedURL: item.NormalizedURL,
				Platform:      item.Platform,
				Status:        jobs.StatusQueued,
				Attempts:      0,
				MaxAttempts:   s.maxAttempts,
				CreatedAt:     callTime,
				UpdatedAt:     callTime,
				Subscribers:   []jobs.Subscriber{subscriberRow},
			}
			if err := appendJSONL(s.queueFile, job); err != nil {
				return err
			}
			activeByURL[item.NormalizedURL] = job
			rows = append(rows, EnqueueRow{
				JobID:         job.JobID,
				Status:        jobs.StatusQueued,
				Deduplicated:  false,
				InputURL:      item.InputURL,
				NormalizedURL: item.NormalizedURL,
				Platform:      item.Platform,
			})
		}

		return s.maybeCompactLocked()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func appendSubscriberIfMissing(existing []jobs.Subscriber, sub jobs.Subscriber) ([]jobs.Subscriber, bool) {
	for _, have := range existing {
		if have.SameIdentity(sub) {
			return existing, false
		}
	}
	merged := make([]jobs.Subscriber, 0, len(existing)+1)
	merged = append(merged, existing...)
	merged = append(merged, sub)
	return merged, true
}

// ClaimNext moves the oldest queued job to running and returns the
// updated record, or nil when the queue is empty. FIFO order is
// (created_at, job_id), independent of physical append order.
func (s *Store) ClaimNext(workerID string) (*jobs.Job, error) {
	var claimed *jobs.Job
	err := filelock.WithLock(s.lockFile, func() error {
		byID, err := s.materializeLocked()
		if err != nil {
			return err
		}
		var queued []*jobs.Job
		for _, job := range byID {
			if job.Status == jobs.StatusQueued {
				queued = append(queued, job)
			}
		}
		if len(queued) == 0 {
			return nil
		}
		sort.Slice(queued, func(i, j int) bool {
			if queued[i].CreatedAt != queued[j].CreatedAt {
				return queued[i].CreatedAt < queued[j].CreatedAt
			}
			return queued[i].JobID < queued[j].JobID
		})

		job := queued[0].Clone()
		job.Status = jobs.StatusRunning
		job.Attempts++
		job.UpdatedAt = jobs.Timestamp(s.now())
		job.ClaimedBy = workerID
		job.Error = nil

		if err := appendJSONL(s.queueFile, job); err != nil {
			return err
		}
		claimed = job
		return s.maybeCompactLocked()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// doneRecord and failedRecord are the terminal shapes appended to the
// results file.
type doneRecord struct {
	JobID     string       `json:"job_id"`
	Status    jobs.Status  `json:"status"`
	Result    *jobs.Result `json:"result"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

type failedRecord struct {
	JobID       string      `json:"job_id"`
	Status      jobs.Status `json:"status"`
	Error       string      `json:"error"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

// MarkDone records a successful download and appends the terminal
// record to the results file.
func (s *Store) MarkDone(jobID string, result jobs.Result) (*jobs.Job, error) {
	var updated *jobs.Job
	err := filelock.WithLock(s.lockFile, func() error {
		byID, err := s.materializeLocked()
		if err != nil {
			return err
		}
		current, ok := byID[jobID]
		if !ok {
			return ErrNotFound
		}

		job := current.Clone()
		now := jobs.Timestamp(s.now())
		job.Status = jobs.StatusDone
		job.UpdatedAt = now
		job.Result = &result
		job.Error = nil

		if err := appendJSONL(s.queueFile, job); err != nil {
			return err
		}
		if err := appendJSONL(s.resultsFile, doneRecord{
			JobID:     jobID,
			Status:    jobs.StatusDone,
			Result:    &result,
			CreatedAt: job.CreatedAt,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		updated = job
		return s.maybeCompactLocked()
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkFailedOrRetry requeues the job when attempts remain, otherwise
// marks it failed and appends the terminal failure record. The second
// return value is the status the job moved to.
func (s *Store) MarkFailedOrRetry(jobID, errText string) (*jobs.Job, jobs.Status, error) {
	var (
		updated    *jobs.Job
		nextStatus jobs.Status
	)
	err := filelock.WithLock(s.lockFile, func() error {
		byID, err := s.materializeLocked()
		if err != nil {
			return err
		}
		current, ok := byID[jobID]
		if !ok {
			return ErrNotFound
		}

		job := current.Clone()
		now := jobs.Timestamp(s.now())
		maxAttempts := job.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.maxAttempts
		}

		job.Error = &errText
		job.UpdatedAt = now

		if job.Attempts < maxAttempts {
			job.Status = jobs.StatusQueued
			if err := appendJSONL(s.queueFile, job); err != nil {
				return err
			}
			updated = job
			nextStatus = jobs.StatusQueued
			return s.maybeCompactLocked()
		}

		job.Status = jobs.StatusFailed
		if err := appendJSONL(s.queueFile, job); err != nil {
			return err
		}
		if err := appendJSONL(s.resultsFile, failedRecord{
			JobID:       jobID,
			Status:      jobs.StatusFailed,
			Error:       errText,
			Attempts:    job.Attempts,
			MaxAttempts: maxAttempts,
			CreatedAt:   job.CreatedAt,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		updated = job
		nextStatus = jobs.StatusFailed
		return s.maybeCompactLocked()
	})
	if err != nil {
		return nil, "", err
	}
	return updated, nextStatus, nil
}

// MarkNotification records the outcome of the latest callback attempt.
// callbackErr is nil when delivery succeeded.
func (s *Store) MarkNotification(jobID, eventID string, callbackErr *string) (*jobs.Job, error) {
	var updated *jobs.Job
	err := filelock.WithLock(s.lockFile, func() error {
		byID, err := s.materializeLocked()
		if err != nil {
			return err
		}
		current, ok := byID[jobID]
		if !ok {
			return ErrNotFound
		}

		job := current.Clone()
		id := eventID
		job.Notification.LastEventID = &id
		job.Notification.CallbackAttempts++
		job.Notification.CallbackError = callbackErr
		job.UpdatedAt = jobs.Timestamp(s.now())

		if err := appendJSONL(s.queueFile, job); err != nil {
			return err
		}
		updated = job
		return s.maybeCompactLocked()
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetJob returns a copy of the latest record for the id, or ErrNotFound.
func (s *Store) GetJob(jobID string) (*jobs.Job, error) {
	var found *jobs.Job
	err := filelock.WithLock(s.lockFile, func() error {
		byID, err := s.materializeLocked()
		if err != nil {
			return err
		}
		job, ok := byID[jobID]
		if !ok {
			return ErrNotFound
		}
		found = job.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
