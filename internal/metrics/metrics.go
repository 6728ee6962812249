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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsEnqueued       *prometheus.CounterVec
	jobsClaimed        *prometheus.CounterVec
	downloads          *prometheus.CounterVec
	downloadDuration   *prometheus.HistogramVec
	callbackDeliveries *prometheus.CounterVec
	callbackEvents     *prometheus.CounterVec
	botSends           *prometheus.CounterVec
)

// Enqueue and download outcomes.
const (
	OutcomeCreated = "created"
	OutcomeMerged  = "merged"
	OutcomeDone    = "done"
	OutcomeRetried = "retried"
	OutcomeFailed  = "failed"
)

// Callback event admission results.
const (
	EventAccepted     = "accepted"
	EventDuplicate    = "duplicate"
	EventUnauthorized = "unauthorized"
	EventInvalid      = "invalid"
)

// Bot send kinds.
const (
	SendVideo    = "video"
	SendDocument = "document"
	SendMessage  = "message"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobEnqueued records the outcome of one enqueue row: a freshly
// created job or a merge onto an active one.
func IncJobEnqueued(platform string, deduplicated bool) {
	labelPlatform := sanitizeLabel(platform, "unknown")
	outcome := OutcomeCreated
	if deduplicated {
		outcome = OutcomeMerged
	}

	mu.RLock()
	defer mu.RUnlock()
	if jobsEnqueued != nil {
		jobsEnqueued.WithLabelValues(labelPlatform, outcome).Inc()
	}
}

// IncJobClaimed records one successful claim by the worker.
func IncJobClaimed(platform string) {
	labelPlatform := sanitizeLabel(platform, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.WithLabelValues(labelPlatform).Inc()
	}
}

// ObserveDownload records a finished download attempt and its duration.
// outcome is one of OutcomeDone, OutcomeRetried, OutcomeFailed.
func ObserveDownload(platform, outcome string, duration time.Duration) {
	labelPlatform := sanitizeLabel(platform, "unknown")
	labelOutcome := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if downloads != nil {
		downloads.WithLabelValues(labelPlatform, labelOutcome).Inc()
	}
	if downloadDuration != nil {
		downloadDuration.WithLabelValues(labelPlatform).Observe(durationSeconds(duration))
	}
}

// IncCallbackDelivery records one callback POST attempt from the worker.
func IncCallbackDelivery(status string, ok bool) {
	labelStatus := sanitizeLabel(status, "unknown")
	outcome := "ok"
	if !ok {
		outcome = "error"
	}

	mu.RLock()
	defer mu.RUnlock()
	if callbackDeliveries != nil {
		callbackDeliveries.WithLabelValues(labelStatus, outcome).Inc()
	}
}

// IncCallbackEvent records how the bot's callback endpoint classified an
// incoming request. result is one of the Event* constants.
func IncCallbackEvent(result string) {
	labelResult := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if callbackEvents != nil {
		callbackEvents.WithLabelValues(labelResult).Inc()
	}
}

// IncBotSend records one outgoing Telegram send by kind.
func IncBotSend(kind string, ok bool) {
	labelKind := sanitizeLabel(kind, "unknown")
	outcome := "ok"
	if !ok {
		outcome = "error"
	}

	mu.RLock()
	defer mu.RUnlock()
	if botSends != nil {
		botSends.WithLabelValues(labelKind, outcome).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipdrop",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total enqueue rows grouped by platform and outcome (created or merged).",
	}, []string{"platform", "outcome"})

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipdrop",
		Subsystem: "queue",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed by the worker, by platform.",
	}, []string{"platform"})

	dl := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipdrop",
		Subsystem: "worker",
		Name:      "downloads_total",
		Help:      "Total finished download attempts by platform and outcome.",
	}, []string{"platform", "outcome"})

	dlDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipdrop",
		Subsystem: "worker",
		Name:      "download_duration_seconds",
		Help:      "Duration of download attempts by platform.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"platform"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipdrop",
		Subsystem: "worker",
		Name:      "callback_deliveries_total",
		Help:      "Total callback POST attempts by event status and outcome.",
	}, []string{"status", "outcome"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipdrop",
		Subsystem: "bot",
		Name:      "callback_events_total",
		Help:      "Incoming callback requests by admission result.",
	}, []string{"result"})

	sends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipdrop",
		Subsystem: "bot",
		Name:      "sends_total",
		Help:      "Outgoing Telegram sends by kind and outcome.",
	}, []string{"kind", "outcome"})

	registry.MustRegister(enqueued, claimed, dl, dlDuration, deliveries, events, sends)

	reg = registry
	jobsEnqueued = enqueued
	jobsClaimed = claimed
	downloads = dl
	downloadDuration = dlDuration
	callbackDeliveries = deliveries
	callbackEvents = events
	botSends = sends
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
