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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDIsAssignedAndEchoed(t *testing.T) {
	var inHandler string
	h := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = RequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	echoed := rec.Header().Get("X-Request-Id")
	if echoed == "" {
		t.Fatal("no X-Request-Id on response")
	}
	if echoed != inHandler {
		t.Errorf("handler saw %q, response echoed %q", inHandler, echoed)
	}
	if _, err := uuid.Parse(echoed); err != nil {
		t.Errorf("generated id %q is not a UUID: %v", echoed, err)
	}
}

func TestRequestIDFromClientIsKept(t *testing.T) {
	h := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{}"))
	req.Header.Set("X-Request-Id", "bot-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "bot-42" {
		t.Errorf("X-Request-Id = %q, want the client value", got)
	}
}

func TestRequestIDOutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if got := RequestID(req.Context()); got != "" {
		t.Errorf("RequestID = %q, want empty", got)
	}
}
