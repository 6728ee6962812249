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

package urls

import (
	"strings"
	"testing"

	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantPlatform jobs.Platform
		wantNorm     string
		wantNil      bool
	}{
		{
			name:         "tiktok video with tracking params",
			raw:          "https://www.tiktok.com/@name/video/12345?utm_source=abc",
			wantPlatform: jobs.PlatformTikTok,
			wantNorm:     "https://tiktok.com/@name/video/12345",
		},
		{
			name:         "tiktok short host",
			raw:          "https://vt.tiktok.com/ZSmDoVEBm",
			wantPlatform: jobs.PlatformTikTok,
			wantNorm:     "https://vt.tiktok.com/ZSmDoVEBm",
		},
		{
			name:         "instagram reel with igshid",
			raw:          "https://instagram.com/reel/AbcDef/?igshid=zzz",
			wantPlatform: jobs.PlatformInstagram,
			wantNorm:     "https://instagram.com/reel/AbcDef",
		},
		{
			name:         "instagram post",
			raw:          "https://www.instagram.com/p/DUIvX5LEUZp/",
			wantPlatform: jobs.PlatformInstagram,
			wantNorm:     "https://instagram.com/p/DUIvX5LEUZp",
		},
		{
			name:    "instagram profile is not media",
			raw:     "https://www.instagram.com/someuser/",
			wantNil: true,
		},
		{
			name:         "x status with si param",
			raw:          "https://x.com/user/status/1234567890?si=abc",
			wantPlatform: jobs.PlatformX,
			wantNorm:     "https://x.com/user/status/1234567890",
		},
		{
			name:         "mobile twitter status",
			raw:          "https://mobile.twitter.com/user/status/99",
			wantPlatform: jobs.PlatformX,
			wantNorm:     "https://mobile.twitter.com/user/status/99",
		},
		{
			name:    "x profile page rejected",
			raw:     "https://x.com/user",
			wantNil: true,
		},
		{
			name:    "youtube rejected",
			raw:     "https://www.youtube.com/watch?v=abc",
			wantNil: true,
		},
		{
			name:    "non-http scheme rejected",
			raw:     "ftp://tiktok.com/video/1",
			wantNil: true,
		},
		{
			name:         "uppercase scheme and host accepted",
			raw:          "HTTPS://WWW.TIKTOK.COM/@a/video/1",
			wantPlatform: jobs.PlatformTikTok,
			wantNorm:     "https://tiktok.com/@a/video/1",
		},
		{
			name:         "host port stripped",
			raw:          "https://www.tiktok.com:443/@a/video/1",
			wantPlatform: jobs.PlatformTikTok,
			wantNorm:     "https://tiktok.com/@a/video/1",
		},
		{
			name:         "surviving query params sorted",
			raw:          "https://x.com/u/status/5?b=2&a=1&utm_medium=social",
			wantPlatform: jobs.PlatformX,
			wantNorm:     "https://x.com/u/status/5?a=1&b=2",
		},
		{
			name:         "fragment dropped",
			raw:          "https://instagram.com/reel/ABC/#comments",
			wantPlatform: jobs.PlatformInstagram,
			wantNorm:     "https://instagram.com/reel/ABC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected a classification for %q", tt.raw)
			}
			if got.Platform != tt.wantPlatform {
				t.Errorf("platform = %q, want %q", got.Platform, tt.wantPlatform)
			}
			if got.NormalizedURL != tt.wantNorm {
				t.Errorf("normalized = %q, want %q", got.NormalizedURL, tt.wantNorm)
			}
		})
	}
}

func TestExtractSupportedPlatformOrder(t *testing.T) {
	text := strings.Join([]string{
		"https://www.tiktok.com/@name/video/12345?utm_source=abc",
		"https://instagram.com/reel/AbcDef/?igshid=zzz",
		"https://x.com/user/status/1234567890?si=abc",
	}, "\n")

	rows := ExtractSupported(text)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []jobs.Platform{jobs.PlatformTikTok, jobs.PlatformInstagram, jobs.PlatformX}
	for i, platform := range want {
		if rows[i].Platform != platform {
			t.Errorf("rows[%d].Platform = %q, want %q", i, rows[i].Platform, platform)
		}
	}
}

func TestExtractSupportedIgnoresYouTube(t *testing.T) {
	text := "check https://www.youtube.com/watch?v=abc " +
		"https://youtu.be/abcd " +
		"https://www.youtube.com/shorts/abcdEFG1234?feature=share"

	if rows := ExtractSupported(text); len(rows) != 0 {
		t.Fatalf("expected no rows, got %v", rows)
	}
}

func TestExtractSupportedDeduplicatesByNormalizedURL(t *testing.T) {
	// x.com and twitter.com normalize to different URLs on purpose, so
	// the same status id on both hosts is two separate jobs.
	text := "https://x.com/user/status/123?utm_source=foo " +
		"https://twitter.com/user/status/123?si=bar"

	rows := ExtractSupported(text)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].NormalizedURL != "https://x.com/user/status/123" {
		t.Errorf("rows[0] = %q", rows[0].NormalizedURL)
	}
	if rows[1].NormalizedURL != "https://twitter.com/user/status/123" {
		t.Errorf("rows[1] = %q", rows[1].NormalizedURL)
	}

	dup := "https://x.com/user/status/123 https://www.x.com/user/status/123/"
	if rows := ExtractSupported(dup); len(rows) != 1 {
		t.Fatalf("expected duplicate collapse, got %d rows", len(rows))
	}
}

func TestExtractSupportedStripsTrailingPunctuation(t *testing.T) {
	text := "Try this (https://instagram.com/p/ABC123/?utm_campaign=x)."

	rows := ExtractSupported(text)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].NormalizedURL != "https://instagram.com/p/ABC123" {
		t.Errorf("normalized = %q", rows[0].NormalizedURL)
	}
}

func TestNormalizeKeepsBlankQueryValues(t *testing.T) {
	got := Normalize("https://x.com/u/status/5?flag&z=")
	if got != "https://x.com/u/status/5?flag=&z=" {
		t.Errorf("normalized = %q", got)
	}
}
