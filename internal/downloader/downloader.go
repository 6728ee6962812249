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

// Package downloader fetches media by shelling out to yt-dlp. The final
// file path and duration are learned from --print lines on stdout, so
// the output template can stay an opaque yt-dlp concern.
package downloader

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

var ansiEscapes = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]")

// extractorFallbacks are tried in order for platform x when the default
// extractor hits the API error pattern below.
var extractorFallbacks = []string{"twitter:api=legacy", "twitter:api=syndication"}

// Downloader runs yt-dlp against a downloads directory.
type Downloader struct {
	dir   string
	debug bool

	binary string
	run    func(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

// New creates a Downloader writing into dir. Debug mode picks the worst
// format (fast, small) and keeps yt-dlp's own output visible.
func New(dir string, debug bool) *Downloader {
	binary := os.Getenv("YTDLP_PATH")
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Downloader{
		dir:    dir,
		debug:  debug,
		binary: binary,
		run:    runCommand,
	}
}

// Download fetches the media behind inputURL and returns the stored
// file's metadata. For platform x it retries with alternate extractor
// modes when the stock extractor fails with the known API error.
func (d *Downloader) Download(ctx context.Context, inputURL string, platform jobs.Platform) (*jobs.Result, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}

	result, err := d.attempt(ctx, inputURL, platform, "")
	if err == nil {
		return result, nil
	}

	if platform == jobs.PlatformX {
		for _, mode := range extractorFallbacks {
			if !needsExtractorFallback(err.Error()) {
				break
			}
			slog.Warn("Retrying download with alternate extractor mode", "url", inputURL, "mode", mode)
			result, err = d.attempt(ctx, inputURL, platform, mode)
			if err == nil {
				return result, nil
			}
		}
	}
	return nil, err
}

func (d *Downloader) attempt(ctx context.Context, inputURL string, platform jobs.Platform, extractorArgs string) (*jobs.Result, error) {
	format := "bestvideo*+bestaudio/best"
	if d.debug {
		format = "worst"
	}

	args := []string{
		"--no-playlist",
		"--socket-timeout", "30",
		"--merge-output-format", "mp4",
		"-f", format,
		"-o", filepath.Join(d.dir, "%(extractor)s_%(id)s.%(ext)s"),
		"--no-simulate",
		"--no-progress",
		// Both prints fire at the after_move event so the stdout order
		// is fixed: final path first, then duration.
		"--print", "after_move:filepath",
		"--print", "after_move:duration",
	}
	if !d.debug {
		args = append(args, "--quiet", "--no-warnings")
	}
	if extractorArgs != "" {
		args = append(args, "--extractor-args", extractorArgs)
	}
	args = append(args, inputURL)

	slog.Debug("Running yt-dlp", "url", inputURL, "platform", platform)

	stdout, stderr, err := d.run(ctx, d.binary, args)
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(stdout))
		}
		if detail == "" {
			return nil, fmt.Errorf("yt-dlp failed: %w", err)
		}
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, detail)
	}

	var lines []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("yt-dlp did not report a file path for %s", inputURL)
	}

	filePath, err := filepath.Abs(lines[0])
	if err != nil {
		return nil, fmt.Errorf("resolve downloaded path: %w", err)
	}
	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("downloaded file not found: %s", filePath)
	}

	// A missing duration prints as "NA"; treat anything unparsable as 0.
	var duration float64
	if len(lines) > 1 {
		if v, parseErr := strconv.ParseFloat(lines[1], 64); parseErr == nil {
			duration = v
		}
	}

	return &jobs.Result{
		FilePath:      filePath,
		FileSizeBytes: info.Size(),
		DurationSec:   duration,
		Platform:      string(platform),
		DownloadedAt:  jobs.Timestamp(time.Now()),
	}, nil
}

// needsExtractorFallback reports whether the error output matches the
// known x API failure. ANSI escapes are stripped and the text is
// case-folded before matching.
func needsExtractorFallback(errText string) bool {
	cleaned := strings.ToLower(ansiEscapes.ReplaceAllString(errText, ""))
	return strings.Contains(cleaned, "while querying api") &&
		strings.Contains(cleaned, "dependency: unspecified")
}

func runCommand(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
