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

// Transcoding for downloads above the Bot API upload limit. The target
// bitrate is derived from the clip duration so a single ffmpeg pass
// lands under the limit, with a small headroom factor for container
// overhead.

package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// fallbackTotalBitrate is used when the clip duration is unknown.
	fallbackTotalBitrate = 800_000

	minAudioBitrate = 64_000
	maxAudioBitrate = 128_000
	minVideoBitrate = 200_000

	// sizeHeadroom keeps the bitrate target under the hard limit so
	// container overhead does not push the output back over it.
	sizeHeadroom = 0.95
)

// Transcoder shells out to ffmpeg/ffprobe. Binaries resolve from
// FFMPEG_PATH and FFPROBE_PATH, falling back to PATH lookup.
type Transcoder struct {
	ffmpeg  string
	ffprobe string

	run func(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

// NewTranscoder builds a Transcoder using the environment's binary
// overrides when set.
func NewTranscoder() *Transcoder {
	ffmpeg := os.Getenv("FFMPEG_PATH")
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := os.Getenv("FFPROBE_PATH")
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Transcoder{ffmpeg: ffmpeg, ffprobe: ffprobe, run: runMediaCommand}
}

// ProbeDuration returns the container duration in seconds, or 0 when
// the probe fails or reports nothing usable.
func (t *Transcoder) ProbeDuration(ctx context.Context, path string) float64 {
	stdout, _, err := t.run(ctx, t.ffprobe, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	})
	if err != nil {
		return 0
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil || duration <= 0 {
		return 0
	}
	return duration
}

// ResizeToLimit transcodes inputPath into outputPath aiming below
// targetMB. The ffmpeg process is killed once timeout elapses.
func (t *Transcoder) ResizeToLimit(ctx context.Context, inputPath, outputPath string, targetMB int, timeout time.Duration) error {
	duration := t.ProbeDuration(ctx, inputPath)

	targetBytes := int(float64(targetMB) * 1024 * 1024 * sizeHeadroom)
	totalBitrate := fallbackTotalBitrate
	if duration > 0 {
		totalBitrate = int(float64(targetBytes) * 8 / duration)
	}

	audioBitrate := int(float64(totalBitrate) * 0.15)
	if audioBitrate < minAudioBitrate {
		audioBitrate = minAudioBitrate
	}
	if audioBitrate > maxAudioBitrate {
		audioBitrate = maxAudioBitrate
	}
	videoBitrate := totalBitrate - audioBitrate
	if videoBitrate < minVideoBitrate {
		videoBitrate = minVideoBitrate
	}
	maxrate := int(float64(videoBitrate) * 1.2)
	bufsize := maxrate * 2

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, stderr, err := t.run(runCtx, t.ffmpeg, []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-b:v", strconv.Itoa(videoBitrate),
		"-maxrate", strconv.Itoa(maxrate),
		"-bufsize", strconv.Itoa(bufsize),
		"-preset", "veryfast",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(audioBitrate),
		"-movflags", "+faststart",
		outputPath,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ffmpeg timed out after %ds", int(timeout/time.Second))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("ffmpeg not found in PATH")
		}
		return fmt.Errorf("ffmpeg failed: %s", tail(string(stderr), 500))
	}

	info, err := os.Stat(outputPath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("ffmpeg did not produce output file")
	}
	if float64(info.Size()) > float64(targetMB)*1024*1024 {
		return fmt.Errorf("resized file is still above Telegram upload limit")
	}
	return nil
}

// tail returns the last n bytes of s so oversized tool output stays
// readable in logs and chat messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func runMediaCommand(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
