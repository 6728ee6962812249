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

package bot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func argValue(t *testing.T, args []string, flag string) string {
	t.Helper()
	for i, a := range args {
		if a == flag {
			if i+1 >= len(args) {
				t.Fatalf("flag %s has no value in %v", flag, args)
			}
			return args[i+1]
		}
	}
	t.Fatalf("flag %s missing from %v", flag, args)
	return ""
}

func argInt(t *testing.T, args []string, flag string) int {
	t.Helper()
	v, err := strconv.Atoi(argValue(t, args, flag))
	if err != nil {
		t.Fatalf("flag %s value %q is not an int", flag, argValue(t, args, flag))
	}
	return v
}

func TestResizeComputesBitratesFromDuration(t *testing.T) {
	var ffmpegArgs []string
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(_ context.Context, name string, args []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("20.000000\n"), nil, nil
		}
		ffmpegArgs = args
		return nil, nil, os.WriteFile(args[len(args)-1], []byte("ok"), 0o644)
	}

	in := filepath.Join(t.TempDir(), "clip.mp4")
	out := filepath.Join(t.TempDir(), "clip_tg50.mp4")
	if err := tr.ResizeToLimit(context.Background(), in, out, 50, time.Minute); err != nil {
		t.Fatalf("resize: %v", err)
	}

	if ffmpegArgs[0] != "-y" {
		t.Errorf("args start with %q, want -y", ffmpegArgs[0])
	}
	if got := argValue(t, ffmpegArgs, "-i"); got != in {
		t.Errorf("input = %q", got)
	}
	if got := ffmpegArgs[len(ffmpegArgs)-1]; got != out {
		t.Errorf("output = %q", got)
	}
	if got := argValue(t, ffmpegArgs, "-c:v"); got != "libx264" {
		t.Errorf("video codec = %q", got)
	}
	if got := argValue(t, ffmpegArgs, "-c:a"); got != "aac" {
		t.Errorf("audio codec = %q", got)
	}
	if got := argValue(t, ffmpegArgs, "-preset"); got != "veryfast" {
		t.Errorf("preset = %q", got)
	}
	if got := argValue(t, ffmpegArgs, "-movflags"); got != "+faststart" {
		t.Errorf("movflags = %q", got)
	}

	video := argInt(t, ffmpegArgs, "-b:v")
	audio := argInt(t, ffmpegArgs, "-b:a")
	maxrate := argInt(t, ffmpegArgs, "-maxrate")
	bufsize := argInt(t, ffmpegArgs, "-bufsize")

	// At ~20Mbit/s total the audio share hits its ceiling.
	if audio != maxAudioBitrate {
		t.Errorf("audio bitrate = %d, want clamp at %d", audio, maxAudioBitrate)
	}
	// 20 seconds at these bitrates must land just under the 50MB
	// target once the headroom factor is applied.
	estimatedBytes := float64(video+audio) * 20 / 8
	if estimatedBytes > 50*1024*1024 {
		t.Errorf("estimated output %.0f bytes exceeds the target", estimatedBytes)
	}
	if estimatedBytes < 47*1024*1024 {
		t.Errorf("estimated output %.0f bytes leaves too much headroom", estimatedBytes)
	}
	if want := int(float64(video) * 1.2); maxrate < want-1 || maxrate > want+1 {
		t.Errorf("maxrate = %d, want about %d", maxrate, want)
	}
	if bufsize != maxrate*2 {
		t.Errorf("bufsize = %d, want %d", bufsize, maxrate*2)
	}
}

func TestResizeFallsBackWhenDurationUnknown(t *testing.T) {
	var ffmpegArgs []string
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(_ context.Context, name string, args []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return nil, []byte("no such stream"), errors.New("exit status 1")
		}
		ffmpegArgs = args
		return nil, nil, os.WriteFile(args[len(args)-1], []byte("ok"), 0o644)
	}

	out := filepath.Join(t.TempDir(), "out.mp4")
	if err := tr.ResizeToLimit(context.Background(), "in.mp4", out, 50, time.Minute); err != nil {
		t.Fatalf("resize: %v", err)
	}

	video := argInt(t, ffmpegArgs, "-b:v")
	audio := argInt(t, ffmpegArgs, "-b:a")
	total := video + audio
	if total < fallbackTotalBitrate-2 || total > fallbackTotalBitrate {
		t.Errorf("total bitrate = %d, want the %d fallback", total, fallbackTotalBitrate)
	}
	if audio < minAudioBitrate || audio > maxAudioBitrate {
		t.Errorf("audio bitrate %d outside clamp range", audio)
	}
	if video < minVideoBitrate {
		t.Errorf("video bitrate %d below floor", video)
	}
}

func TestResizeRejectsOversizedOutput(t *testing.T) {
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(_ context.Context, name string, args []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("10\n"), nil, nil
		}
		return nil, nil, os.WriteFile(args[len(args)-1], bytes.Repeat([]byte("x"), 2*1024*1024), 0o644)
	}

	out := filepath.Join(t.TempDir(), "out.mp4")
	err := tr.ResizeToLimit(context.Background(), "in.mp4", out, 1, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "still above Telegram upload limit") {
		t.Fatalf("err = %v", err)
	}
}

func TestResizeMissingOutput(t *testing.T) {
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(_ context.Context, name string, _ []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("10\n"), nil, nil
		}
		return nil, nil, nil
	}

	err := tr.ResizeToLimit(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "never.mp4"), 1, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "did not produce output file") {
		t.Fatalf("err = %v", err)
	}
}

func TestResizeReportsFfmpegStderr(t *testing.T) {
	long := strings.Repeat("E", 600)
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(_ context.Context, name string, _ []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("10\n"), nil, nil
		}
		return nil, []byte(long), errors.New("exit status 1")
	}

	err := tr.ResizeToLimit(context.Background(), "in.mp4", "out.mp4", 1, time.Minute)
	if err == nil || !strings.HasPrefix(err.Error(), "ffmpeg failed: ") {
		t.Fatalf("err = %v", err)
	}
	if got := strings.TrimPrefix(err.Error(), "ffmpeg failed: "); got != strings.Repeat("E", 500) {
		t.Errorf("stderr tail length = %d, want 500", len(got))
	}
}

func TestResizeBinaryMissing(t *testing.T) {
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(_ context.Context, name string, _ []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("10\n"), nil, nil
		}
		return nil, nil, exec.ErrNotFound
	}

	err := tr.ResizeToLimit(context.Background(), "in.mp4", "out.mp4", 1, time.Minute)
	if err == nil || err.Error() != "ffmpeg not found in PATH" {
		t.Fatalf("err = %v", err)
	}
}

func TestResizeTimeout(t *testing.T) {
	tr := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	tr.run = func(ctx context.Context, name string, _ []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("10\n"), nil, nil
		}
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}

	err := tr.ResizeToLimit(context.Background(), "in.mp4", "out.mp4", 1, 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "ffmpeg timed out") {
		t.Fatalf("err = %v", err)
	}
}

func TestProbeDuration(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		err    error
		want   float64
	}{
		{"parses seconds", "12.500000\n", nil, 12.5},
		{"not a number", "N/A\n", nil, 0},
		{"zero", "0\n", nil, 0},
		{"negative", "-3\n", nil, 0},
		{"probe error", "", errors.New("exit status 1"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Transcoder{ffprobe: "ffprobe"}
			tr.run = func(_ context.Context, _ string, _ []string) ([]byte, []byte, error) {
				return []byte(tt.stdout), nil, tt.err
			}
			if got := tr.ProbeDuration(context.Background(), "clip.mp4"); got != tt.want {
				t.Errorf("ProbeDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTranscoderUsesEnvOverrides(t *testing.T) {
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("FFPROBE_PATH", "/opt/ffmpeg/bin/ffprobe")

	tr := NewTranscoder()
	if tr.ffmpeg != "/opt/ffmpeg/bin/ffmpeg" || tr.ffprobe != "/opt/ffmpeg/bin/ffprobe" {
		t.Errorf("binaries = %q, %q", tr.ffmpeg, tr.ffprobe)
	}
}
