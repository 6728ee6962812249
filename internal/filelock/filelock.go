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

// Package filelock provides OS advisory file locks. The API service, the
// worker, and the bot are separate processes sharing the queue and access
// files, so exclusion must happen at the OS level; an in-process mutex
// would only order goroutines within one of them.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked is returned by AcquireSingleInstance when another
// process holds the lock.
var ErrAlreadyLocked = errors.New("lock already held")

func openLockFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	return f, nil
}

// WithLock runs fn while holding a blocking exclusive advisory lock on
// the file at path (created if missing). The lock is released on every
// exit path, including a panic inside fn.
func WithLock(path string, fn func() error) error {
	f, err := openLockFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// Handle keeps a single-instance lock alive for the process lifetime.
type Handle struct {
	f *os.File
}

// Path returns the lock file path the handle was acquired on.
func (h *Handle) Path() string { return h.f.Name() }

// Release drops the lock. The lock is also released implicitly when the
// process exits.
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	err := h.f.Close()
	h.f = nil
	return err
}

// AcquireSingleInstance takes a non-blocking exclusive lock on path and
// keeps it for the life of the returned handle. When another process
// already holds it the error wraps ErrAlreadyLocked and names the file,
// so callers can refuse to start with a useful message.
func AcquireSingleInstance(path string) (*Handle, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%s: %w (another instance is running)", path, ErrAlreadyLocked)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Handle{f: f}, nil
}
