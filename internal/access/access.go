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

// Package access persists which chats and users may talk to the bot.
// Two small files back it: a JSON document with authorized chat ids and
// a newline-delimited whitelist of user ids. Both are rewritten whole
// through a temp file, so a crash mid-write never leaves a torn file,
// and every operation runs under an advisory lock shared with any other
// bot process on the host. Unreadable or malformed content degrades to
// the empty set rather than failing the caller: a broken file means
// nobody is authorized until an admin runs /auth again.
package access

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/1204al/clipdrop-bot/internal/filelock"
)

// Counts is a point-in-time size snapshot of both sets.
type Counts struct {
	AuthorizedChats  int `json:"authorized_chats"`
	WhitelistedUsers int `json:"whitelisted_users"`
}

// Store reads and writes the access files. Safe for concurrent use
// across goroutines and processes.
type Store struct {
	authorizedChatsFile string
	whitelistFile       string
	lockFile            string
}

// New builds a Store over the given files. None of them need to exist
// yet; missing files read as empty sets.
func New(authorizedChatsFile, whitelistFile, lockFile string) *Store {
	return &Store{
		authorizedChatsFile: authorizedChatsFile,
		whitelistFile:       whitelistFile,
		lockFile:            lockFile,
	}
}

type authorizedChatsDoc struct {
	AuthorizedChatIDs []int64 `json:"authorized_chat_ids"`
}

func (s *Store) readAuthorizedLocked() map[int64]bool {
	raw, err := os.ReadFile(s.authorizedChatsFile)
	if err != nil {
		return map[int64]bool{}
	}
	var doc authorizedChatsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[int64]bool{}
	}
	set := make(map[int64]bool, len(doc.AuthorizedChatIDs))
	for _, id := range doc.AuthorizedChatIDs {
		set[id] = true
	}
	return set
}

func (s *Store) writeAuthorizedLocked(set map[int64]bool) error {
	doc := authorizedChatsDoc{AuthorizedChatIDs: sortedKeys(set)}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode authorized chats: %w", err)
	}
	return writeFileAtomic(s.authorizedChatsFile, append(payload, '\n'))
}

func (s *Store) readWhitelistLocked() map[int64]bool {
	raw, err := os.ReadFile(s.whitelistFile)
	if err != nil {
		return map[int64]bool{}
	}
	set := map[int64]bool{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		set[id] = true
	}
	return set
}

func (s *Store) writeWhitelistLocked(set map[int64]bool) error {
	ids := sortedKeys(set)
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte('\n')
	}
	return writeFileAtomic(s.whitelistFile, []byte(b.String()))
}

// IsChatAuthorized reports whether a group chat has been unlocked
// with /auth.
func (s *Store) IsChatAuthorized(chatID int64) (bool, error) {
	var authorized bool
	err := filelock.WithLock(s.lockFile, func() error {
		authorized = s.readAuthorizedLocked()[chatID]
		return nil
	})
	return authorized, err
}

// AuthorizeChat adds a chat to the authorized set. Returns true when the
// chat was newly added, false when it was already present.
func (s *Store) AuthorizeChat(chatID int64) (bool, error) {
	var added bool
	err := filelock.WithLock(s.lockFile, func() error {
		set := s.readAuthorizedLocked()
		if set[chatID] {
			return nil
		}
		set[chatID] = true
		added = true
		return s.writeAuthorizedLocked(set)
	})
	return added, err
}

// IsUserWhitelisted reports whether a user may talk to the bot in
// private chats.
func (s *Store) IsUserWhitelisted(userID int64) (bool, error) {
	var listed bool
	err := filelock.WithLock(s.lockFile, func() error {
		listed = s.readWhitelistLocked()[userID]
		return nil
	})
	return listed, err
}

// AddUserToWhitelist adds one user. Returns true when newly added.
func (s *Store) AddUserToWhitelist(userID int64) (bool, error) {
	var added bool
	err := filelock.WithLock(s.lockFile, func() error {
		set := s.readWhitelistLocked()
		if set[userID] {
			return nil
		}
		set[userID] = true
		added = true
		return s.writeWhitelistLocked(set)
	})
	return added, err
}

// AddUsersToWhitelist merges a batch of users and returns how many were
// new. The file is only rewritten when the set actually grew.
func (s *Store) AddUsersToWhitelist(userIDs []int64) (int, error) {
	var added int
	err := filelock.WithLock(s.lockFile, func() error {
		set := s.readWhitelistLocked()
		before := len(set)
		for _, id := range userIDs {
			set[id] = true
		}
		added = len(set) - before
		if added == 0 {
			return nil
		}
		return s.writeWhitelistLocked(set)
	})
	return added, err
}

// SnapshotCounts returns the sizes of both sets under one lock hold.
func (s *Store) SnapshotCounts() (Counts, error) {
	var counts Counts
	err := filelock.WithLock(s.lockFile, func() error {
		counts.AuthorizedChats = len(s.readAuthorizedLocked())
		counts.WhitelistedUsers = len(s.readWhitelistLocked())
		return nil
	})
	return counts, err
}

func sortedKeys(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
