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

package telegram

// Chat types as reported by the Bot API.
const (
	ChatTypePrivate    = "private"
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
)

// Chat member statuses that count as chat administrators.
const (
	MemberStatusAdministrator = "administrator"
	MemberStatusCreator       = "creator"
)

// User is a Telegram account, human or bot.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

// Chat identifies where a message was sent.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message carries the subset of incoming message fields the bot reads.
// MessageThreadID is non-nil only inside forum supergroup topics.
type Message struct {
	MessageID       int64  `json:"message_id"`
	From            *User  `json:"from,omitempty"`
	Chat            Chat   `json:"chat"`
	Text            string `json:"text,omitempty"`
	Caption         string `json:"caption,omitempty"`
	MessageThreadID *int64 `json:"message_thread_id,omitempty"`
}

// Update is one long-poll result. Only message updates are requested,
// so every other update kind arrives with a nil Message and is skipped.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// ChatMember describes one member of a chat, as returned by
// getChatMember and getChatAdministrators.
type ChatMember struct {
	Status string `json:"status"`
	User   User   `json:"user"`
}

// IsAdmin reports whether the member may authorize the chat.
func (m ChatMember) IsAdmin() bool {
	return m.Status == MemberStatusAdministrator || m.Status == MemberStatusCreator
}
