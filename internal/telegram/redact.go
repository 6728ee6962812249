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

import (
	"errors"
	"strings"
)

// RedactToken masks the secret half of a bot token while keeping the
// numeric bot id, so a redacted error still says which bot it belongs to.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if i := strings.IndexByte(token, ':'); i > 0 && i < len(token)-1 {
		return token[:i+1] + "***"
	}
	return "***"
}

// redactError rewrites errors whose text embeds the bot token. Transport
// failures from net/http carry the full request URL, which includes the
// /bot<token> path segment. The rewritten error is flat; callers that
// need structure match on APIError, which never contains the token.
func (c *Client) redactError(err error) error {
	if err == nil || c.token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, c.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, c.token, RedactToken(c.token)))
}
