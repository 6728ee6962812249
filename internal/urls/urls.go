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

// Package urls recognizes supported short-video links and canonicalizes
// them. The normalized form is the global dedup key for jobs, so every
// rule here (tracking-parameter stripping, ordering, trailing-slash
// handling) directly affects which requests collapse into one download.
package urls

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/1204al/clipdrop-bot/pkg/jobs"
)

var (
	urlRe           = regexp.MustCompile(`(?i)https?://\S+`)
	twitterStatusRe = regexp.MustCompile(`(?i)^/[^/]+/status/\d+`)
)

// trackingQueryKeys are dropped from normalized URLs, along with any key
// starting with "utm_". Comparison is case-insensitive.
var trackingQueryKeys = map[string]struct{}{
	"si":      {},
	"feature": {},
	"igshid":  {},
}

// trailingPunctuation is stripped from URL candidates found in free text,
// where links commonly end a sentence or sit inside parentheses.
const trailingPunctuation = `).,;!?"'`

// Classified is a supported URL together with its canonical form.
type Classified struct {
	InputURL      string
	NormalizedURL string
	Platform      jobs.Platform
}

func cleanCandidate(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), trailingPunctuation)
}

func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

type queryPair struct {
	key   string
	value string
}

func stripTrackingQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []queryPair
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			value = rawValue
		}
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			continue
		}
		if _, tracking := trackingQueryKeys[lower]; tracking {
			continue
		}
		kept = append(kept, queryPair{key: key, value: value})
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].key != kept[j].key {
			return kept[i].key < kept[j].key
		}
		return kept[i].value < kept[j].value
	})
	parts := make([]string, 0, len(kept))
	for _, p := range kept {
		parts = append(parts, url.QueryEscape(p.key)+"="+url.QueryEscape(p.value))
	}
	return strings.Join(parts, "&")
}

// Normalize canonicalizes a URL: https scheme, folded host without www,
// port, or userinfo, no trailing slash (but never an empty path), query
// stripped of tracking keys and sorted by (key, value), fragment dropped.
// Note x.com and twitter.com stay distinct hosts.
func Normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := normalizeHost(u)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	normalized := "https://" + host + path
	if query := stripTrackingQuery(u.RawQuery); query != "" {
		normalized += "?" + query
	}
	return normalized
}

func isTikTok(host string) bool {
	return strings.HasSuffix(host, "tiktok.com")
}

func isInstagram(host, path string) bool {
	if !strings.HasSuffix(host, "instagram.com") {
		return false
	}
	lowered := strings.ToLower(path)
	return strings.Contains(lowered, "/reel/") ||
		strings.Contains(lowered, "/p/") ||
		strings.Contains(lowered, "/tv/")
}

func isXStatus(host, path string) bool {
	switch host {
	case "x.com", "twitter.com", "mobile.twitter.com":
		return twitterStatusRe.MatchString(path)
	default:
		return false
	}
}

// Classify reports whether a single URL belongs to a supported platform.
// It returns nil for anything unsupported or unparseable.
func Classify(raw string) *Classified {
	cleaned := cleanCandidate(raw)
	u, err := url.Parse(cleaned)
	if err != nil {
		return nil
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil
	}

	host := normalizeHost(u)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	var platform jobs.Platform
	switch {
	case isTikTok(host):
		platform = jobs.PlatformTikTok
	case isInstagram(host, path):
		platform = jobs.PlatformInstagram
	case isXStatus(host, path):
		platform = jobs.PlatformX
	default:
		return nil
	}

	return &Classified{
		InputURL:      cleaned,
		NormalizedURL: Normalize(cleaned),
		Platform:      platform,
	}
}

// ExtractSupported scans free text for supported URLs, preserving order
// of first appearance and deduplicating by normalized URL.
func ExtractSupported(text string) []Classified {
	if text == "" {
		return nil
	}

	var items []Classified
	seen := make(map[string]struct{})
	for _, match := range urlRe.FindAllString(text, -1) {
		classified := Classify(match)
		if classified == nil {
			continue
		}
		if _, dup := seen[classified.NormalizedURL]; dup {
			continue
		}
		seen[classified.NormalizedURL] = struct{}{}
		items = append(items, *classified)
	}
	return items
}
