// Package feedrows caches lightweight display rows for log entries, persists
// them on a debounce, and optionally merges rows from a remote row source.
package feedrows

import (
	"strings"
	"unicode/utf8"

	"github.com/wiredove/wiredove/internal/logstore"
)

// PreviewLen is the maximum preview length in characters
const PreviewLen = 140

// Row is a cached, display-oriented summary of a log entry. It is never
// authoritative: losing a row never loses the entry.
type Row struct {
	Hash        string `json:"hash"`
	Ts          int64  `json:"ts,omitempty"`
	Opened      string `json:"opened,omitempty"`
	Author      string `json:"author,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
	Name        string `json:"name,omitempty"`
	Preview     string `json:"preview,omitempty"`
	ReplyCount  int    `json:"replyCount,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// merge overrides the fields of r that are set in next
func (r Row) merge(next Row) Row {
	if next.Ts != 0 {
		r.Ts = next.Ts
	}
	if next.Opened != "" {
		r.Opened = next.Opened
	}
	if next.Author != "" {
		r.Author = next.Author
	}
	if next.ContentHash != "" {
		r.ContentHash = next.ContentHash
	}
	if next.Name != "" {
		r.Name = next.Name
	}
	if next.Preview != "" {
		r.Preview = next.Preview
	}
	if next.ReplyCount != 0 {
		r.ReplyCount = next.ReplyCount
	}
	if next.UpdatedAt != 0 {
		r.UpdatedAt = next.UpdatedAt
	}
	return r
}

// BuildRow derives a row from an entry, its author and its parsed content.
// content may be nil when the content blob is not available.
func BuildRow(e logstore.Entry, author string, content map[string]any) Row {
	row := Row{
		Hash:        e.Hash,
		Ts:          logstore.ResolveTs(e),
		Opened:      e.Opened,
		Author:      author,
		ContentHash: logstore.ContentHash(e.Opened),
	}
	if content != nil {
		row.Name = logstore.StringField(content, "name")
		row.Preview = Preview(logstore.StringField(content, "body"))
	}
	return row
}

// Preview collapses whitespace and ellipsizes text to PreviewLen characters
func Preview(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(collapsed) <= PreviewLen {
		return collapsed
	}
	runes := []rune(collapsed)
	return strings.TrimRight(string(runes[:PreviewLen-1]), " ") + "…"
}
