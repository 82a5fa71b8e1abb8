package aggregates

import (
	"github.com/wiredove/wiredove/internal/logstore"
)

// Reply target field names, current first
var replyFields = []string{"reply", "replyto"}

// ThreadInfo contains the chain and thread links extracted from parsed content
type ThreadInfo struct {
	ReplyTo  string // the message being replied to
	Previous string // the author's previous message
}

// ParseThreadInfo extracts thread links from parsed content. Links that are
// not well-formed hashes are ignored.
func ParseThreadInfo(doc map[string]any) ThreadInfo {
	if doc == nil {
		return ThreadInfo{}
	}

	var info ThreadInfo
	for _, field := range replyFields {
		if v := logstore.StringField(doc, field); logstore.IsHash(v) {
			info.ReplyTo = v
			break
		}
	}
	if v := logstore.StringField(doc, "previous"); logstore.IsHash(v) {
		info.Previous = v
	}
	return info
}

// IsReply returns true if the message replies to another message
func (ti ThreadInfo) IsReply() bool {
	return ti.ReplyTo != ""
}

// IsRoot returns true if the message has no previous link
func (ti ThreadInfo) IsRoot() bool {
	return ti.Previous == ""
}
