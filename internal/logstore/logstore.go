// Package logstore defines the content-addressable log the feed engine reads
// from, and a local implementation backed by the key-value storage.
package logstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// HashLen is the length of a content address or public key
	HashLen = 44
	// TimestampLen is the length of the decimal millisecond prefix of opened metadata
	TimestampLen = 13
	// OpenedLen is the length of well-formed opened metadata
	OpenedLen = TimestampLen + HashLen
)

// Entry is one log record as returned by a query
type Entry struct {
	Hash   string `json:"hash"`
	Author string `json:"author,omitempty"`
	Opened string `json:"opened"`
	Text   string `json:"text,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// Store is the content-addressable store the feed engine consumes.
//
// Get returns nil with a nil error when the blob is absent. Open returns ""
// when the signed blob cannot be opened.
type Store interface {
	Get(ctx context.Context, hash string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Query(ctx context.Context, key string) ([]Entry, error)
	ParseYAML(text string) map[string]any
	Hash(blob []byte) string
	Open(ctx context.Context, signed []byte) (string, error)
}

// IsHash reports whether s looks like a 44-char base64 content address
func IsHash(s string) bool {
	if len(s) != HashLen || !strings.HasSuffix(s, "=") {
		return false
	}
	for i := 0; i < HashLen-1; i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
		default:
			return false
		}
	}
	return true
}

// IsPubkey reports whether s looks like a 44-char public key
func IsPubkey(s string) bool {
	return IsHash(s)
}

// OpenedTimestamp decodes the millisecond timestamp prefix of opened metadata
func OpenedTimestamp(opened string) (int64, bool) {
	if len(opened) < TimestampLen {
		return 0, false
	}
	prefix := opened[:TimestampLen]
	for i := 0; i < len(prefix); i++ {
		if prefix[i] < '0' || prefix[i] > '9' {
			return 0, false
		}
	}
	ts, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// ContentHash returns the content blob reference inside opened metadata
func ContentHash(opened string) string {
	if len(opened) < OpenedLen {
		return ""
	}
	h := opened[TimestampLen:OpenedLen]
	if !IsHash(h) {
		return ""
	}
	return h
}

// ValidOpened reports whether opened carries a timestamp and a content hash
func ValidOpened(opened string) bool {
	_, ok := OpenedTimestamp(opened)
	return ok && ContentHash(opened) != ""
}

// ResolveTs returns the entry timestamp, falling back to the opened prefix
func ResolveTs(e Entry) int64 {
	if e.Ts > 0 {
		return e.Ts
	}
	ts, _ := OpenedTimestamp(e.Opened)
	return ts
}

// HashBlob returns the base64 SHA-256 content address of blob
func HashBlob(blob []byte) string {
	sum := sha256.Sum256(blob)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ParseYAML decodes a YAML mapping. Anything that is not a mapping yields nil.
func ParseYAML(text string) map[string]any {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(text), &out); err != nil {
		return nil
	}
	return out
}

// StringField returns the first non-empty string value among keys
func StringField(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := doc[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
