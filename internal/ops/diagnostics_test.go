package ops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectAll(t *testing.T) {
	d := NewDiagnosticsCollector("1.2.3", "abc", Sources{
		StorageDriver: func() string { return "memory" },
		QueueLength:   func() int { return 4 },
		CachedRows:    func(context.Context) int { return 12 },
		RowFlushState: func() string { return "dirty" },
		ReplyParents:  func() int { return 3 },
		RepliesBuilt:  func() bool { return true },
		PeerTiers:     func() map[string]int { return map[string]int{"hot": 1, "cold": 5} },
	})

	diag := d.CollectAll(context.Background())
	assert.Equal(t, "1.2.3", diag.System.Version)
	assert.Equal(t, 4, diag.Engine.QueueLength)
	assert.Equal(t, 0, diag.Engine.LogEntries, "missing probes read as zero")

	text := diag.FormatAsText()
	assert.Contains(t, text, "Version: 1.2.3 (abc)")
	assert.Contains(t, text, "Storage Driver: memory")
	assert.Contains(t, text, "Cached Rows: 12 (dirty)")
	assert.Contains(t, text, "Reply Index: 3 parents")
	assert.Contains(t, text, "cold: 5\nhot: 1\n")
}

func TestFormatWithoutReplies(t *testing.T) {
	diag := NewDiagnosticsCollector("dev", "", Sources{}).CollectAll(context.Background())
	text := diag.FormatAsText()
	assert.Contains(t, text, "Reply Index: not built")
	assert.NotContains(t, text, "--- Peers ---")
}
