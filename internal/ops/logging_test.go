package ops

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredove/wiredove/internal/config"
)

func TestLevelsAndFormats(t *testing.T) {
	tests := []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"error", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := NewLoggerWithWriter(&config.Logging{Level: tt.level, Format: "text"}, &bytes.Buffer{})
			assert.Equal(t, tt.debug, l.IsDebugEnabled())
		})
	}
}

func TestComponentAttributeInJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&config.Logging{Level: "info", Format: "json"}, &buf)

	l.WithComponent("netqueue").WithFields("peer", "abc").Info("drained")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "drained", rec["msg"])
	assert.Equal(t, "netqueue", rec["component"])
	assert.Equal(t, "abc", rec["peer"])

	_, err := time.Parse(time.RFC3339, rec["time"].(string))
	assert.NoError(t, err, "timestamps are RFC3339")
}

func TestEngineHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&config.Logging{Level: "debug", Format: "text"}, &buf)

	l.LogDispatch("0123456789abcdefghij", true, false, false)
	assert.Contains(t, buf.String(), "key=0123456789ab...")
	assert.Contains(t, buf.String(), "socket=true")

	buf.Reset()
	l.LogStorageOperation("put", "wiredove.moderation.v1", 3*time.Millisecond, errors.New("disk full"))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "disk full")

	buf.Reset()
	l.LogSyncRequest("peerkey", "warm")
	l.LogCacheOperation("get", "row", false)
	assert.Contains(t, buf.String(), "tier=warm")
	assert.Contains(t, buf.String(), "hit=false")
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing to see")
	assert.False(t, l.IsDebugEnabled())
}
