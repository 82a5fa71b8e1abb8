package ops

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"
)

// SystemStats contains overall system statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	// Runtime stats
	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// EngineStats contains feed engine statistics
type EngineStats struct {
	StorageDriver string
	LogEntries    int
	QueueLength   int
	CachedRows    int
	RowFlushState string
	ReplyParents  int
	RepliesBuilt  bool
	PeerTiers     map[string]int
	ActiveView    string
}

// Sources are the probes the collector reads. Any of them may be nil.
type Sources struct {
	StorageDriver func() string
	LogEntries    func(ctx context.Context) int
	QueueLength   func() int
	CachedRows    func(ctx context.Context) int
	RowFlushState func() string
	ReplyParents  func() int
	RepliesBuilt  func() bool
	PeerTiers     func() map[string]int
	ActiveView    func() string
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	sources   Sources
}

// NewDiagnosticsCollector creates a new diagnostics collector
func NewDiagnosticsCollector(version, commit string, sources Sources) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		sources:   sources,
	}
}

// CollectSystemStats collects system-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectEngineStats reads every configured probe
func (d *DiagnosticsCollector) CollectEngineStats(ctx context.Context) *EngineStats {
	s := d.sources
	stats := &EngineStats{PeerTiers: map[string]int{}}

	if s.StorageDriver != nil {
		stats.StorageDriver = s.StorageDriver()
	}
	if s.LogEntries != nil {
		stats.LogEntries = s.LogEntries(ctx)
	}
	if s.QueueLength != nil {
		stats.QueueLength = s.QueueLength()
	}
	if s.CachedRows != nil {
		stats.CachedRows = s.CachedRows(ctx)
	}
	if s.RowFlushState != nil {
		stats.RowFlushState = s.RowFlushState()
	}
	if s.ReplyParents != nil {
		stats.ReplyParents = s.ReplyParents()
	}
	if s.RepliesBuilt != nil {
		stats.RepliesBuilt = s.RepliesBuilt()
	}
	if s.PeerTiers != nil {
		for k, v := range s.PeerTiers() {
			stats.PeerTiers[k] = v
		}
	}
	if s.ActiveView != nil {
		stats.ActiveView = s.ActiveView()
	}
	return stats
}

// CollectAll collects all diagnostic information
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) *Diagnostics {
	return &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
		Engine:      d.CollectEngineStats(ctx),
	}
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Engine      *EngineStats
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var out string

	out += "=== wiredove Diagnostics ===\n"
	out += fmt.Sprintf("Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	out += "--- System ---\n"
	out += fmt.Sprintf("Version: %s (%s)\n", d.System.Version, d.System.Commit)
	out += fmt.Sprintf("Uptime: %s\n", d.System.Uptime.Round(time.Second))
	out += fmt.Sprintf("Go Version: %s\n", d.System.GoVersion)
	out += fmt.Sprintf("Goroutines: %d\n", d.System.NumGoroutines)
	out += fmt.Sprintf("Memory: %.2f MB allocated, %.2f MB total, %.2f MB system\n",
		d.System.MemAllocMB, d.System.MemTotalAllocMB, d.System.MemSysMB)
	out += fmt.Sprintf("GC Runs: %d\n\n", d.System.NumGC)

	e := d.Engine
	out += "--- Engine ---\n"
	out += fmt.Sprintf("Storage Driver: %s\n", e.StorageDriver)
	out += fmt.Sprintf("Log Entries: %d\n", e.LogEntries)
	out += fmt.Sprintf("Queued Requests: %d\n", e.QueueLength)
	out += fmt.Sprintf("Cached Rows: %d (%s)\n", e.CachedRows, e.RowFlushState)
	if e.RepliesBuilt {
		out += fmt.Sprintf("Reply Index: %d parents\n", e.ReplyParents)
	} else {
		out += "Reply Index: not built\n"
	}
	if e.ActiveView != "" {
		out += fmt.Sprintf("Active View: %s\n", e.ActiveView)
	}

	if len(e.PeerTiers) > 0 {
		out += "\n--- Peers ---\n"
		tiers := make([]string, 0, len(e.PeerTiers))
		for t := range e.PeerTiers {
			tiers = append(tiers, t)
		}
		sort.Strings(tiers)
		for _, t := range tiers {
			out += fmt.Sprintf("%s: %d\n", t, e.PeerTiers[t])
		}
	}

	return out
}
