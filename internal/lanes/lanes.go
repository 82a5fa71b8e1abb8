// Package lanes sizes concurrent fan-outs from device and network hints.
package lanes

import (
	"math"
	"runtime"

	"github.com/wiredove/wiredove/internal/config"
)

// Kind tags the workload a fan-out performs
type Kind string

const (
	General Kind = "general"
	Render  Kind = "render"
	Network Kind = "network"
)

// Signals is a snapshot of the environment
type Signals struct {
	Cores         int
	SaveData      bool
	EffectiveType string // slow-2g|2g|3g|4g
}

// Source reports the current environment. It is consulted on every plan,
// so a changing environment is picked up without restart.
type Source interface {
	Signals() Signals
}

// SourceFunc adapts a function to Source
type SourceFunc func() Signals

// Signals implements Source
func (f SourceFunc) Signals() Signals { return f() }

// ConfigSource reads network hints from configuration and the core count from
// the runtime unless overridden.
type ConfigSource struct {
	cfg *config.Concurrency
}

// NewConfigSource creates a Source from concurrency settings
func NewConfigSource(cfg *config.Concurrency) *ConfigSource {
	return &ConfigSource{cfg: cfg}
}

// Signals implements Source
func (c *ConfigSource) Signals() Signals {
	cores := c.cfg.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return Signals{
		Cores:         cores,
		SaveData:      c.cfg.SaveData,
		EffectiveType: c.cfg.EffectiveType,
	}
}

// Planner computes lane counts
type Planner struct {
	source Source
}

// NewPlanner creates a planner reading from source
func NewPlanner(source Source) *Planner {
	return &Planner{source: source}
}

// Plan returns the number of lanes for a fan-out of the given kind, clamped to [min, max].
func (p *Planner) Plan(base, min, max int, kind Kind) int {
	return Compute(p.source.Signals(), base, min, max, kind)
}

// PlanLanes is Plan with bounds taken from configuration
func (p *Planner) PlanLanes(l config.Lanes, kind Kind) int {
	return p.Plan(l.Base, l.Min, l.Max, kind)
}

// Compute is the pure planning function behind Planner.Plan
func Compute(s Signals, base, min, max int, kind Kind) int {
	v := float64(base)

	switch {
	case s.Cores <= 2:
		v -= 2
	case s.Cores <= 4:
		v--
	case s.Cores >= 12:
		v += 2
	case s.Cores >= 8:
		v++
	}

	if s.SaveData {
		v -= 2
	}

	switch s.EffectiveType {
	case "slow-2g", "2g":
		v -= 2
	case "3g":
		v--
	}

	lowCores := s.Cores <= 4
	highCores := s.Cores >= 8
	goodNet := s.EffectiveType == "4g" && !s.SaveData

	if kind == Render && lowCores {
		v--
	}
	if kind == Network && highCores && goodNet {
		v++
	}

	n := int(math.Round(v))
	if n > max {
		n = max
	}
	if n < min {
		n = min
	}
	return n
}
