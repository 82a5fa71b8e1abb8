package sync

import "github.com/wiredove/wiredove/internal/metrics"

const subsystem = "sync"

var (
	requests = metrics.NewCounter(
		"requests",
		subsystem,
		"peer logs requested by tier",
		[]string{"tier"})

	ticks = metrics.NewCounter(
		"ticks",
		subsystem,
		"scheduler ticks by outcome",
		[]string{"outcome"})

	tierSize = metrics.NewGauge(
		"tier_size",
		subsystem,
		"known peers by tier",
		[]string{"tier"})
)
