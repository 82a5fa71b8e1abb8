package netqueue

import "github.com/wiredove/wiredove/internal/metrics"

const subsystem = "netqueue"

var (
	dispatched = metrics.NewCounter(
		"dispatched",
		subsystem,
		"payloads handed to a transport",
		[]string{"target"})

	sendErrors = metrics.NewCounter(
		"send_errors",
		subsystem,
		"transport sends that returned an error",
		[]string{"target"})

	merged = metrics.NewCounter(
		"merged",
		subsystem,
		"enqueues folded into an already pending item",
		[]string{}).WithLabelValues()

	queueLength = metrics.NewGauge(
		"length",
		subsystem,
		"items waiting for dispatch",
		[]string{}).WithLabelValues()
)
