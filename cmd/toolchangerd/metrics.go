package main

import (
	"net/http"
	"strconv"

	"ktcc-go/pkg/metrics"
	"ktcc-go/pkg/toolchanger"
)

// metricsHandler exports the coordinator statistics in Prometheus text
// format. The registry is refreshed from the live stats on each scrape.
func metricsHandler(lock *toolchanger.ToolLock) http.Handler {
	reg := metrics.NewRegistry()

	current := reg.Gauge("ktcc_tool_current",
		"Currently selected tool id, -1 when unlocked, -2 when unknown.")
	locks := reg.Counter("ktcc_toollocks_total",
		"Completed tool lock engagements.")
	unlocks := reg.Counter("ktcc_toolunlocks_total",
		"Completed tool lock releases.")
	mounts := reg.Counter("ktcc_tool_mounts_total",
		"Completed mounts per tool.")
	unmounts := reg.Counter("ktcc_tool_unmounts_total",
		"Completed unmounts per tool.")
	selected := reg.Gauge("ktcc_tool_selected_seconds",
		"Accumulated seconds each tool has spent selected.")
	mounting := reg.Gauge("ktcc_tool_mounting_seconds",
		"Accumulated seconds spent mounting each tool.")
	heaterActive := reg.Gauge("ktcc_heater_active_seconds",
		"Accumulated seconds each tool's heater has run at active temperature.")
	heaterStandby := reg.Gauge("ktcc_heater_standby_seconds",
		"Accumulated seconds each tool's heater has run at standby temperature.")

	return reg.Handler(func() {
		stats := lock.Stats()
		current.Set(nil, float64(lock.CurrentTool()))
		locks.Set(nil, float64(stats.Global("total_toollocks")))
		unlocks.Set(nil, float64(stats.Global("total_toolunlocks")))
		for _, id := range lock.ToolIDs() {
			snap := stats.Tool(id)
			labels := metrics.Labels{"tool": strconv.Itoa(id)}
			mounts.Set(labels, float64(snap.Counters["toolmounts_completed"]))
			unmounts.Set(labels, float64(snap.Counters["toolunmounts_completed"]))
			selected.Set(labels, snap.TimeSelected)
			mounting.Set(labels, snap.TimeSpentMounting)
			heaterActive.Set(labels, snap.TimeHeaterActive)
			heaterStandby.Set(labels, snap.TimeHeaterStandby)
		}
	})
}
