package proxy

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// requestCounters is a process-lifetime tally of requests served, with
// those answered with a 5xx status counted as failed.
type requestCounters struct {
	total   atomic.Int64
	failed  atomic.Int64
	started time.Time
}

var counters = requestCounters{started: time.Now()}

// countRequest is called once per finished request from the logging
// middleware in server.go.
func countRequest(failed bool) {
	counters.total.Add(1)
	if failed {
		counters.failed.Add(1)
	}
}

// HealthHandler reports process uptime, request counts, and host resource
// stats, distinct from HeartbeatHandler's bare "Ollama is running" string:
// this is an operability endpoint for the proxy itself, not an
// Ollama-compatibility one.
func (h *Handlers) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := gin.H{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(counters.started).Seconds()),
		"requests_total":  counters.total.Load(),
		"requests_failed": counters.failed.Load(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		resp["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp["memory_used_percent"] = vm.UsedPercent
		resp["memory_total_bytes"] = vm.Total
	}

	if _, perr := h.resolver.GetAvailableModels(ctx); perr != nil {
		resp["status"] = "degraded"
		resp["backend_error"] = perr.Message
		c.JSON(http.StatusOK, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}
