// Package resourceguard provides a soft pressure signal the Pool Manager
// logs when it rejects a new Session at the cap. It never rejects on its own;
// only the max-connections cap is a hard limit. Its one responsibility is
// to observe and log, never gate.
package resourceguard

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds above which the background sampler logs a warning. Neither
// ever blocks admission by itself.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
}

// DefaultThresholds is a conservative logging-only pressure threshold,
// never a rejection one.
var DefaultThresholds = Thresholds{CPUPercent: 85, MemoryPercent: 85}

// Guard samples CPU/memory/goroutine pressure on a timer and exposes the
// latest snapshot. Safe for concurrent use; a nil *Guard is a valid,
// always-calm guard so callers that construct without one don't need a
// nil check at every call site.
type Guard struct {
	thresholds Thresholds
	logger     zerolog.Logger

	cpuPercent atomic.Value // float64
	memPercent atomic.Value // float64
}

// New creates a Guard. Call Start to begin periodic sampling.
func New(thresholds Thresholds, logger zerolog.Logger) *Guard {
	g := &Guard{thresholds: thresholds, logger: logger.With().Str("component", "resourceguard").Logger()}
	g.cpuPercent.Store(0.0)
	g.memPercent.Store(0.0)
	return g
}

// Start launches a background sampler at the given interval. Call the
// returned stop function to halt it.
func (g *Guard) Start(interval time.Duration) (stop func()) {
	if g == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (g *Guard) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.cpuPercent.Store(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.memPercent.Store(vm.UsedPercent)
	}

	cpuPct := g.cpuPercent.Load().(float64)
	memPct := g.memPercent.Load().(float64)

	if cpuPct > g.thresholds.CPUPercent {
		g.logger.Warn().Float64("cpu_percent", cpuPct).Msg("cpu pressure above soft threshold")
	}
	if memPct > g.thresholds.MemoryPercent {
		g.logger.Warn().Float64("memory_percent", memPct).Msg("memory pressure above soft threshold")
	}
}

// Pressure reports the most recent sample and the number of live
// goroutines. It is advisory only — the Pool Manager may log it
// alongside an admission decision but must never let it override the
// max-connections cap.
func (g *Guard) Pressure() (cpuPercent, memPercent float64, goroutines int) {
	goroutines = runtime.NumGoroutine()
	if g == nil {
		return 0, 0, goroutines
	}
	return g.cpuPercent.Load().(float64), g.memPercent.Load().(float64), goroutines
}
