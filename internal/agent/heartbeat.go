package agent

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/danmuck/streampush/internal/protocol/session"
	"github.com/danmuck/streampush/internal/signal"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// cpuSampler turns cumulative process CPU time into a percentage of one
// core over the interval since the previous sample.
type cpuSampler struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

func newCPUSampler() *cpuSampler {
	cpu, _ := processCPUTime()
	return &cpuSampler{lastCPU: cpu, lastWall: time.Now()}
}

func (c *cpuSampler) sample(now time.Time) float64 {
	cpu, ok := processCPUTime()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := now.Sub(c.lastWall)
	used := cpu - c.lastCPU
	c.lastCPU, c.lastWall = cpu, now
	if wall <= 0 || used < 0 {
		return 0
	}
	return float64(used) / float64(wall) * 100
}

func memoryMiB() (float64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Alloc) / (1 << 20), ms.Alloc
}

// metrics builds the heartbeat payload for the current process.
func (a *Agent) metrics(cpu *cpuSampler) signal.Metrics {
	usageCPU := 0.0
	if cpu != nil {
		usageCPU = cpu.sample(time.Now())
	}
	mem, _ := memoryMiB()
	return signal.NewMetrics(usageCPU, mem, time.Since(a.started), a.lastRTTMillis())
}

// heartbeatLoop sends metrics every HeartbeatInterval and latency probes
// every ProbeInterval while a session is connected.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var probeC <-chan time.Time
	if a.cfg.ProbeInterval > 0 {
		probe := time.NewTicker(a.cfg.ProbeInterval)
		defer probe.Stop()
		probeC = probe.C
	}

	cpu := newCPUSampler()
	// Queue-full warnings are limited to one per six heartbeats.
	warn := rate.NewLimiter(rate.Every(a.cfg.HeartbeatInterval*6), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if a.Session() == nil {
				continue
			}
			msg := a.metrics(cpu)
			err := a.Send(msg)
			a.logSendResult(err, "metrics", warn)
			if err == nil {
				_, alloc := memoryMiB()
				a.logger.Debug().
					Float64("cpu_pct", msg.UsageCPU).
					Str("alloc", humanize.IBytes(alloc)).
					Uint64("uptime_s", msg.Uptime).
					Float64("rtt_ms", msg.PipelineLatency).
					Msg("agent.heartbeat")
			}
		case <-probeC:
			if a.Session() == nil {
				continue
			}
			a.logSendResult(a.Probe(), "latency_probe", warn)
		}
	}
}

func (a *Agent) logSendResult(err error, kind string, warn *rate.Limiter) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrQueueFull):
		if warn.Allow() {
			a.logger.Warn().Err(err).Str("kind", kind).Msg("outbound queue full, heartbeat dropped")
		}
	case errors.Is(err, ErrNotConnected), errors.Is(err, session.ErrNotRunning):
		a.logger.Debug().Err(err).Str("kind", kind).Msg("heartbeat skipped, session not running")
	default:
		a.logger.Error().Err(err).Str("kind", kind).Msg("heartbeat send failed")
	}
}
