package relay

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type resourcePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
}

type resourceSnapshot struct {
	Current resourcePoint   `json:"current"`
	History []resourcePoint `json:"history,omitempty"`
}

// resourceTracker samples the relay process on a fixed interval and keeps
// a bounded history for /status.json.
type resourceTracker struct {
	proc     *process.Process
	interval time.Duration
	maxItems int

	mu      sync.RWMutex
	samples []resourcePoint
	current resourcePoint
}

// newResourceTracker returns nil when the process cannot be inspected; the
// nil tracker reports empty snapshots.
func newResourceTracker(interval time.Duration, maxItems int) *resourceTracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &resourceTracker{proc: p, interval: interval, maxItems: maxItems}
}

func (r *resourceTracker) start(ctx context.Context) {
	if r == nil {
		return
	}
	r.sample(ctx)
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
}

func (r *resourceTracker) sample(ctx context.Context) {
	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	var rss uint64
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss = mem.RSS
	}
	point := resourcePoint{
		Timestamp:  time.Now(),
		CPUPercent: cpu,
		RSSBytes:   rss,
		Goroutines: runtime.NumGoroutine(),
	}

	r.mu.Lock()
	r.current = point
	r.samples = append(r.samples, point)
	if len(r.samples) > r.maxItems {
		r.samples = r.samples[len(r.samples)-r.maxItems:]
	}
	r.mu.Unlock()
}

// snapshot returns the latest sample and up to limit recent ones.
func (r *resourceTracker) snapshot(limit int) resourceSnapshot {
	if r == nil {
		return resourceSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	samples := r.samples
	if limit >= 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	history := make([]resourcePoint, len(samples))
	copy(history, samples)
	return resourceSnapshot{Current: r.current, History: history}
}
