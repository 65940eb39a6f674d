// Package procstats polls the gateway's own process resource usage, for
// export alongside job metrics.
package procstats

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is one sample of process resource usage.
type Stats struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Poller samples the current process's CPU and memory usage on an interval.
type Poller struct {
	proc     *process.Process
	interval time.Duration
}

// NewPoller builds a Poller for the running process.
func NewPoller(interval time.Duration) (*Poller, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Poller{proc: proc, interval: interval}, nil
}

// Sample takes one immediate reading.
func (p *Poller) Sample(ctx context.Context) (Stats, error) {
	cpuPct, err := p.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	memInfo, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{CPUPercent: cpuPct, RSSBytes: memInfo.RSS}, nil
}

// Run samples on an interval until ctx is cancelled, invoking report with
// each successful sample. Sample errors are swallowed: a transient failure
// to read /proc should not take down the poller loop.
func (p *Poller) Run(ctx context.Context, report func(Stats)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s, err := p.Sample(ctx); err == nil {
				report(s)
			}
		}
	}
}
