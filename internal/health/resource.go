package health

import (
	"context"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

type ResourceUsage struct {
	MemoryTotalMB  float64 `json:"memoryTotalMb"`
	MemoryUsedMB   float64 `json:"memoryUsedMb"`
	MemoryPercent  float64 `json:"memoryPercent"`
	GatewayRSSMB   float64 `json:"gatewayRssMb,omitempty"`
	GatewayThreads int32   `json:"gatewayThreads,omitempty"`
	GatewayCPUPct  float64 `json:"gatewayCpuPercent,omitempty"`
	GatewaySampled bool    `json:"gatewaySampled"`
}

// Sampler reads host memory and, when pid > 0, the gateway's footprint.
type Sampler interface {
	Sample(ctx context.Context, pid int) (*ResourceUsage, error)
}

type GopsutilSampler struct{}

const mb = 1024 * 1024

func (GopsutilSampler) Sample(ctx context.Context, pid int) (*ResourceUsage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	u := &ResourceUsage{
		MemoryTotalMB: float64(vm.Total) / mb,
		MemoryUsedMB:  float64(vm.Used) / mb,
		MemoryPercent: vm.UsedPercent,
	}
	if pid <= 0 {
		return u, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	u.GatewayRSSMB = float64(mi.RSS) / mb
	u.GatewaySampled = true
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.GatewayThreads = n
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		u.GatewayCPUPct = pct
	}
	return u, nil
}
