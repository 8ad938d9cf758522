// Package orchestrator implements the Resource Orchestrator (C11): static
// device pinning for the Embedder, Reranker, and LLM pool, device telemetry,
// and the collapse policy for small device counts (spec.md §4.9).
//
// Replaces the teacher's internal/hostinfo package (which depended on
// github.com/jaypipes/ghw, unavailable in this module's dependency set):
// device/memory telemetry here is read via github.com/shirou/gopsutil/v4,
// following the gopsutil cpu/mem call shape used in the examples pack's
// vasic-digital-SuperAgent/internal/background/resource_monitor.go.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Role is one of the three task classes the orchestrator pins to devices.
type Role string

const (
	RoleEmbedder Role = "embedder"
	RoleReranker Role = "reranker"
	RoleLLM      Role = "llm"
)

// Unloadable is satisfied by any component whose accelerator state the
// orchestrator must flush before handing its device to another task.
type Unloadable interface {
	Unload()
}

// Plan is the static device assignment computed from the discovered device
// count G, per spec §4.9:
//
//	G >= 3: device 0 -> embedder, device 1 -> reranker, devices 2..G-1 -> LLM pool (round robin).
//	G == 2: device 0 -> embedder, device 1 shared by reranker and LLM pool.
//	G == 1 (or 0, CPU-only): everything collapses onto device 0.
type Plan struct {
	DeviceCount  int
	EmbedderDev  int
	RerankerDev  int
	LLMDevices   []int
	Collapsed    bool // true when any two roles share a device
}

// BuildPlan computes the static pinning for a discovered device count.
func BuildPlan(deviceCount int) Plan {
	switch {
	case deviceCount >= 3:
		llm := make([]int, 0, deviceCount-2)
		for d := 2; d < deviceCount; d++ {
			llm = append(llm, d)
		}
		return Plan{DeviceCount: deviceCount, EmbedderDev: 0, RerankerDev: 1, LLMDevices: llm}
	case deviceCount == 2:
		return Plan{DeviceCount: deviceCount, EmbedderDev: 0, RerankerDev: 1, LLMDevices: []int{1}, Collapsed: true}
	default:
		return Plan{DeviceCount: deviceCount, EmbedderDev: 0, RerankerDev: 0, LLMDevices: []int{0}, Collapsed: true}
	}
}

// roundRobin hands out the LLM pool's assigned devices in rotation; see
// Plan.LLMRotation.
type roundRobin struct {
	mu   sync.Mutex
	devs []int
	next int
}

func (p Plan) LLMRotation() *roundRobin {
	return &roundRobin{devs: p.LLMDevices}
}

func (r *roundRobin) Next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devs[r.next%len(r.devs)]
	r.next++
	return d
}

// Orchestrator enforces exclusive access to a shared (collapsed) device: a
// task switch on that device must unload the prior occupant before the new
// one runs, per spec §4.9's "unload + cache flush on task switch" rule.
type Orchestrator struct {
	Plan Plan

	mu       sync.Mutex
	occupant map[int]Role
	residents map[Role]Unloadable
}

func New(plan Plan) *Orchestrator {
	return &Orchestrator{Plan: plan, occupant: make(map[int]Role), residents: make(map[Role]Unloadable)}
}

// Register associates a role with the component whose Unload() releases its
// device memory, so AcquireDevice can evict it on a task switch.
func (o *Orchestrator) Register(role Role, component Unloadable) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.residents[role] = component
}

// AcquireDevice ensures device is free for role, unloading whatever
// previously occupied it if the device is shared and held by a different
// role (spec §4.9: never run the reranker and an embed call concurrently on
// the same device).
func (o *Orchestrator) AcquireDevice(ctx context.Context, device int, role Role) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	prior, occupied := o.occupant[device]
	if occupied && prior != role {
		if comp, ok := o.residents[prior]; ok {
			comp.Unload()
		}
	}
	o.occupant[device] = role
	return nil
}

// DeviceFor returns the pinned device index for a role.
func (p Plan) DeviceFor(role Role) int {
	switch role {
	case RoleEmbedder:
		return p.EmbedderDev
	case RoleReranker:
		return p.RerankerDev
	default:
		if len(p.LLMDevices) == 0 {
			return 0
		}
		return p.LLMDevices[0]
	}
}

// Telemetry is a snapshot of host-wide CPU and memory usage. It carries no
// per-device accelerator state, and neither BuildPlan nor /health reads it.
type Telemetry struct {
	CPUPercent    float64
	CPUCores      int
	MemoryTotal   uint64
	MemoryUsedPct float64
}

// ReadTelemetry samples current CPU and memory usage via gopsutil.
func ReadTelemetry(ctx context.Context) (Telemetry, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Telemetry{}, fmt.Errorf("orchestrator: cpu percent: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Telemetry{}, fmt.Errorf("orchestrator: cpu counts: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Telemetry{}, fmt.Errorf("orchestrator: virtual memory: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return Telemetry{CPUPercent: cpuPct, CPUCores: cores, MemoryTotal: vm.Total, MemoryUsedPct: vm.UsedPercent}, nil
}
