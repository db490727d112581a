// Package hostprobe reports host RAM and GPU VRAM so memory budgets can be
// derived when they are not configured.
package hostprobe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const mib = 1 << 20

// GPU is one device reported by nvidia-smi.
type GPU struct {
	Index     int
	Name      string
	VRAMTotal uint64
	VRAMFree  uint64
	Driver    string
}

// Host is a point-in-time view of host memory.
type Host struct {
	RAMTotal     uint64
	RAMAvailable uint64
	SwapTotal    uint64
	SwapFree     uint64
	GPUs         []GPU
	// GPUError is set when GPU discovery failed; RAM fields are still valid.
	GPUError error `json:"-"`
}

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ErrNoGPU is reported when nvidia-smi is unavailable or lists no devices.
var ErrNoGPU = errors.New("no NVIDIA GPU detected")

var smiArgs = []string{
	"--query-gpu=name,memory.total,memory.free,driver_version",
	"--format=csv,noheader,nounits",
}

// Prober collects Host data.
type Prober struct {
	Run     Runner
	Timeout time.Duration
	// Memory overrides the RAM source; defaults to gopsutil.
	Memory func(ctx context.Context) (total, available, swapTotal, swapFree uint64, err error)
}

// New returns a Prober using nvidia-smi and gopsutil.
func New() *Prober {
	return &Prober{Run: ExecRunner, Timeout: 5 * time.Second, Memory: systemMemory}
}

func systemMemory(ctx context.Context) (uint64, uint64, uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	var st, sf uint64
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		st, sf = sw.Total, sw.Free
	}
	return vm.Total, vm.Available, st, sf, nil
}

// Probe reads RAM and GPU state. Only a RAM failure is returned as an error.
func (p *Prober) Probe(ctx context.Context) (Host, error) {
	var h Host
	memFn := p.Memory
	if memFn == nil {
		memFn = systemMemory
	}
	var err error
	h.RAMTotal, h.RAMAvailable, h.SwapTotal, h.SwapFree, err = memFn(ctx)
	if err != nil {
		return h, err
	}
	h.GPUs, h.GPUError = p.gpus(ctx)
	return h, nil
}

func (p *Prober) gpus(ctx context.Context) ([]GPU, error) {
	run := p.Run
	if run == nil {
		run = ExecRunner
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := run(ctx, "nvidia-smi", smiArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGPU, err)
	}
	gpus, err := ParseNvidiaSMI(out)
	if err != nil {
		return nil, err
	}
	if len(gpus) == 0 {
		return nil, ErrNoGPU
	}
	return gpus, nil
}

// ParseNvidiaSMI parses `nvidia-smi --query-gpu=name,memory.total,memory.free,driver_version
// --format=csv,noheader,nounits` output. Memory values are MiB.
func ParseNvidiaSMI(out []byte) ([]GPU, error) {
	var gpus []GPU
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			return nil, fmt.Errorf("nvidia-smi: unexpected line %q", line)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		total, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: memory.total %q: %w", parts[1], err)
		}
		free, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi: memory.free %q: %w", parts[2], err)
		}
		gpus = append(gpus, GPU{Index: len(gpus), Name: parts[0], VRAMTotal: total * mib, VRAMFree: free * mib, Driver: parts[3]})
	}
	return gpus, sc.Err()
}

// VRAMTotal sums total VRAM over all GPUs.
func (h Host) VRAMTotal() uint64 {
	var n uint64
	for _, g := range h.GPUs {
		n += g.VRAMTotal
	}
	return n
}

// VRAMFree sums free VRAM over all GPUs.
func (h Host) VRAMFree() uint64 {
	var n uint64
	for _, g := range h.GPUs {
		n += g.VRAMFree
	}
	return n
}

// Budgets derives ledger budgets from currently free memory minus safety margins.
func (h Host) Budgets(vramMargin, ramMargin uint64) (vram, ram uint64) {
	return sub(h.VRAMFree(), vramMargin), sub(h.RAMAvailable, ramMargin)
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
