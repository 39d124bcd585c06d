// Package sysinfo collects host metrics attached to result reports.
// Every probe degrades to zero values; a worker on a stripped-down
// host must still be able to report results.
package sysinfo

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Describe returns the worker's static self-description (vm_info).
func Describe(vmID string) map[string]any {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	exe, _ := os.Executable()
	return map[string]any{
		"hostname":          hostname,
		"platform":          runtime.GOOS,
		"architecture":      runtime.GOARCH,
		"runtime_version":   runtime.Version(),
		"executable":        exe,
		"vm_id":             vmID,
		"working_directory": wd,
		"user":              username,
	}
}

// Collect gathers point-in-time metrics. Individual probe failures
// leave zeroed sections rather than failing the collection.
func Collect(ctx context.Context) map[string]any {
	return map[string]any{
		"cpu":    cpuMetrics(ctx),
		"memory": memoryMetrics(ctx),
		"gpu":    gpuMetrics(ctx),
		"disk":   diskMetrics(ctx),
		"system": systemMetrics(ctx),
	}
}

func cpuMetrics(ctx context.Context) map[string]any {
	out := map[string]any{
		"usage": 0.0, "threads": 0, "frequency": 0.0, "model": "", "temperature": 0.0,
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out["usage"] = pcts[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out["threads"] = n
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		out["frequency"] = infos[0].Mhz
		out["model"] = infos[0].ModelName
	}
	out["temperature"] = cpuTemperature()
	return out
}

func memoryMetrics(ctx context.Context) map[string]any {
	out := map[string]any{"total": 0.0, "available": 0.0, "used": 0.0, "usage_percent": 0.0}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out
	}
	out["total"] = toGB(vm.Total)
	out["available"] = toGB(vm.Available)
	out["used"] = toGB(vm.Used)
	out["usage_percent"] = vm.UsedPercent
	return out
}

func diskMetrics(ctx context.Context) map[string]any {
	out := map[string]any{"total": 0.0, "free": 0.0, "used": 0.0, "usage_percent": 0.0}
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return out
	}
	out["total"] = toGB(du.Total)
	out["free"] = toGB(du.Free)
	out["used"] = toGB(du.Used)
	out["usage_percent"] = du.UsedPercent
	return out
}

func systemMetrics(ctx context.Context) map[string]any {
	hostname, _ := os.Hostname()
	out := map[string]any{
		"platform":     runtime.GOOS,
		"architecture": runtime.GOARCH,
		"uptime":       0.0,
		"load_average": []float64{0, 0, 0},
		"hostname":     hostname,
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		out["uptime"] = float64(up)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out["load_average"] = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return out
}

// gpuMetrics shells out to nvidia-smi; hosts without an NVIDIA GPU get
// a zeroed section with detected=false.
func gpuMetrics(ctx context.Context) map[string]any {
	out := map[string]any{
		"name": "", "usage": 0, "memory_used": 0, "memory_total": 0,
		"temperature": 0, "driver_version": "", "detected": false,
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, "nvidia-smi",
		"--query-gpu=name,utilization.gpu,memory.used,memory.total,temperature.gpu,driver_version",
		"--format=csv,noheader,nounits")
	raw, err := cmd.Output()
	if err != nil {
		return out
	}
	line := strings.TrimSpace(strings.SplitN(string(raw), "\n", 2)[0])
	fields := strings.Split(line, ", ")
	if len(fields) < 6 {
		return out
	}
	out["name"] = fields[0]
	out["usage"] = atoiOrZero(fields[1])
	out["memory_used"] = atoiOrZero(fields[2])
	out["memory_total"] = atoiOrZero(fields[3])
	out["temperature"] = atoiOrZero(fields[4])
	out["driver_version"] = fields[5]
	out["detected"] = true
	return out
}

func cpuTemperature() float64 {
	raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0
	}
	if v > 1000 {
		v /= 1000
	}
	return v
}

func toGB(b uint64) float64 {
	return float64(b) / (1 << 30)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
