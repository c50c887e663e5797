// Package serverstatus reports host resource usage for the status endpoint.
package serverstatus

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// GetSystemInfo returns CPU, memory and disk usage percentages plus the
// host uptime in seconds.
func GetSystemInfo() (CPU float64, Mem float64, Disk float64, Uptime uint64, err error) {
	upTime, err := host.Uptime()
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("get uptime failed: %s", err)
	}

	cpuPercent, err := cpu.Percent(0, false)
	// The first call after boot may have no sample yet.
	if err == nil && len(cpuPercent) > 0 {
		CPU = cpuPercent[0]
	}

	memUsage, err := mem.VirtualMemory()
	if err != nil {
		return CPU, 0, 0, upTime, fmt.Errorf("get memory usage failed: %s", err)
	}

	diskUsage, err := disk.Usage("/")
	if err != nil {
		return CPU, memUsage.UsedPercent, 0, upTime, fmt.Errorf("get disk usage failed: %s", err)
	}

	return CPU, memUsage.UsedPercent, diskUsage.UsedPercent, upTime, nil
}
