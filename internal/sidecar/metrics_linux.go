//go:build linux

package sidecar

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/devmux/devmux/pkg/protocol"
)

// cpuReading captures cumulative CPU time from /proc/stat for delta
// computation. The first line aggregates all CPUs:
//
//	cpu  user nice system idle iowait irq softirq steal guest guest_nice
//
// busy = user + nice + system + irq + softirq + steal
// idle = idle + iowait
type cpuReading struct {
	busy uint64
	idle uint64
}

// MetricsCollector samples host CPU, memory, and disk usage for heartbeats
// and stats requests. CPU utilization is a delta between successive samples,
// so the first Collect after startup reports 0%.
type MetricsCollector struct {
	workDir string

	mu   sync.Mutex
	prev *cpuReading
}

func NewMetricsCollector(workDir string) *MetricsCollector {
	return &MetricsCollector{workDir: workDir}
}

// Collect returns a point-in-time host metrics sample. Individual metrics
// that cannot be read report zero rather than failing the whole sample.
func (m *MetricsCollector) Collect() *protocol.HeartbeatMetrics {
	metrics := &protocol.HeartbeatMetrics{}

	m.mu.Lock()
	current := readCPUStatsFrom("/proc/stat")
	metrics.CPUPercent = cpuPercent(m.prev, current)
	m.prev = current
	m.mu.Unlock()

	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err == nil {
		total := uint64(info.Totalram) * uint64(info.Unit)
		free := uint64(info.Freeram) * uint64(info.Unit)
		metrics.MemoryTotal = total
		if total > free {
			metrics.MemoryUsed = total - free
		}
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(m.workDir, &fs); err == nil {
		bsize := uint64(fs.Bsize)
		total := fs.Blocks * bsize
		avail := fs.Bavail * bsize
		metrics.DiskTotal = total
		if total > avail {
			metrics.DiskUsed = total - avail
		}
	}

	return metrics
}

// readCPUStatsFrom parses the first line of a /proc/stat-format file.
// Returns nil on any parse failure; the caller treats nil as "no reading".
func readCPUStatsFrom(path string) *cpuReading {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}

	values := make([]uint64, len(fields)-1)
	for i := 1; i < len(fields); i++ {
		parsed, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil
		}
		values[i-1] = parsed
	}

	// 0=user 1=nice 2=system 3=idle 4=iowait 5=irq 6=softirq 7=steal
	return &cpuReading{
		busy: values[0] + values[1] + values[2] + values[5] + values[6] + values[7],
		idle: values[3] + values[4],
	}
}

// cpuPercent computes utilization from two sequential readings. Returns 0 if
// either reading is missing or no time has passed between them.
func cpuPercent(previous, current *cpuReading) float64 {
	if previous == nil || current == nil {
		return 0
	}
	busyDelta := current.busy - previous.busy
	idleDelta := current.idle - previous.idle
	totalDelta := busyDelta + idleDelta
	if totalDelta == 0 {
		return 0
	}
	return float64(busyDelta) / float64(totalDelta) * 100
}
