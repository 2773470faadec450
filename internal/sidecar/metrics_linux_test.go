//go:build linux

package sidecar

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCPUPercentDelta(t *testing.T) {
	tests := []struct {
		name     string
		previous *cpuReading
		current  *cpuReading
		expected float64
	}{
		{
			name:     "50 percent utilization",
			previous: &cpuReading{busy: 100, idle: 100},
			current:  &cpuReading{busy: 200, idle: 200},
			expected: 50,
		},
		{
			name:     "100 percent utilization",
			previous: &cpuReading{busy: 100, idle: 100},
			current:  &cpuReading{busy: 200, idle: 100},
			expected: 100,
		},
		{
			name:     "0 percent utilization",
			previous: &cpuReading{busy: 100, idle: 100},
			current:  &cpuReading{busy: 100, idle: 200},
			expected: 0,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := cpuPercent(test.previous, test.current)
			if got != test.expected {
				t.Errorf("cpuPercent() = %f, want %f", got, test.expected)
			}
		})
	}
}

func TestCPUPercentNilInputs(t *testing.T) {
	current := &cpuReading{busy: 100, idle: 100}

	if got := cpuPercent(nil, current); got != 0 {
		t.Errorf("cpuPercent(nil, current) = %f, want 0", got)
	}
	if got := cpuPercent(current, nil); got != 0 {
		t.Errorf("cpuPercent(current, nil) = %f, want 0", got)
	}
}

func TestCPUPercentZeroDelta(t *testing.T) {
	reading := &cpuReading{busy: 100, idle: 100}
	if got := cpuPercent(reading, reading); got != 0 {
		t.Errorf("cpuPercent with identical readings = %f, want 0", got)
	}
}

func TestReadCPUStatsFromSyntheticFile(t *testing.T) {
	statPath := filepath.Join(t.TempDir(), "stat")

	// Realistic /proc/stat content; the first line aggregates all CPUs.
	content := "cpu  851491738 26345625 738865283 5623198410 28471623 0 15284567 2345678 0 0\n" +
		"cpu0 106436467 3293203 92358160 702899801 3558952 0 1910570 293209 0 0\n"
	if err := os.WriteFile(statPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reading := readCPUStatsFrom(statPath)
	if reading == nil {
		t.Fatal("readCPUStatsFrom returned nil for valid content")
	}

	expectedBusy := uint64(851491738 + 26345625 + 738865283 + 0 + 15284567 + 2345678)
	expectedIdle := uint64(5623198410 + 28471623)
	if reading.busy != expectedBusy {
		t.Errorf("busy = %d, want %d", reading.busy, expectedBusy)
	}
	if reading.idle != expectedIdle {
		t.Errorf("idle = %d, want %d", reading.idle, expectedIdle)
	}
}

func TestReadCPUStatsFromMalformedFile(t *testing.T) {
	directory := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"wrong label", "mem  123 456 789 0 0 0 0 0\n"},
		{"too few fields", "cpu  123 456\n"},
		{"non-numeric field", "cpu  123 abc 789 0 0 0 0 0\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			statPath := filepath.Join(directory, test.name+".stat")
			if err := os.WriteFile(statPath, []byte(test.content), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if reading := readCPUStatsFrom(statPath); reading != nil {
				t.Errorf("expected nil for malformed input, got %+v", reading)
			}
		})
	}
}

func TestReadCPUStatsFromMissingFile(t *testing.T) {
	if reading := readCPUStatsFrom("/nonexistent/proc/stat"); reading != nil {
		t.Errorf("expected nil for missing file, got %+v", reading)
	}
}

func TestCollectLiveSystem(t *testing.T) {
	collector := NewMetricsCollector(t.TempDir())

	first := collector.Collect()
	if first == nil {
		t.Fatal("Collect returned nil on Linux")
	}
	// The first sample has no previous reading to delta against.
	if first.CPUPercent != 0 {
		t.Errorf("first CPUPercent = %f, want 0", first.CPUPercent)
	}
	if first.MemoryTotal == 0 {
		t.Error("expected non-zero MemoryTotal")
	}
	if first.DiskTotal == 0 {
		t.Error("expected non-zero DiskTotal")
	}
	if first.MemoryUsed > first.MemoryTotal {
		t.Errorf("MemoryUsed %d exceeds MemoryTotal %d", first.MemoryUsed, first.MemoryTotal)
	}
	if first.DiskUsed > first.DiskTotal {
		t.Errorf("DiskUsed %d exceeds DiskTotal %d", first.DiskUsed, first.DiskTotal)
	}

	second := collector.Collect()
	if second.CPUPercent < 0 || second.CPUPercent > 100 {
		t.Errorf("CPUPercent = %f, want within [0, 100]", second.CPUPercent)
	}
}
