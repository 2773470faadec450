//go:build !linux

package sidecar

import "github.com/devmux/devmux/pkg/protocol"

// MetricsCollector is a no-op outside Linux; heartbeats omit metrics and
// stats requests report the platform as unsupported.
type MetricsCollector struct {
	workDir string
}

func NewMetricsCollector(workDir string) *MetricsCollector {
	return &MetricsCollector{workDir: workDir}
}

func (m *MetricsCollector) Collect() *protocol.HeartbeatMetrics {
	return nil
}
