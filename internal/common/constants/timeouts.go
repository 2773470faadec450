// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// DefaultOperationTimeout is the maximum time to wait for a correlated
	// agent operation (git, docker, file upload) to produce a response.
	DefaultOperationTimeout = 30 * time.Second

	// StatsOperationTimeout is the maximum time to wait for a stats poll.
	// Shorter than the default because stats requests are issued repeatedly
	// and a stale answer is worthless.
	StatsOperationTimeout = 10 * time.Second

	// ContainerSyncInterval is how often the reconciler polls the container
	// backend for out-of-band state changes.
	ContainerSyncInterval = 30 * time.Second

	// ContainerStartTimeout is the maximum time to wait for a container
	// auto-start attempt before failing a tab attach.
	ContainerStartTimeout = 60 * time.Second

	// ContainerStopTimeout bounds an explicit container stop request.
	ContainerStopTimeout = 30 * time.Second

	// StartupProgressClearDelay is how long a ready startup-progress record
	// lingers so clients observe the terminal state before it disappears.
	StartupProgressClearDelay = 5 * time.Second

	// StorageWriteTimeout bounds detached persistence writes that mirror
	// connection state (register, heartbeat, unregister).
	StorageWriteTimeout = 5 * time.Second
)
