// Package integration provides end-to-end tests for the devmux hub: real HTTP
// server, real WebSockets, real sidecar agents, SQLite store, in-memory bus.
package integration

import (
	"context"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/agent/relay"
	"github.com/devmux/devmux/internal/broadcast"
	"github.com/devmux/devmux/internal/common/config"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/db"
	"github.com/devmux/devmux/internal/events/bus"
	gateways "github.com/devmux/devmux/internal/gateway/websocket"
	"github.com/devmux/devmux/internal/sidecar"
	"github.com/devmux/devmux/internal/tabs"
	"github.com/devmux/devmux/internal/workspace"
	wscontroller "github.com/devmux/devmux/internal/workspace/controller"
	wshandlers "github.com/devmux/devmux/internal/workspace/handlers"
)

// TestServer boots the hub the way cmd/devmux does, minus the container
// backend: SQLite store, in-memory event bus, gateway, REST routes.
type TestServer struct {
	Server      *httptest.Server
	Gateway     *gateways.Gateway
	Store       workspace.Store
	Registry    *registry.Registry
	Relay       *relay.Relay
	Tabs        *tabs.Manager
	EventBus    bus.EventBus
	Broadcaster *broadcast.Broadcaster
	Config      *config.Config
	Logger      *logger.Logger

	pool    *db.Pool
	startup *workspace.StartupTracker
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTestServer creates a running hub on an ephemeral port.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	cfg := &config.Config{
		Agent: config.AgentConfig{
			HeartbeatInterval: 1,
			OperationTimeout:  5,
			StatsTimeout:      2,
		},
		Auth: config.AuthConfig{DevToken: "test-token"},
	}

	eventBus := bus.NewMemoryEventBus(log)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	store, err := workspace.NewStore(pool)
	require.NoError(t, err)

	broadcaster := broadcast.New(eventBus, log)
	startup := workspace.NewStartupTracker()
	agentRegistry := registry.New(store, broadcaster, startup, "", log)
	opRelay := relay.New(log)
	tabManager := tabs.NewManager(agentRegistry, log)

	gateway := gateways.NewGateway(gateways.Deps{
		Config:      cfg,
		Registry:    agentRegistry,
		Relay:       opRelay,
		Tabs:        tabManager,
		Store:       store,
		Backend:     nil,
		Startup:     startup,
		Broadcaster: broadcaster,
		Logger:      log,
	})
	go gateway.Hub.Run(ctx)

	_, err = gateways.RegisterWorkspaceStreamNotifications(ctx, eventBus, gateway.Hub, log)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gateway.SetupRoutes(router)

	ctrl := wscontroller.New(store, agentRegistry, nil, startup, broadcaster, "", log)
	wshandlers.RegisterRoutes(router, ctrl, log)

	server := httptest.NewServer(router)

	return &TestServer{
		Server:      server,
		Gateway:     gateway,
		Store:       store,
		Registry:    agentRegistry,
		Relay:       opRelay,
		Tabs:        tabManager,
		EventBus:    eventBus,
		Broadcaster: broadcaster,
		Config:      cfg,
		Logger:      log,
		pool:        pool,
		startup:     startup,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close shuts down the test server and all hub components.
func (ts *TestServer) Close() {
	ts.cancel()
	ts.Server.Close()
	ts.Registry.Shutdown()
	ts.startup.Stop()
	ts.EventBus.Close()
	ts.pool.Close()
}

// AgentWSURL returns the agent WebSocket endpoint for this server.
func (ts *TestServer) AgentWSURL() string {
	return "ws" + strings.TrimPrefix(ts.Server.URL, "http") + "/ws/agent"
}

// StartAgent runs a real sidecar agent against the hub. The returned stop
// function severs the connection; cleanup also runs it at test end.
func (ts *TestServer) StartAgent(t *testing.T, workspaceID, token, workDir string) (agent *sidecar.Agent, stop func()) {
	t.Helper()
	if workDir == "" {
		workDir = t.TempDir()
	}
	cfg := &sidecar.Config{
		HubURL:            ts.AgentWSURL(),
		WorkspaceID:       workspaceID,
		Token:             token,
		WorkDir:           workDir,
		HeartbeatInterval: 200 * time.Millisecond,
		LogLevel:          "error",
		LogFormat:         "console",
	}
	agent = sidecar.New(cfg, ts.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = agent.Run(ctx) }()

	var once bool
	stop = func() {
		if once {
			return
		}
		once = true
		cancel()
		agent.Shutdown()
	}
	t.Cleanup(stop)
	return agent, stop
}

// WaitForAgent blocks until the workspace's agent registers.
func (ts *TestServer) WaitForAgent(t *testing.T, workspaceID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ts.Registry.HasAgent(workspaceID) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("agent did not register in time")
}

// WaitForAgentGone blocks until the workspace's agent is unregistered.
func (ts *TestServer) WaitForAgentGone(t *testing.T, workspaceID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !ts.Registry.HasAgent(workspaceID) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("agent connection was not released in time")
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "commit", "--allow-empty", "-m", "initial commit")
	return dir
}
