package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/devmux/devmux/internal/agent/registry"
	"github.com/devmux/devmux/internal/broadcast"
	"github.com/devmux/devmux/internal/common/logger"
	"github.com/devmux/devmux/internal/container"
	"github.com/devmux/devmux/internal/db"
	"github.com/devmux/devmux/internal/events/bus"
	"github.com/devmux/devmux/internal/workspace"
	"github.com/devmux/devmux/internal/workspace/controller"
	"github.com/devmux/devmux/internal/workspace/dto"
	"github.com/devmux/devmux/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// stubTransport records messages the registry sends to "the agent".
type stubTransport struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (s *stubTransport) Send(msg *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return true
}

func (s *stubTransport) Close() {}

func (s *stubTransport) lastAction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1].Action
}

// stubBackend flips between running and exited on Start/Stop.
type stubBackend struct {
	mu    sync.Mutex
	state container.Status
	stops int
}

func newStubBackend() *stubBackend {
	return &stubBackend{state: container.Status{ContainerID: "cont-1", State: "exited"}}
}

func (s *stubBackend) Status(ctx context.Context, workspaceID string) (*container.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	return &st, nil
}

func (s *stubBackend) Start(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = container.Status{ContainerID: "cont-1", State: "running", IP: "172.17.0.9"}
	return nil
}

func (s *stubBackend) Stop(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.state = container.Status{ContainerID: "cont-1", State: "exited"}
	return nil
}

func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type apiHarness struct {
	store    workspace.Store
	registry *registry.Registry
	router   *gin.Engine
}

func newAPIHarness(t *testing.T, backend container.Backend) *apiHarness {
	t.Helper()
	log := newTestLogger(t)

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	store, err := workspace.NewStore(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	broadcaster := broadcast.New(eventBus, log)
	startup := workspace.NewStartupTracker()
	t.Cleanup(startup.Stop)

	reg := registry.New(store, broadcaster, startup, "2.0.0", log)
	t.Cleanup(reg.Shutdown)

	ctrl := controller.New(store, reg, backend, startup, broadcaster,
		"https://bundles.devmux.example/agent.tar.gz", log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, ctrl, log)

	return &apiHarness{store: store, registry: reg, router: router}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
}

func (h *apiHarness) seedWorkspace(t *testing.T, name string) *workspace.Workspace {
	t.Helper()
	ws := &workspace.Workspace{Name: name}
	if err := h.store.Create(context.Background(), ws); err != nil {
		t.Fatalf("failed to seed workspace: %v", err)
	}
	return ws
}

func (h *apiHarness) connectAgent(t *testing.T, ws *workspace.Workspace) *stubTransport {
	t.Helper()
	transport := &stubTransport{}
	reply := h.registry.Register(context.Background(), transport, ws.ID, ws.AgentToken, "2.0.0")
	if !reply.Success {
		t.Fatalf("agent registration failed: %+v", reply)
	}
	return transport
}

func TestWorkspaceAPI_CreateAndGet(t *testing.T) {
	h := newAPIHarness(t, nil)

	resp := h.do(t, http.MethodPost, "/api/v1/workspaces", map[string]string{"name": "dev-1"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created dto.CreateWorkspaceResponse
	decodeJSON(t, resp, &created)
	if created.ID == "" || created.Name != "dev-1" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.AgentToken == "" {
		t.Fatal("create response must carry the agent token")
	}
	if created.Container.Status != "none" {
		t.Fatalf("new workspace container status = %q, want none", created.Container.Status)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/workspaces/"+created.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if bytes.Contains(resp.Body.Bytes(), []byte(created.AgentToken)) {
		t.Fatal("agent token must not appear outside the create response")
	}
	var got dto.WorkspaceDTO
	decodeJSON(t, resp, &got)
	if got.Agent.Connected {
		t.Fatal("fresh workspace must not report a connected agent")
	}
}

func TestWorkspaceAPI_CreateValidatesName(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp := h.do(t, http.MethodPost, "/api/v1/workspaces", map[string]string{"name": ""})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestWorkspaceAPI_ListFiltersByName(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.seedWorkspace(t, "alpha")
	h.seedWorkspace(t, "beta")

	resp := h.do(t, http.MethodGet, "/api/v1/workspaces?q=alp", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var list dto.ListWorkspacesResponse
	decodeJSON(t, resp, &list)
	if list.Total != 1 || list.Workspaces[0].Name != "alpha" {
		t.Fatalf("unexpected filtered list: %+v", list)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/workspaces", nil)
	decodeJSON(t, resp, &list)
	if list.Total != 2 {
		t.Fatalf("expected 2 workspaces, got %d", list.Total)
	}
}

func TestWorkspaceAPI_GetMergesLiveAgentState(t *testing.T) {
	h := newAPIHarness(t, nil)
	ws := h.seedWorkspace(t, "dev-1")
	h.connectAgent(t, ws)

	resp := h.do(t, http.MethodGet, "/api/v1/workspaces/"+ws.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got dto.WorkspaceDTO
	decodeJSON(t, resp, &got)
	if !got.Agent.Connected {
		t.Fatal("expected connected agent in response")
	}
	if got.Agent.Version != "2.0.0" {
		t.Fatalf("agent version = %q, want 2.0.0", got.Agent.Version)
	}
	if got.Agent.ConnectedAt == nil {
		t.Fatal("expected connected_at timestamp")
	}
}

func TestWorkspaceAPI_GetUnknown(t *testing.T) {
	h := newAPIHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/api/v1/workspaces/nope", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestWorkspaceAPI_ContainerStartAndStop(t *testing.T) {
	backend := newStubBackend()
	h := newAPIHarness(t, backend)
	ws := h.seedWorkspace(t, "dev-1")

	resp := h.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/container/start", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var started dto.WorkspaceDTO
	decodeJSON(t, resp, &started)
	if started.Container.Status != "running" || started.Container.IP != "172.17.0.9" {
		t.Fatalf("unexpected container state after start: %+v", started.Container)
	}
	if started.StartupProgress == nil || started.StartupProgress.Phase != workspace.PhaseWaitingForAgent {
		t.Fatalf("expected waiting-for-agent progress, got %+v", started.StartupProgress)
	}

	// The mirror columns were written, not just the response.
	stored, err := h.store.Get(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("failed to reload workspace: %v", err)
	}
	if stored.ContainerStatus != "running" || stored.ContainerID != "cont-1" {
		t.Fatalf("mirror not updated: %+v", stored)
	}

	resp = h.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/container/stop", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var stopped dto.WorkspaceDTO
	decodeJSON(t, resp, &stopped)
	if stopped.Container.Status != "exited" {
		t.Fatalf("container status after stop = %q, want exited", stopped.Container.Status)
	}
	if stopped.StartupProgress != nil {
		t.Fatalf("stop must clear startup progress, got %+v", stopped.StartupProgress)
	}
}

func TestWorkspaceAPI_ContainerStartWithoutBackend(t *testing.T) {
	h := newAPIHarness(t, nil)
	ws := h.seedWorkspace(t, "dev-1")

	resp := h.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/container/start", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestWorkspaceAPI_AgentUpdate(t *testing.T) {
	h := newAPIHarness(t, nil)
	ws := h.seedWorkspace(t, "dev-1")

	// Without an agent the request is rejected.
	resp := h.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/agent/update", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 without agent, got %d", resp.Code)
	}

	transport := h.connectAgent(t, ws)
	resp = h.do(t, http.MethodPost, "/api/v1/workspaces/"+ws.ID+"/agent/update",
		map[string]string{"bundle_url": "https://example.com/custom.tar.gz"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if transport.lastAction() != protocol.ActionAgentUpdate {
		t.Fatalf("agent did not receive update command, last action %q", transport.lastAction())
	}
	if !h.registry.IsUpdating(ws.ID) {
		t.Fatal("registry must mark the workspace as updating")
	}
}

func TestWorkspaceAPI_DeleteStopsRunningContainer(t *testing.T) {
	backend := newStubBackend()
	h := newAPIHarness(t, backend)
	ws := h.seedWorkspace(t, "dev-1")
	if err := h.store.UpdateContainerState(context.Background(), ws.ID, "cont-1", "running", "172.17.0.9"); err != nil {
		t.Fatalf("failed to seed container state: %v", err)
	}

	resp := h.do(t, http.MethodDelete, "/api/v1/workspaces/"+ws.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if backend.stopCount() != 1 {
		t.Fatalf("expected one container stop, got %d", backend.stopCount())
	}
	if _, err := h.store.Get(context.Background(), ws.ID); err == nil {
		t.Fatal("workspace must be gone after delete")
	}
}
