package websocket

import (
	"net/http/httptest"
	"testing"

	"github.com/devmux/devmux/pkg/protocol"
)

func TestCheckWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "example.com", true},
		{"localhost http", "http://localhost:5173", "example.com", true},
		{"localhost https", "https://localhost", "example.com", true},
		{"loopback", "http://127.0.0.1:8080", "example.com", true},
		{"same host", "http://devmux.example.com", "devmux.example.com", true},
		{"same host different port", "http://devmux.example.com:3000", "devmux.example.com:8080", true},
		{"cross origin", "https://evil.example.net", "devmux.example.com", false},
		{"malformed origin", "://bad", "devmux.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://"+tt.host+"/terminal/tab-1", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := checkWebSocketOrigin(req); got != tt.want {
				t.Errorf("checkWebSocketOrigin(origin=%q, host=%q) = %v, want %v", tt.origin, tt.host, got, tt.want)
			}
		})
	}
}

func TestTerminalHandler_ResizeRoutesToAgent(t *testing.T) {
	h := newGatewayHarness(t, nil)
	transport := h.connectAgent(t)
	h.registry.AddTab(h.ws.ID, protocol.TabInfo{TabID: "tab-1", Status: protocol.TabStatusRunning})

	th := NewTerminalHandler(h.cfg, h.tabs, h.registry, newTestLogger(t))
	th.handleResize([]byte(`{"cols":120,"rows":40}`), "tab-1")

	last := transport.lastMessage()
	if last == nil || last.Action != protocol.ActionTabResize {
		t.Fatalf("expected tab:resize, got %+v", last)
	}
	var p protocol.TabResizePayload
	if err := last.ParsePayload(&p); err != nil {
		t.Fatalf("failed to parse resize payload: %v", err)
	}
	if p.TabID != "tab-1" || p.Cols != 120 || p.Rows != 40 {
		t.Fatalf("unexpected resize payload: %+v", p)
	}
}

func TestTerminalHandler_ResizeDropsInvalidFrames(t *testing.T) {
	h := newGatewayHarness(t, nil)
	transport := h.connectAgent(t)
	h.registry.AddTab(h.ws.ID, protocol.TabInfo{TabID: "tab-1", Status: protocol.TabStatusRunning})

	th := NewTerminalHandler(h.cfg, h.tabs, h.registry, newTestLogger(t))
	th.handleResize([]byte(`not json`), "tab-1")
	th.handleResize([]byte(`{"cols":0,"rows":40}`), "tab-1")
	th.handleResize([]byte(`{"cols":80,"rows":0}`), "tab-1")

	for _, action := range transport.sentActions() {
		if action == protocol.ActionTabResize {
			t.Fatal("invalid resize frames must not reach the agent")
		}
	}
}
