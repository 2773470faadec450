package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/devmux/devmux/pkg/protocol"
)

// BrowserClient is a WebSocket client speaking the browser protocol against
// the test server's /ws endpoint.
type BrowserClient struct {
	conn          *websocket.Conn
	t             *testing.T
	notifications chan *protocol.Message
	done          chan struct{}
	// pending tracks in-flight requests: request ID -> response channel
	pending map[string]chan *protocol.Message
	// send is the channel for outgoing messages (serialized through writePump)
	send chan []byte
	mu   sync.Mutex
}

// NewBrowserClient connects to /ws bound to the given workspace.
func NewBrowserClient(t *testing.T, ts *TestServer, workspaceID string) *BrowserClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.Server.URL, "http") + "/ws?" + url.Values{
		"workspaceId": {workspaceID},
		"token":       {ts.Config.Auth.DevToken},
	}.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	client := &BrowserClient{
		conn:          conn,
		t:             t,
		notifications: make(chan *protocol.Message, 100),
		done:          make(chan struct{}),
		pending:       make(map[string]chan *protocol.Message),
		send:          make(chan []byte, 256),
	}

	go client.readPump()
	go client.writePump()

	return client
}

// readPump reads messages from the WebSocket connection
func (c *BrowserClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.Type == protocol.MessageTypeNotification {
			select {
			case c.notifications <- &msg:
			default:
			}
		} else {
			// Route response to the pending request by ID
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- &msg:
				default:
				}
			}
		}
	}
}

// writePump serializes all writes to the WebSocket connection
func (c *BrowserClient) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// Close closes the WebSocket connection
func (c *BrowserClient) Close() {
	close(c.send)
	if err := c.conn.Close(); err != nil {
		c.t.Logf("failed to close websocket: %v", err)
	}
	<-c.done
}

// Send fires a request without waiting for a reply. Used for actions the hub
// answers with notifications (tab:create, correlated operations).
func (c *BrowserClient) Send(action string, payload interface{}) error {
	msg, err := protocol.NewRequest("", action, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("send buffer full")
	}
}

// SendRequest sends a request and waits for a response routed by message ID.
func (c *BrowserClient) SendRequest(id, action string, payload interface{}) (*protocol.Message, error) {
	msg, err := protocol.NewRequest(id, action, payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	// Create a response channel for this request
	respCh := make(chan *protocol.Message, 1)

	// Register the pending request BEFORE sending (so we don't miss the response)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- data:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("send buffer full")
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(10 * time.Second):
		return nil, context.DeadlineExceeded
	}
}

// WaitForNotification waits for a notification with the given action prefix
func (c *BrowserClient) WaitForNotification(actionPrefix string, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.notifications:
			if strings.HasPrefix(msg.Action, actionPrefix) {
				return msg, nil
			}
		case <-deadline:
			return nil, context.DeadlineExceeded
		}
	}
}

// WaitOperationResponse waits for the correlated response to requestID and
// parses it. Responses for other request IDs on the same action are skipped.
func (c *BrowserClient) WaitOperationResponse(action, requestID string, timeout time.Duration) (*protocol.OperationResponse, error) {
	wantAction := protocol.ResponseAction(action)
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.notifications:
			if msg.Action != wantAction {
				continue
			}
			var resp protocol.OperationResponse
			if err := msg.ParsePayload(&resp); err != nil {
				return nil, err
			}
			if resp.RequestID != requestID {
				continue
			}
			return &resp, nil
		case <-deadline:
			return nil, context.DeadlineExceeded
		}
	}
}

// WaitWorkspaceEvent waits for a workspace:updated notification whose data
// contains the given key with the given value.
func (c *BrowserClient) WaitWorkspaceEvent(key string, value interface{}, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.notifications:
			if msg.Action != protocol.ActionWorkspaceUpdated {
				continue
			}
			var data map[string]interface{}
			if err := msg.ParsePayload(&data); err != nil {
				continue
			}
			if data[key] == value {
				return data, nil
			}
		case <-deadline:
			return nil, context.DeadlineExceeded
		}
	}
}

// WaitTabOutputContaining accumulates tab:output data for the tab until the
// substring shows up.
func (c *BrowserClient) WaitTabOutputContaining(tabID, substr string, timeout time.Duration) error {
	deadline := time.After(timeout)
	var buf strings.Builder
	for {
		select {
		case msg := <-c.notifications:
			if msg.Action != protocol.ActionTabOutput {
				continue
			}
			var p protocol.TabOutputPayload
			if err := msg.ParsePayload(&p); err != nil || p.TabID != tabID {
				continue
			}
			buf.WriteString(p.Data)
			if strings.Contains(buf.String(), substr) {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for %q, saw %q", substr, buf.String())
		}
	}
}
