package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewRequest(t *testing.T) {
	before := time.Now().UTC()
	msg, err := NewRequest("req-1", ActionGitStatus, CorrelatedRequest{RequestID: "req-1"})
	after := time.Now().UTC()
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	if msg.ID != "req-1" {
		t.Errorf("Expected ID 'req-1', got %s", msg.ID)
	}
	if msg.Type != MessageTypeRequest {
		t.Errorf("Expected type %s, got %s", MessageTypeRequest, msg.Type)
	}
	if msg.Action != ActionGitStatus {
		t.Errorf("Expected action %s, got %s", ActionGitStatus, msg.Action)
	}
	if msg.Timestamp.Before(before) || msg.Timestamp.After(after) {
		t.Error("Expected timestamp to be set to current time")
	}

	var req CorrelatedRequest
	if err := msg.ParsePayload(&req); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if req.RequestID != "req-1" {
		t.Errorf("Expected requestId 'req-1', got %s", req.RequestID)
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	msg, err := NewNotification(ActionTabOutput, TabOutputPayload{TabID: "tab-1", Data: "hi"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}
	if msg.ID != "" {
		t.Errorf("Expected empty ID for notification, got %s", msg.ID)
	}
	if msg.Type != MessageTypeNotification {
		t.Errorf("Expected type %s, got %s", MessageTypeNotification, msg.Type)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal result: %v", err)
	}
	if _, ok := raw["id"]; ok {
		t.Error("Expected id to be omitted from notification JSON")
	}
	if raw["action"] != ActionTabOutput {
		t.Errorf("Expected action %s, got %v", ActionTabOutput, raw["action"])
	}
}

func TestNewError(t *testing.T) {
	msg, err := NewError("req-9", ActionTabCreate, ErrorCodeNotFound, "Tab not found",
		map[string]interface{}{"tabId": "tab-9"})
	if err != nil {
		t.Fatalf("NewError failed: %v", err)
	}
	if msg.Type != MessageTypeError {
		t.Errorf("Expected type %s, got %s", MessageTypeError, msg.Type)
	}
	if msg.ID != "req-9" {
		t.Errorf("Expected ID 'req-9', got %s", msg.ID)
	}

	var payload ErrorPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if payload.Code != ErrorCodeNotFound {
		t.Errorf("Expected code %s, got %s", ErrorCodeNotFound, payload.Code)
	}
	if payload.Message != "Tab not found" {
		t.Errorf("Expected message 'Tab not found', got %s", payload.Message)
	}
	if payload.Details["tabId"] != "tab-9" {
		t.Errorf("Expected details to carry tabId, got %v", payload.Details)
	}
}

func TestNewRequestRejectsUnmarshalablePayload(t *testing.T) {
	if _, err := NewRequest("req-1", "test:action", make(chan int)); err == nil {
		t.Error("Expected error for payload that cannot be marshaled")
	}
}

func TestParsePayloadNil(t *testing.T) {
	msg := &Message{Type: MessageTypeNotification, Action: "test:action"}

	var payload TabOutputPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Errorf("Expected nil error for nil payload, got %v", err)
	}
	if payload.TabID != "" || payload.Data != "" {
		t.Errorf("Expected payload to be left zero, got %+v", payload)
	}
}

func TestMessageTimestampFormat(t *testing.T) {
	msg, err := NewNotification(ActionAgentHeartbeat, nil)
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal result: %v", err)
	}

	ts, ok := raw["timestamp"].(string)
	if !ok {
		t.Fatal("Expected timestamp to be a string")
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("Timestamp not in RFC3339Nano format: %v", err)
	}
}

func TestResponseAction(t *testing.T) {
	tests := []struct {
		action   string
		expected string
	}{
		{ActionGitCommit, "git:commit:response"},
		{ActionDockerLogs, "docker:logs:response"},
		{ActionStatsRequest, "stats:request:response"},
	}

	for _, tt := range tests {
		if got := ResponseAction(tt.action); got != tt.expected {
			t.Errorf("ResponseAction(%s) = %s, expected %s", tt.action, got, tt.expected)
		}
	}
}

func TestCorrelatedActionsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, action := range CorrelatedActions {
		if action == "" {
			t.Error("Expected non-empty action name")
		}
		if seen[action] {
			t.Errorf("Duplicate correlated action %s", action)
		}
		seen[action] = true
		if !strings.Contains(action, ":") {
			t.Errorf("Expected namespaced action, got %s", action)
		}
	}
}
