package workspace

import (
	"testing"
	"time"
)

func TestStartupTracker_SetAndGet(t *testing.T) {
	tracker := NewStartupTracker()
	defer tracker.Stop()

	if _, ok := tracker.Get("ws-1"); ok {
		t.Fatal("expected no progress before Set")
	}

	tracker.Set("ws-1", "creating", "pulling image")
	p, ok := tracker.Get("ws-1")
	if !ok {
		t.Fatal("expected progress after Set")
	}
	if p.Phase != "creating" || p.Message != "pulling image" || p.Ready {
		t.Fatalf("unexpected progress: %+v", p)
	}

	tracker.Set("ws-1", "starting", "")
	p, _ = tracker.Get("ws-1")
	if p.Phase != "starting" {
		t.Fatalf("expected phase 'starting', got %q", p.Phase)
	}
}

func TestStartupTracker_MarkReadyClearsAfterDelay(t *testing.T) {
	tracker := NewStartupTracker()
	tracker.clearDelay = 20 * time.Millisecond
	defer tracker.Stop()

	tracker.Set("ws-1", "starting", "")
	tracker.MarkReady("ws-1")

	p, ok := tracker.Get("ws-1")
	if !ok || !p.Ready {
		t.Fatal("expected progress to be visible and ready during the grace period")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := tracker.Get("ws-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected progress to be cleared after the grace delay")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartupTracker_MarkReadyWithoutProgress(t *testing.T) {
	tracker := NewStartupTracker()
	defer tracker.Stop()

	// Must not create an entry out of thin air.
	tracker.MarkReady("ws-1")
	if _, ok := tracker.Get("ws-1"); ok {
		t.Fatal("expected no progress entry")
	}
}

func TestStartupTracker_SetCancelsPendingClear(t *testing.T) {
	tracker := NewStartupTracker()
	tracker.clearDelay = 20 * time.Millisecond
	defer tracker.Stop()

	tracker.Set("ws-1", "starting", "")
	tracker.MarkReady("ws-1")

	// Restart before the grace period elapses.
	tracker.Set("ws-1", "creating", "restart")
	time.Sleep(60 * time.Millisecond)

	p, ok := tracker.Get("ws-1")
	if !ok {
		t.Fatal("expected restarted progress to survive the old clearance timer")
	}
	if p.Ready || p.Phase != "creating" {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestStartupTracker_Clear(t *testing.T) {
	tracker := NewStartupTracker()
	defer tracker.Stop()

	tracker.Set("ws-1", "starting", "")
	tracker.Clear("ws-1")
	if _, ok := tracker.Get("ws-1"); ok {
		t.Fatal("expected progress to be gone after Clear")
	}
}
