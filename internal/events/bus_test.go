package events

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBus_Subscribe_Emit_Unsubscribe(t *testing.T) {
	bus := New(4, 8)
	sub, err := bus.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Emit(JobCreated, map[string]any{"job_id": int64(7)})
	ev := <-sub.C
	if ev.Type != JobCreated || ev.Payload["job_id"] != int64(7) {
		t.Fatalf("Emit: got %+v", ev)
	}
	if _, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err != nil {
		t.Fatalf("timestamp %q not ISO: %v", ev.Timestamp, err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	if _, ok := <-sub.C; ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
	if bus.Len() != 0 {
		t.Fatalf("Len after unsubscribe = %d", bus.Len())
	}
	bus.Emit(JobFailed, nil) // no subscribers, must not panic
}

func TestBus_SubscriberCap(t *testing.T) {
	bus := New(2, 1)
	a, _ := bus.Subscribe()
	_, _ = bus.Subscribe()
	if _, err := bus.Subscribe(); !errors.Is(err, ErrTooManySubscribers) {
		t.Fatalf("third Subscribe: want ErrTooManySubscribers, got %v", err)
	}
	a.Unsubscribe()
	if _, err := bus.Subscribe(); err != nil {
		t.Fatalf("Subscribe after release: %v", err)
	}
}

func TestBus_EmitDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := New(1, 1)
	sub, _ := bus.Subscribe()
	defer sub.Unsubscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(SchedulerTick, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	if bus.Dropped() != 9 {
		t.Fatalf("Dropped = %d, want 9", bus.Dropped())
	}
}

func TestBus_Handler(t *testing.T) {
	bus := New(0, 0)
	handler := bus.Handler()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "/stream", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler(rec, req)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for bus.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Emit(FleetDeployed, map[string]any{"handle": "ana"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	// Read response body only after handler has finished writing.
	sc := bufio.NewScanner(rec.Body)
	var connected, deployed bool
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "connected") {
			connected = true
		}
		if strings.Contains(line, `"type":"sybil:deployed"`) {
			deployed = true
		}
	}
	if !connected || !deployed {
		t.Fatalf("stream missing events: connected=%v deployed=%v", connected, deployed)
	}
}

func TestBus_HandlerRejectsWhenFull(t *testing.T) {
	bus := New(1, 1)
	sub, _ := bus.Subscribe()
	defer sub.Unsubscribe()
	rec := httptest.NewRecorder()
	bus.Handler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
