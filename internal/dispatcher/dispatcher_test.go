package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	called := false
	d.Register("connectionRequest", func(e Event) (any, error) {
		called = true
		return "result", nil
	})

	result, err := d.Dispatch(Event{Command: "connectionRequest", From: "tile-1"})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
	if result != "result" {
		t.Errorf("expected 'result', got %v", result)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(Event{Command: "selfDestruct"})

	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func startLoop(t *testing.T, size int) *Loop {
	t.Helper()
	l, err := NewLoop(size, &testLogger{})
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestDispatcher_LoopHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)
	l := startLoop(t, 100)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register("pairingRequest", func(e Event) (any, error) {
		processed.Add(1)
		wg.Done()
		return nil, nil
	}, OnLoop(l))

	for i := 0; i < 3; i++ {
		result, err := d.Dispatch(Event{Command: "pairingRequest"})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if result != "queued" {
			t.Errorf("expected 'queued', got %v", result)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_LoopDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)
	l := startLoop(t, 2)

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	d.Register("filter:viewportState", func(e Event) (any, error) {
		once.Do(func() { close(started) })
		<-block
		return nil, nil
	}, OnLoop(l))

	d.Dispatch(Event{Command: "filter:viewportState"}) // being processed
	<-started
	d.Dispatch(Event{Command: "filter:viewportState"}) // queued
	d.Dispatch(Event{Command: "filter:viewportState"}) // queued

	_, err := d.Dispatch(Event{Command: "filter:viewportState"})

	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(block)
}

func TestDispatcher_LoopPreservesOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)
	l := startLoop(t, 100)

	var mu sync.Mutex
	var seen []string
	var wg sync.WaitGroup
	wg.Add(5)

	d.Register("selection:added", func(e Event) (any, error) {
		mu.Lock()
		seen = append(seen, e.From)
		mu.Unlock()
		wg.Done()
		return nil, nil
	}, OnLoop(l))

	for _, from := range []string{"a", "b", "c", "d", "e"} {
		if _, err := d.Dispatch(Event{Command: "selection:added", From: from}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != "[a b c d e]" {
		t.Errorf("unexpected order %v", seen)
	}
}

func TestEvent_Decode(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	e := Event{Command: "x", Payload: json.RawMessage(`{"name":"tile"}`)}
	if err := e.Decode(&v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Name != "tile" {
		t.Errorf("expected 'tile', got %q", v.Name)
	}

	if err := (Event{Command: "x"}).Decode(&v); err == nil {
		t.Error("expected error for empty payload")
	}
	if err := (Event{Command: "x", Payload: json.RawMessage(`[`)}).Decode(&v); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("workspace:getAll", func(e Event) (any, error) {
		return "ok", nil
	}, Logged())

	d.Dispatch(Event{Command: "workspace:getAll", From: "tile-1"})

	// Give time for logging
	time.Sleep(10 * time.Millisecond)

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected at least 2 log messages, got %d", len(logger.messages))
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("workspace:join", func(e Event) (any, error) {
		return nil, fmt.Errorf("unknown workspace")
	}, Logged())

	d.Dispatch(Event{Command: "workspace:join"})

	logger.mu.Lock()
	defer logger.mu.Unlock()

	hasError := false
	for _, msg := range logger.messages {
		if len(msg) >= 5 && msg[:5] == "ERROR" {
			hasError = true
			break
		}
	}

	if !hasError {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("view:loaded", func(e Event) (any, error) { return nil, nil })

	if !d.HasHandler("view:loaded") {
		t.Error("expected handler to exist")
	}

	if d.HasHandler("view:unloaded") {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_CombinedOptions(t *testing.T) {
	d, logger := newTestDispatcher(t)

	l := startLoop(t, 100)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)

	d.Register("combination:trigger", func(e Event) (any, error) {
		processed.Add(1)
		wg.Done()
		return "done", nil
	}, OnLoop(l), Logged())

	result, err := d.Dispatch(Event{Command: "combination:trigger"})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "queued" {
		t.Errorf("expected 'queued', got %v", result)
	}

	wg.Wait()
	// the logging wrapper finishes after the handler; a round trip through the loop waits for it
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if processed.Load() != 1 {
		t.Errorf("expected 1 processed, got %d", processed.Load())
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected log messages, got %d", len(logger.messages))
	}
}
