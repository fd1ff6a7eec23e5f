package hub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aoidash/internal/model"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestBroadcastFanOut(t *testing.T) {
	h := New(time.Minute, nil, nil)
	var a, b safeBuffer
	if _, err := h.register(&a, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.register(&b, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.Broadcast(model.Event{Type: model.EventDataUpdate, Timestamp: 1756600000000})

	want := `data: {"type":"data_update","timestamp":1756600000000}` + "\n\n"
	if a.String() != want {
		t.Fatalf("client a: %q", a.String())
	}
	if b.String() != want {
		t.Fatalf("client b: %q", b.String())
	}
}

func TestBroadcastIsolatesFailingClient(t *testing.T) {
	h := New(time.Minute, nil, nil)
	var a, c safeBuffer
	if _, err := h.register(&a, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.register(failingWriter{}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.register(&c, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	h.Broadcast(model.Event{Type: model.EventDataUpdate, Timestamp: 1})

	if h.ClientCount() != 2 {
		t.Fatalf("failing client must be reaped, count=%d", h.ClientCount())
	}
	if !strings.Contains(a.String(), "data_update") {
		t.Fatalf("client a missed the event: %q", a.String())
	}
	if !strings.Contains(c.String(), "data_update") {
		t.Fatalf("client c missed the event: %q", c.String())
	}
}

func TestHeartbeat(t *testing.T) {
	h := New(20*time.Millisecond, nil, nil)
	var buf safeBuffer
	c, err := h.register(&buf, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	go h.heartbeatLoop(c)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), ": keep-alive\n\n") {
			h.drop(c.id)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no keep-alive written: %q", buf.String())
}

func TestShutdownIdempotent(t *testing.T) {
	h := New(time.Minute, nil, nil)
	var buf safeBuffer
	if _, err := h.register(&buf, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.Shutdown()
	h.Shutdown()
	if h.ClientCount() != 0 {
		t.Fatalf("shutdown must clear clients")
	}
	if _, err := h.register(&buf, nil); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("subscribe after shutdown: got %v want ErrHubClosed", err)
	}
}

func TestServeHTTPAfterShutdown(t *testing.T) {
	h := New(time.Minute, nil, nil)
	h.Shutdown()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("subscribe after shutdown: status %d want 503", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connected") {
		t.Fatalf("closed hub must not open a stream: %q", rec.Body.String())
	}
}

func TestServeHTTPReturnsOnShutdown(t *testing.T) {
	h := New(time.Minute, nil, nil)
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("read connected ack: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(resp.Body)
		close(done)
	}()
	h.Shutdown()

	// The handler must unblock on its own; server teardown ordering
	// depends on it.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end after hub shutdown")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSinkMirrorsBroadcast(t *testing.T) {
	h := New(time.Minute, nil, nil)
	sink := &recordingSink{}
	h.AddSink(sink)

	h.Broadcast(model.Event{Type: model.EventDataUpdate, Timestamp: 2})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink did not receive the event")
	}

	h.Shutdown()
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Fatalf("shutdown must close sinks")
	}
}
