package comfy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBackend emulates the ComfyUI HTTP + websocket surface.
type fakeBackend struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conn         *websocket.Conn
	ready        chan struct{}
	promptID     string
	rejectPrompt bool
	enqueued     []json.RawMessage
}

func newFakeBackend(t *testing.T, promptID string) *fakeBackend {
	b := &fakeBackend{t: t, promptID: promptID, ready: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/prompt", b.handlePrompt)
	mux.HandleFunc("/view", b.handleView)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) host() string {
	return strings.TrimPrefix(b.server.URL, "http://")
}

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade failed: %v", err)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	close(b.ready)
}

func (b *fakeBackend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.rejectPrompt
	b.mu.Unlock()
	if reject {
		http.Error(w, "invalid prompt", http.StatusBadRequest)
		return
	}
	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.enqueued = append(b.enqueued, req.Prompt)
	b.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": b.promptID})
}

func (b *fakeBackend) handleView(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("artifact-bytes:" + r.URL.Query().Get("filename")))
}

func (b *fakeBackend) emit(eventType string, data any) {
	select {
	case <-b.ready:
	case <-time.After(2 * time.Second):
		b.t.Fatal("websocket never connected")
	}
	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		b.t.Fatalf("marshal event: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		b.t.Fatalf("write event: %v", err)
	}
}

func (b *fakeBackend) emitBinary(data []byte) {
	select {
	case <-b.ready:
	case <-time.After(2 * time.Second):
		b.t.Fatal("websocket never connected")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		b.t.Fatalf("write binary: %v", err)
	}
}

func dialTestClient(t *testing.T, b *fakeBackend) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{Host: b.host(), ClientID: "test-client"})
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := newFakeBackend(t, "p-1")
	c := dialTestClient(t, b)

	got := make(chan ProgressEvent, 1)
	unsubscribe := c.Subscribe(EventProgress, func(data json.RawMessage) {
		var ev ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Errorf("unmarshal progress: %v", err)
			return
		}
		got <- ev
	})
	defer unsubscribe()

	// Binary preview frames and foreign event kinds must not reach the handler.
	b.emitBinary([]byte{0x01, 0x02})
	b.emit("status", map[string]any{"status": map[string]any{}})
	b.emit(EventProgress, ProgressEvent{PromptID: "p-1", Value: 3, Max: 20})

	select {
	case ev := <-got:
		if ev.PromptID != "p-1" || ev.Value != 3 || ev.Max != 20 {
			t.Fatalf("event mismatch: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("progress event never delivered")
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := newFakeBackend(t, "p-1")
	c := dialTestClient(t, b)

	first := make(chan struct{}, 4)
	unsubscribe := c.Subscribe(EventProgress, func(json.RawMessage) { first <- struct{}{} })

	b.emit(EventProgress, ProgressEvent{PromptID: "p-1", Value: 1, Max: 2})
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered before unsubscribe")
	}

	unsubscribe()
	unsubscribe() // second call is a no-op

	// A sibling subscriber proves later frames still flow after the first
	// handler is gone.
	second := make(chan struct{}, 1)
	stop := c.Subscribe(EventProgress, func(json.RawMessage) { second <- struct{}{} })
	defer stop()

	b.emit(EventProgress, ProgressEvent{PromptID: "p-1", Value: 2, Max: 2})
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling subscriber starved after unsubscribe")
	}
	select {
	case <-first:
		t.Fatal("handler invoked after unsubscribe")
	default:
	}
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	b := newFakeBackend(t, "p-1")
	c := dialTestClient(t, b)

	calls := make(chan struct{}, 4)
	var once sync.Once
	var unsubscribe func()
	unsubscribe = c.Subscribe(EventProgress, func(json.RawMessage) {
		calls <- struct{}{}
		once.Do(unsubscribe)
	})

	b.emit(EventProgress, ProgressEvent{PromptID: "p-1", Value: 1, Max: 2})
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	done := make(chan struct{}, 1)
	stop := c.Subscribe(EventProgress, func(json.RawMessage) { done <- struct{}{} })
	defer stop()
	b.emit(EventProgress, ProgressEvent{PromptID: "p-1", Value: 2, Max: 2})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream stalled after self-unsubscribe")
	}
	select {
	case <-calls:
		t.Fatal("self-unsubscribed handler invoked again")
	default:
	}
}

func TestEnqueueReturnsPromptID(t *testing.T) {
	b := newFakeBackend(t, "prompt-123")
	c := dialTestClient(t, b)

	graph := json.RawMessage(`{"127":{"inputs":{"text_c":"typing"}}}`)
	promptID, err := c.Enqueue(context.Background(), graph)
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if promptID != "prompt-123" {
		t.Fatalf("prompt id mismatch: got %q", promptID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.enqueued) != 1 || string(b.enqueued[0]) != string(graph) {
		t.Fatalf("graph not forwarded verbatim: %s", b.enqueued)
	}
}

func TestEnqueueSurfacesBackendRejection(t *testing.T) {
	b := newFakeBackend(t, "unused")
	c := dialTestClient(t, b)

	b.mu.Lock()
	b.rejectPrompt = true
	b.mu.Unlock()

	if _, err := c.Enqueue(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestViewURLEncoding(t *testing.T) {
	b := newFakeBackend(t, "p-1")
	c := dialTestClient(t, b)

	raw := c.ViewURL("doodle 001.png", "sub/dir", "output")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("ViewURL produced unparsable URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("filename") != "doodle 001.png" || q.Get("subfolder") != "sub/dir" || q.Get("type") != "output" {
		t.Fatalf("query mismatch: %q", raw)
	}
	if parsed.Path != "/view" {
		t.Fatalf("path mismatch: %q", parsed.Path)
	}
}

func TestFetchArtifactReturnsBytes(t *testing.T) {
	b := newFakeBackend(t, "p-1")
	c := dialTestClient(t, b)

	data, err := c.FetchArtifact(context.Background(), c.ViewURL("doodle.png", "", "output"))
	if err != nil {
		t.Fatalf("FetchArtifact returned error: %v", err)
	}
	if string(data) != "artifact-bytes:doodle.png" {
		t.Fatalf("artifact bytes mismatch: %q", data)
	}
}
