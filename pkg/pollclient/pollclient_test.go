package pollclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// scriptedServer returns the queued status codes in order for GET /api,
// repeating the last one once the script runs out.
type scriptedServer struct {
	mu     sync.Mutex
	script []int
	polls  int
	result Result
}

func (s *scriptedServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("action") == "" {
			http.Error(w, "Error", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-1", "status": "in-progress"})
	})
	mux.HandleFunc("GET /api", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		code := s.script[len(s.script)-1]
		if s.polls < len(s.script) {
			code = s.script[s.polls]
		}
		s.polls++
		s.mu.Unlock()

		if code == http.StatusOK {
			_ = json.NewEncoder(w).Encode(s.result)
			return
		}
		w.WriteHeader(code)
	})
	return mux
}

func (s *scriptedServer) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func newScriptedClient(t *testing.T, s *scriptedServer, maxAttempts int) *Client {
	t.Helper()
	server := httptest.NewServer(s.handler())
	t.Cleanup(server.Close)
	return New(Options{
		BaseURL:     server.URL,
		Interval:    time.Millisecond,
		MaxAttempts: maxAttempts,
	})
}

func TestGenerateRetriesUntilFinished(t *testing.T) {
	s := &scriptedServer{
		script: []int{http.StatusAccepted, http.StatusAccepted, http.StatusOK},
		result: Result{
			ID:     "task-1",
			Status: "finished",
			Image:  Image{DataURI: "data:image/png;base64,AAAA", Width: 320, Height: 240, Format: "png"},
		},
	}
	c := newScriptedClient(t, s, 10)

	result, err := c.Generate(context.Background(), "typing on a laptop")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if result.ID != "task-1" || result.Image.Width != 320 {
		t.Fatalf("result mismatch: %+v", result)
	}
	if s.pollCount() != 3 {
		t.Fatalf("poll count mismatch: %d", s.pollCount())
	}
}

func TestPollRetriesServerErrors(t *testing.T) {
	s := &scriptedServer{
		script: []int{http.StatusBadGateway, http.StatusInternalServerError, http.StatusOK},
		result: Result{ID: "task-1", Status: "finished"},
	}
	c := newScriptedClient(t, s, 10)

	if _, err := c.Poll(context.Background(), "task-1"); err != nil {
		t.Fatalf("Poll returned error: %v", err)
	}
	if s.pollCount() != 3 {
		t.Fatalf("poll count mismatch: %d", s.pollCount())
	}
}

func TestPollTreatsClientErrorsAsTerminal(t *testing.T) {
	s := &scriptedServer{script: []int{http.StatusNotFound}}
	c := newScriptedClient(t, s, 10)

	if _, err := c.Poll(context.Background(), "missing"); err == nil {
		t.Fatal("expected terminal error for 404")
	}
	if s.pollCount() != 1 {
		t.Fatalf("terminal status must not be retried: %d polls", s.pollCount())
	}
}

func TestPollGivesUpAfterMaxAttempts(t *testing.T) {
	s := &scriptedServer{script: []int{http.StatusAccepted}}
	c := newScriptedClient(t, s, 4)

	_, err := c.Poll(context.Background(), "task-1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error mismatch: got %v want ErrTimeout", err)
	}
	if s.pollCount() != 4 {
		t.Fatalf("attempt budget mismatch: %d polls", s.pollCount())
	}
}

func TestSubmitRejectionSurfaces(t *testing.T) {
	s := &scriptedServer{script: []int{http.StatusAccepted}}
	c := newScriptedClient(t, s, 4)

	if _, err := c.Submit(context.Background(), ""); err == nil {
		t.Fatal("expected error for rejected submission")
	}
}
