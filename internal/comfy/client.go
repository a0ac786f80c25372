package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"doodler/internal/infra"
)

// Handler receives the data payload of one event frame.
type Handler func(data json.RawMessage)

// Options configures the ComfyUI client.
type Options struct {
	Host       string
	ClientID   string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client holds the single long-lived websocket channel to ComfyUI and the
// HTTP surface for prompt submission and artifact retrieval. One client is
// shared by all in-flight jobs; events are fanned out to subscribers.
type Client struct {
	host       string
	clientID   string
	httpClient *http.Client
	logger     *infra.Logger
	conn       *websocket.Conn

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	closed bool

	done chan struct{}
}

// Dial connects the websocket channel and starts the event read loop. The
// client id identifies this process to the backend; events for prompts
// enqueued with it are routed back on this channel.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("comfy: host is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	wsURL := url.URL{
		Scheme:   "ws",
		Host:     opts.Host,
		Path:     "/ws",
		RawQuery: url.Values{"clientId": {opts.ClientID}}.Encode(),
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: dial %s: %w", wsURL.String(), err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		host:       opts.Host,
		clientID:   opts.ClientID,
		httpClient: httpClient,
		logger:     opts.Logger,
		conn:       conn,
		subs:       make(map[string]map[uint64]Handler),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the websocket channel and stops event dispatch.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Subscribe registers a handler for one event kind and returns its
// deregistration func. Unsubscribing twice is harmless. Registration and
// deregistration are safe to call concurrently from any number of jobs.
func (c *Client) Subscribe(eventType string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	handlers, ok := c.subs[eventType]
	if !ok {
		handlers = make(map[uint64]Handler)
		c.subs[eventType] = handlers
	}
	c.nextID++
	id := c.nextID
	handlers[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[eventType], id)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed && c.logger != nil {
				c.logger.Error().Err(err).Msg("comfy: event channel read failed")
			}
			return
		}
		// ComfyUI interleaves binary preview frames on the same channel.
		if msgType != websocket.TextMessage {
			continue
		}
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			if c.logger != nil {
				c.logger.Warn().Err(err).Msg("comfy: dropping malformed event frame")
			}
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.subs[f.Type]))
	for _, h := range c.subs[f.Type] {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	// Handlers run outside the lock so they may unsubscribe themselves.
	for _, h := range handlers {
		h(f.Data)
	}
}

type enqueueRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type enqueueResponse struct {
	PromptID string `json:"prompt_id"`
	Error    struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Enqueue submits a fully-populated workflow graph and returns the backend's
// prompt id, the correlation key for all subsequent events of this job.
func (c *Client) Enqueue(ctx context.Context, graph json.RawMessage) (string, error) {
	body, err := json.Marshal(enqueueRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("comfy: encode prompt: %w", err)
	}

	endpoint := url.URL{Scheme: "http", Host: c.host, Path: "/prompt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("comfy: submit prompt: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("comfy: read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("comfy: submit rejected with status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	var decoded enqueueResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("comfy: decode submit response: %w", err)
	}
	if decoded.PromptID == "" {
		return "", fmt.Errorf("comfy: submit response missing prompt id")
	}
	return decoded.PromptID, nil
}

// ViewURL builds the retrieval URL for one produced image.
func (c *Client) ViewURL(filename, subfolder, typ string) string {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/view",
		RawQuery: url.Values{
			"filename":  {filename},
			"subfolder": {subfolder},
			"type":      {typ},
		}.Encode(),
	}
	return u.String()
}

// FetchArtifact retrieves the raw encoded bytes behind a retrieval URL.
func (c *Client) FetchArtifact(ctx context.Context, artifactURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build artifact request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfy: artifact fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfy: read artifact: %w", err)
	}
	return data, nil
}
