// Package pollclient implements the consumer side of the generation API:
// submit an action, then poll at a fixed interval until the task settles or
// the attempt budget runs out.
package pollclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrTimeout is returned when the attempt budget runs out before the task
// settles. The server-side task may still complete later.
var ErrTimeout = errors.New("pollclient: polling attempts exhausted")

// Image is the finished artifact as returned by the API.
type Image struct {
	DataURI string `json:"dataUri"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
}

// Result is a settled generation task.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Image  Image  `json:"image"`
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Interval    time.Duration
	MaxAttempts int
}

// Client talks to one doodler API instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	interval    time.Duration
	maxAttempts int
}

// New constructs a Client with the same defaults the reference front-end
// uses: 5s between polls, 40 attempts.
func New(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  opts.HTTPClient,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 40
	}
	return c
}

// Submit posts an action and returns the id of the created task.
func (c *Client) Submit(ctx context.Context, action string) (string, error) {
	form := url.Values{"action": {action}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("pollclient: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pollclient: submit: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("pollclient: read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pollclient: submit rejected with status %d", resp.StatusCode)
	}

	var submitted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &submitted); err != nil {
		return "", fmt.Errorf("pollclient: decode submit response: %w", err)
	}
	if submitted.ID == "" {
		return "", fmt.Errorf("pollclient: submit response missing task id")
	}
	return submitted.ID, nil
}

// Poll checks the task until it finishes, a terminal error is returned, or
// the attempt budget runs out. Statuses >= 500 count as retry-worthy; any
// other non-200, non-202 status is terminal.
func (c *Client) Poll(ctx context.Context, id string) (*Result, error) {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.interval):
			}
		}

		result, retry, err := c.pollOnce(ctx, id)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return result, nil
	}
	return nil, ErrTimeout
}

func (c *Client) pollOnce(ctx context.Context, id string) (result *Result, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api?id="+url.QueryEscape(id), nil)
	if err != nil {
		return nil, false, fmt.Errorf("pollclient: build poll request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("pollclient: poll: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, false, fmt.Errorf("pollclient: read poll response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var decoded Result
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, false, fmt.Errorf("pollclient: decode poll response: %w", err)
		}
		return &decoded, false, nil
	case resp.StatusCode == http.StatusAccepted:
		return nil, true, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("pollclient: task failed with status %d", resp.StatusCode)
	}
}

// Generate submits an action and polls its task to completion.
func (c *Client) Generate(ctx context.Context, action string) (*Result, error) {
	id, err := c.Submit(ctx, action)
	if err != nil {
		return nil, err
	}
	return c.Poll(ctx, id)
}
