package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProcessor posts each turn as JSON to URL and expects a Reply back.
type HTTPProcessor struct {
	URL    string
	Client *http.Client
}

func NewHTTPProcessor(url string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProcessor{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProcessor) Process(ctx context.Context, t Turn) (Reply, error) {
	var r Reply
	if err := postJSON(ctx, p.Client, p.URL, t, &r); err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(r.Response) == "" {
		return Reply{}, ErrEmptyResponse
	}
	return r, nil
}

// EchoProcessor answers every turn locally. It is the development default
// when no processor URL is configured.
type EchoProcessor struct{}

func (EchoProcessor) Process(ctx context.Context, t Turn) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	heard := strings.TrimSpace(t.Content)
	return Reply{Heard: heard, Response: "말씀 잘 들었어요: " + heard}, nil
}

func postJSON(ctx context.Context, c *http.Client, url string, body, result any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("post %s: status=%d body=%s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
