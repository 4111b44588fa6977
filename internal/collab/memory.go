package collab

import (
	"context"
	"net/http"
	"time"

	logx "tripot/pkg/logx"
)

// HTTPMemory posts finished transcripts to a memory service.
type HTTPMemory struct {
	URL    string
	Client *http.Client
}

func NewHTTPMemory(url string, timeout time.Duration) *HTTPMemory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMemory{URL: url, Client: &http.Client{Timeout: timeout}}
}

type archiveRequest struct {
	UserID     string   `json:"user_id"`
	Transcript []string `json:"transcript"`
}

func (m *HTTPMemory) Archive(ctx context.Context, userID string, transcript []string) error {
	return postJSON(ctx, m.Client, m.URL, archiveRequest{UserID: userID, Transcript: transcript}, nil)
}

// LogMemory writes transcripts to the log instead of a memory service.
type LogMemory struct {
	Log logx.Logger
}

func (m LogMemory) Archive(_ context.Context, userID string, transcript []string) error {
	m.Log.Info("session transcript archived",
		logx.String("user", userID),
		logx.Int("lines", len(transcript)),
		logx.Any("transcript", transcript))
	return nil
}
