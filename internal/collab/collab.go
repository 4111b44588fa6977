package collab

import (
	"context"
	"errors"
)

// Turn is one opaque inbound content blob from a senior.
type Turn struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// Reply is what the processor made of a turn. Heard is the recognized
// input echo and may be empty.
type Reply struct {
	Heard    string `json:"heard"`
	Response string `json:"response"`
}

type Prompter interface {
	Greeting(ctx context.Context) (string, error)
}

type Processor interface {
	Process(ctx context.Context, t Turn) (Reply, error)
}

// Memory archives a finished session transcript.
type Memory interface {
	Archive(ctx context.Context, userID string, transcript []string) error
}

var ErrEmptyResponse = errors.New("processor returned an empty response")
