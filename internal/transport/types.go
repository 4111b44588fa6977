// Package transport defines the senior duplex channel: outbound frames,
// inbound classification and the Conn abstraction sessions talk through.
package transport

import (
	"context"
	"errors"
	"time"

	"tripot/internal/civiltime"
)

// Outbound frame types.
const (
	TypeAI        = "ai_message"
	TypeUser      = "user_message"
	TypeSystem    = "system_message"
	TypeScheduled = "scheduled_call"
)

// KoreaTimeLayout renders the civil wall clock on scheduled_call frames.
const KoreaTimeLayout = "2006-01-02 15:04:05"

// Frame is one outbound message.
type Frame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	KoreaTime string `json:"korea_time,omitempty"`
}

func AI(content string) Frame     { return Frame{Type: TypeAI, Content: content} }
func User(content string) Frame   { return Frame{Type: TypeUser, Content: content} }
func System(content string) Frame { return Frame{Type: TypeSystem, Content: content} }

// Scheduled builds the notification for a fired trigger. at is rendered in
// its own location.
func Scheduled(content string, at time.Time) Frame {
	return Frame{
		Type:      TypeScheduled,
		Content:   content,
		Timestamp: at.Format(time.RFC3339),
		KoreaTime: at.Format(KoreaTimeLayout),
	}
}

// TriggerEvent is what the scheduler emits for a matched trigger.
type TriggerEvent struct {
	UserID    string              `json:"user_id"`
	TriggerID int64               `json:"trigger_id"`
	At        civiltime.TimeOfDay `json:"time"`
	FireTime  time.Time           `json:"fire_time"`
}

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("connection closed")

// Conn is one live duplex channel. Read blocks until a frame arrives, the
// peer goes away, ctx is done or Close is called. Write and Close are safe
// to call from any goroutine.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, f Frame) error
	Close() error
}
