package transport

import (
	"bytes"
	"encoding/json"
)

// ControlType tags the structured control object clients send in reply to
// a scheduled_call.
const ControlType = "scheduled_call_response"

// Control actions.
const (
	ActionStartNow = "start_now"
	ActionSnooze   = "snooze"
	ActionSkip     = "skip"
)

// Inbound is a classified inbound frame: either a control action or an
// opaque content blob.
type Inbound struct {
	Control bool
	Action  string
	Content []byte
}

type controlFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// Classify never fails: anything that is not a control object is content.
func Classify(raw []byte) Inbound {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var cf controlFrame
		if err := json.Unmarshal(trimmed, &cf); err == nil && cf.Type == ControlType {
			return Inbound{Control: true, Action: cf.Action}
		}
	}
	return Inbound{Content: raw}
}
