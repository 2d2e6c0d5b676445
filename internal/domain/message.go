package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced from the backend stream.
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of the consultation transcript.
type ChatMessage struct {
	ID        int64     `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionKind is the closed set of step types reported by the backend.
type ActionKind int

const (
	// ActionUnknown is any tag not listed below; the raw tag is kept on the action.
	ActionUnknown ActionKind = iota
	ActionStart
	ActionPlanning
	ActionExecution
	ActionFinalAnswer
	ActionComplete
	ActionError
)

var actionKindNames = map[ActionKind]string{
	ActionUnknown:     "unknown",
	ActionStart:       "start",
	ActionPlanning:    "planning",
	ActionExecution:   "execution",
	ActionFinalAnswer: "final_answer",
	ActionComplete:    "complete",
	ActionError:       "error",
}

// ParseActionKind maps a wire tag to its kind. Unrecognised tags map to ActionUnknown.
func ParseActionKind(tag string) ActionKind {
	for k, name := range actionKindNames {
		if k != ActionUnknown && name == tag {
			return k
		}
	}
	return ActionUnknown
}

// String returns the wire tag for the kind.
func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return actionKindNames[ActionUnknown]
}

// MarshalText encodes the kind as its wire tag.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire tag.
func (k *ActionKind) UnmarshalText(b []byte) error {
	*k = ParseActionKind(string(b))
	return nil
}

// AgentAction is a single step reported by the backend's reasoning process.
type AgentAction struct {
	ID        int64           `json:"id"`
	Kind      ActionKind      `json:"kind"`
	RawType   string          `json:"type"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Animating bool            `json:"animating"`
}
