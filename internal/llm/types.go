// Package llm defines the completion-provider boundary: conversation turns,
// the closed set of actions a structured decision may request, and the
// provider error taxonomy.
package llm

import (
	"context"
	"fmt"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ActionKind is the closed set of actions a structured decision may carry.
type ActionKind int

const (
	ActionResearch ActionKind = iota
	ActionReflect
	ActionComplete
)

func (k ActionKind) String() string {
	switch k {
	case ActionResearch:
		return "research"
	case ActionReflect:
		return "reflect"
	case ActionComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Action is one typed request inside a decision.
// Topic is set for Research, Note for Reflect; Complete carries neither.
type Action struct {
	ID    string     `json:"id"`
	Kind  ActionKind `json:"kind"`
	Topic string     `json:"topic,omitempty"`
	Note  string     `json:"note,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name tags synthetic turns (e.g. corrective instructions) so they can be
	// told apart from user-originated ones.
	Name string `json:"name,omitempty"`
	// ToolCallID correlates a RoleTool turn with the Action that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Actions are the structured requests carried by a RoleAssistant turn.
	Actions []Action `json:"actions,omitempty"`
}

// Request is one provider invocation. When Actions is non-empty the provider
// runs in structured-decision mode and may only answer with those action kinds.
type Request struct {
	Messages []Message
	Actions  []ActionKind
}

// Response is either plain text, a decision carrying actions, or both.
type Response struct {
	Text    string
	Actions []Action
	Model   string
	Tokens  int
}

// Has reports whether the response carries at least one action of kind k.
func (r Response) Has(k ActionKind) bool {
	for _, a := range r.Actions {
		if a.Kind == k {
			return true
		}
	}
	return false
}

// Filter returns the actions of kind k in response order.
func (r Response) Filter(k ActionKind) []Action {
	var out []Action
	for _, a := range r.Actions {
		if a.Kind == k {
			out = append(out, a)
		}
	}
	return out
}

// Provider is the completion-provider capability consumed by workers and the supervisor.
type Provider interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// SubtaskRequest is one unit of delegated work created from a Research action.
type SubtaskRequest struct {
	ID    string     `json:"id"`
	Topic string     `json:"topic"`
	Kind  ActionKind `json:"kind"`
}
