// Package models defines payloads for the webhook-driven stage variant, where
// the conversational-AI backend notifies MealPipe of run completions and tool
// calls instead of the primary stage-machine path handling raw text.
package models

import (
	"encoding/json"
	"fmt"
)

// RunCompletedNotification is sent by the AI backend when an assistant run
// finishes for a stage.
type RunCompletedNotification struct {
	ConversationID   string `json:"conversation_id"`
	StageTag         Stage  `json:"stage_tag"`
	AssistantMessage string `json:"assistant_message"`
}

// Validate checks the notification carries a routable stage tag.
func (n *RunCompletedNotification) Validate() error {
	if n.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if !IsValidStage(n.StageTag) {
		return fmt.Errorf("%w: %s", ErrInvalidStageTag, n.StageTag)
	}
	return nil
}

// ToolCallNotification carries a structured tool invocation from the AI
// backend. The matching stage's tool handler validates and persists the
// arguments and returns a ToolResult that is relayed back.
type ToolCallNotification struct {
	ConversationID string          `json:"conversation_id"`
	StageTag       Stage           `json:"stage_tag"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments"`
}

// Validate checks the notification is complete enough to dispatch.
func (n *ToolCallNotification) Validate() error {
	if n.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if !IsValidStage(n.StageTag) {
		return fmt.Errorf("%w: %s", ErrInvalidStageTag, n.StageTag)
	}
	if n.ToolName == "" {
		return fmt.Errorf("tool_name is required")
	}
	if len(n.Arguments) == 0 {
		return ErrMissingToolArguments
	}
	return nil
}

// ToolResult is the structured result relayed back to the AI backend after a
// tool handler runs.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}
