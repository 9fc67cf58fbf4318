package usecase

import (
	"fnord/internal/domain"
)

const missingToolResult = "error: tool call did not produce a result"

// RepairTranscript scans the message history and fixes broken tool chains:
//  1. Tool calls left unanswered when the next assistant, user or
//     instruction message begins get a synthetic error tool response.
//  2. A tool message whose ToolCallID matches no outstanding call is
//     removed.
//
// Returns a new slice (does not modify the input). The second return value
// reports whether anything changed.
func RepairTranscript(messages []domain.Message) ([]domain.Message, bool) {
	if len(messages) == 0 {
		return messages, false
	}

	result := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCall
	changed := false

	flush := func() {
		for _, tc := range pending {
			result = append(result, domain.Message{
				Role:       domain.RoleTool,
				Name:       tc.Name,
				ToolCallID: tc.ID,
				Content:    missingToolResult,
			})
			changed = true
		}
		pending = pending[:0]
	}

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			flush()
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending = append(pending, tc)
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			idx := pendingIndex(pending, msg.ToolCallID)
			if idx < 0 {
				changed = true
				continue
			}
			pending = append(pending[:idx], pending[idx+1:]...)
			result = append(result, msg)

		default:
			flush()
			result = append(result, msg)
		}
	}
	flush()

	return result, changed
}

func pendingIndex(pending []domain.ToolCall, id string) int {
	if id == "" {
		return -1
	}
	for i, tc := range pending {
		if tc.ID == id {
			return i
		}
	}
	return -1
}
