package usecase

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"fnord/internal/domain"
)

// maxToolCallIndex bounds fragment indices accepted from a stream.
const maxToolCallIndex = 128

// fragmentState is the in-flight concatenation of one tool call.
type fragmentState struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// streamAccumulator folds incremental deltas into one assistant message.
// Content and tool-call fragments accumulate independently.
type streamAccumulator struct {
	content      strings.Builder
	fragments    map[int]*fragmentState
	finishReason string
	usage        domain.Usage
	err          error
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{fragments: make(map[int]*fragmentState)}
}

// addDelta merges a single streaming delta into the accumulator.
// The first fragment for an index usually carries ID and Name; subsequent
// fragments append to the name and arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	if delta.Err != nil {
		acc.err = delta.Err
		return
	}
	acc.content.WriteString(delta.Content)

	for _, frag := range delta.ToolCalls {
		if frag.Index < 0 || frag.Index >= maxToolCallIndex {
			continue
		}
		st, ok := acc.fragments[frag.Index]
		if !ok {
			st = &fragmentState{}
			acc.fragments[frag.Index] = st
		}
		if frag.ID != "" {
			st.id = frag.ID
		}
		st.name.WriteString(frag.Name)
		st.args.WriteString(frag.Arguments)
	}

	if delta.FinishReason != "" {
		acc.finishReason = delta.FinishReason
	}
	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build materializes the accumulated fragments in index order. Calls that
// arrived without an ID get one from newID.
func (acc *streamAccumulator) build(newID func() string) (*domain.ChatResponse, error) {
	if acc.err != nil {
		return nil, acc.err
	}
	if acc.finishReason == "" {
		return nil, domain.ErrStreamTruncated
	}

	indices := make([]int, 0, len(acc.fragments))
	for idx := range acc.fragments {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	var calls []domain.ToolCall
	for _, idx := range indices {
		st := acc.fragments[idx]
		id := st.id
		if id == "" {
			id = newID()
		}
		args := st.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, domain.ToolCall{
			ID:        id,
			Name:      st.name.String(),
			Arguments: json.RawMessage(args),
		})
	}

	return &domain.ChatResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   acc.content.String(),
			ToolCalls: calls,
			Timestamp: time.Now(),
		},
		FinishReason: acc.finishReason,
		Usage:        acc.usage,
		CreatedAt:    time.Now(),
	}, nil
}
