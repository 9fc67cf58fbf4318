package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey   string
	BaseURL     string
	Model       string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	model := os.Getenv("FNORD_TEST_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Config{
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		BaseURL:     os.Getenv("FNORD_TEST_BASE_URL"),
		Model:       model,
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s_API_KEY not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Request kinds recognised by ScriptedLLM from the leading system prompt.
const (
	KindConversation = "conversation"
	KindTersify      = "tersify"
	KindSummarize    = "summarize"
)

// Reply is one scripted answer to a conversation request. A non-zero
// Status is sent as an HTTP error with Body.
type Reply struct {
	Status    int
	Body      string
	Content   string
	ToolCalls []ScriptedCall
}

// ScriptedCall is a tool call the fake model asks for.
type ScriptedCall struct {
	ID        string
	Name      string
	Arguments string
}

// RecordedMessage is a message as the fake server received it.
type RecordedMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id"`
}

// RecordedRequest is a chat completion request seen by the fake server.
type RecordedRequest struct {
	Kind     string
	Stream   bool
	Messages []RecordedMessage
	Tools    []string
}

// ScriptedLLM is an OpenAI-compatible server that answers conversation
// requests from a script and compaction requests from fixed handlers.
type ScriptedLLM struct {
	Server *httptest.Server

	// Rewrite answers tersify requests. Defaults to the first word of the input.
	Rewrite func(text string) string
	// Summary answers summarize requests.
	Summary string

	t        *testing.T
	mu       sync.Mutex
	replies  []Reply
	requests []RecordedRequest
}

// NewScriptedLLM starts a fake server that plays replies in order.
func NewScriptedLLM(t *testing.T, replies ...Reply) *ScriptedLLM {
	t.Helper()
	s := &ScriptedLLM{
		t:       t,
		replies: replies,
		Summary: "The user and assistant discussed the project files.",
		Rewrite: func(text string) string {
			if f := strings.Fields(text); len(f) > 0 {
				return f[0]
			}
			return text
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Server.Close)
	return s
}

// URL is the base URL to configure as a provider base_url.
func (s *ScriptedLLM) URL() string { return s.Server.URL }

// Requests returns the recorded requests of the given kind.
func (s *ScriptedLLM) Requests(kind string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedRequest
	for _, r := range s.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Remaining reports how many scripted replies were not consumed.
func (s *ScriptedLLM) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

type wireRequest struct {
	Stream   bool              `json:"stream"`
	Messages []RecordedMessage `json:"messages"`
	Tools    []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

func requestKind(msgs []RecordedMessage) string {
	if len(msgs) == 0 || msgs[0].Role != "system" {
		return KindConversation
	}
	switch {
	case strings.HasPrefix(msgs[0].Content, "Rewrite the message"):
		return KindTersify
	case strings.HasPrefix(msgs[0].Content, "You are a conversation summarizer"),
		strings.HasPrefix(msgs[0].Content, "You are maintaining a running summary"):
		return KindSummarize
	}
	return KindConversation
}

func (s *ScriptedLLM) handle(w http.ResponseWriter, r *http.Request) {
	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.t.Errorf("scripted llm: decode request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec := RecordedRequest{Kind: requestKind(req.Messages), Stream: req.Stream, Messages: req.Messages}
	for _, tool := range req.Tools {
		rec.Tools = append(rec.Tools, tool.Function.Name)
	}

	s.mu.Lock()
	s.requests = append(s.requests, rec)
	var reply Reply
	switch rec.Kind {
	case KindTersify:
		reply.Content = s.Rewrite(req.Messages[len(req.Messages)-1].Content)
	case KindSummarize:
		reply.Content = s.Summary
	default:
		if len(s.replies) == 0 {
			s.mu.Unlock()
			s.t.Errorf("scripted llm: unexpected conversation request #%d", len(s.Requests(KindConversation)))
			http.Error(w, "script exhausted", http.StatusInternalServerError)
			return
		}
		reply = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if reply.Status != 0 {
		w.WriteHeader(reply.Status)
		fmt.Fprint(w, reply.Body)
		return
	}
	if req.Stream {
		writeStream(w, reply)
		return
	}
	writeCompletion(w, reply)
}

func finishReason(r Reply) string {
	if len(r.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

func writeCompletion(w http.ResponseWriter, r Reply) {
	type fn struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	type call struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}
	calls := make([]call, 0, len(r.ToolCalls))
	for _, c := range r.ToolCalls {
		calls = append(calls, call{ID: c.ID, Type: "function", Function: fn{Name: c.Name, Arguments: c.Arguments}})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":    "chatcmpl-scripted",
		"model": "scripted",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": r.Content, "tool_calls": calls},
			"finish_reason": finishReason(r),
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

// writeStream sends content word by word and each tool call in two
// fragments, the way hosted APIs chunk them.
func writeStream(w http.ResponseWriter, r Reply) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	send := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	delta := func(d map[string]any) map[string]any {
		return map[string]any{"choices": []map[string]any{{"index": 0, "delta": d}}}
	}

	for _, word := range strings.SplitAfter(r.Content, " ") {
		if word != "" {
			send(delta(map[string]any{"content": word}))
		}
	}
	for i, c := range r.ToolCalls {
		half := len(c.Arguments) / 2
		send(delta(map[string]any{"tool_calls": []map[string]any{{
			"index": i, "id": c.ID, "type": "function",
			"function": map[string]any{"name": c.Name, "arguments": c.Arguments[:half]},
		}}}))
		send(delta(map[string]any{"tool_calls": []map[string]any{{
			"index": i, "function": map[string]any{"arguments": c.Arguments[half:]},
		}}}))
	}
	send(map[string]any{"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": finishReason(r)}}})
	send(map[string]any{"choices": []any{}, "usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}})
	fmt.Fprint(w, "data: [DONE]\n\n")
}
