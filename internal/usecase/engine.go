package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"fnord/internal/domain"
	"fnord/internal/infra/tracer"
	"fnord/internal/usecase/dispatch"
)

// Engine defaults.
const (
	DefaultMaxIterations = 25
	DefaultToolTimeout   = 60 * time.Second
)

var errNoToolsSupplied = errors.New("model requested tool calls but no tools were supplied")

// EngineDeps holds injected dependencies for the engine.
type EngineDeps struct {
	LLM      domain.LLMProvider
	Tools    domain.ToolExecutor // nil = every tool call reports "tool not found"
	Guard    *BudgetGuard        // optional, nil = no budget enforcement
	Approver domain.ToolApprover // optional, nil = no approval gating
	Bus      domain.EventBus     // optional, nil = no events
	IDs      *IDSource           // optional, nil = private source
	Retry    RetryPolicy
	Logger   *slog.Logger

	// Model is used when a request does not name one.
	Model           string
	MaxIterations   int
	RequestTimeout  time.Duration // per send; zero = no per-request timeout
	ToolConcurrency int
	ToolTimeout     time.Duration
}

// Engine drives a conversation with the completion API until the model
// stops asking for tools. An Engine holds no per-run state and is safe
// for concurrent Runs.
type Engine struct {
	deps EngineDeps
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(deps EngineDeps) *Engine {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.ToolConcurrency <= 0 {
		deps.ToolConcurrency = dispatch.DefaultConcurrency
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = DefaultToolTimeout
	}
	if deps.IDs == nil {
		deps.IDs = NewIDSource()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps}
}

// run is the state owned by a single Run invocation.
type run struct {
	id     string
	logger *slog.Logger
	tools  domain.ToolExecutor

	mu       sync.Mutex // serializes progress callbacks
	progress domain.ProgressFunc

	usage   domain.Usage
	rounds  int
	retries int
}

// Run executes req to completion. Failures are returned as *domain.RunError.
func (e *Engine) Run(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	r := &run{
		id:       e.deps.IDs.New(),
		progress: req.Options.Progress,
		tools:    scopeTools(e.deps.Tools, req.Tools),
	}
	r.logger = e.deps.Logger.With("run_id", r.id)
	ctx = domain.ContextWithRunID(ctx, r.id)

	ctx, span := tracer.StartSpan(ctx, "engine.run",
		trace.WithAttributes(
			tracer.StringAttr("run.id", r.id),
			tracer.StringAttr("run.model", e.model(req)),
			tracer.IntAttr("run.messages", len(req.Messages)),
			tracer.IntAttr("run.tools", len(req.Tools)),
		),
	)
	defer span.End()

	e.publish(ctx, r, domain.EventRunStarted, nil)

	result, err := e.loop(ctx, r, req)
	if err != nil {
		tracer.RecordError(span, err)
		r.logger.Error("run failed", "kind", domain.KindOf(err), "error", err)
		e.publish(ctx, r, domain.EventRunFailed, map[string]string{
			"kind":  string(domain.KindOf(err)),
			"error": err.Error(),
		})
		return nil, err
	}

	span.SetAttributes(
		tracer.IntAttr("run.rounds", result.Rounds),
		tracer.IntAttr("run.retries", result.Retries),
		tracer.IntAttr("run.total_tokens", result.Usage.TotalTokens),
	)
	tracer.SetOK(span)
	e.publish(ctx, r, domain.EventRunCompleted, result.Usage)
	return result, nil
}

func (e *Engine) loop(ctx context.Context, r *run, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	msgs := domain.CloneMessages(req.Messages)
	if repaired, changed := RepairTranscript(msgs); changed {
		r.logger.Warn("repaired transcript before first send",
			"messages_before", len(msgs), "messages_after", len(repaired))
		msgs = repaired
	}

	for i := 0; i < e.deps.MaxIterations; i++ {
		var err error
		if msgs, err = e.fit(ctx, r, msgs); err != nil {
			return nil, err
		}

		resp, err := e.complete(ctx, r, req, &msgs)
		if err != nil {
			return nil, err
		}
		r.usage.Add(resp.Usage)

		r.logger.Debug("completion received",
			"iteration", i,
			"finish_reason", resp.FinishReason,
			"tool_calls", len(resp.Message.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		if resp.FinishReason == domain.FinishToolCalls && len(req.Tools) == 0 {
			return nil, domain.NewRunError(domain.KindProtocolViolation, "run", 0, errNoToolsSupplied)
		}

		if resp.FinishReason != domain.FinishToolCalls || len(resp.Message.ToolCalls) == 0 {
			msgs = append(msgs, domain.Message{
				Role:      domain.RoleAssistant,
				Content:   resp.Message.Content,
				Timestamp: time.Now(),
			})
			return &domain.CompletionResult{
				RunID:    r.id,
				Text:     resp.Message.Content,
				Messages: msgs,
				Usage:    r.usage,
				Rounds:   r.rounds,
				Retries:  r.retries,
			}, nil
		}

		r.rounds++
		msgs = append(msgs, e.dispatch(ctx, r, resp.Message)...)
	}

	return nil, domain.NewRunError(domain.KindProtocolViolation, "run", e.deps.MaxIterations, domain.ErrMaxIterations)
}

// fit enforces the byte budget before a send.
func (e *Engine) fit(ctx context.Context, r *run, msgs []domain.Message) ([]domain.Message, error) {
	if e.deps.Guard == nil || !e.deps.Guard.Over(msgs) {
		return msgs, nil
	}
	e.emit(ctx, r, domain.ProgressEvent{
		Type: domain.EventCompactionTriggered,
		Size: domain.SerializedSize(msgs),
	})
	out, _, err := e.deps.Guard.Fit(ctx, msgs)
	if err != nil {
		return nil, domain.NewRunError(domain.KindCompactionFailure, "compact", 0, err)
	}
	e.emit(ctx, r, domain.ProgressEvent{
		Type: domain.EventCompactionCompleted,
		Size: domain.SerializedSize(out),
	})
	return out, nil
}

// complete sends the transcript, retrying transient failures and
// compacting once when the API reports a context overflow.
func (e *Engine) complete(ctx context.Context, r *run, req domain.CompletionRequest, msgs *[]domain.Message) (*domain.ChatResponse, error) {
	policy := e.deps.Retry
	overflowHandled := false
	attempt := 1
	for {
		resp, err := e.send(ctx, r, e.chatRequest(req, *msgs))
		if err == nil {
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(err, ctxErr) {
				err = fmt.Errorf("%w: %w", ctxErr, err)
			}
			return nil, domain.NewRunError(domain.KindTransientTransport, "send", attempt, err)
		}

		c := policy.Classify(err)
		switch c.Decision {
		case DecisionCompact:
			if overflowHandled || e.deps.Guard == nil {
				return nil, domain.NewRunError(domain.KindFatalAPI, "send", attempt, err)
			}
			overflowHandled = true
			r.logger.Warn("context overflow reported, forcing compaction", "error", err)
			e.emit(ctx, r, domain.ProgressEvent{
				Type:  domain.EventCompactionTriggered,
				Size:  domain.SerializedSize(*msgs),
				Error: err.Error(),
			})
			compacted, cerr := e.deps.Guard.Force(ctx, *msgs)
			if cerr != nil {
				return nil, domain.NewRunError(domain.KindCompactionFailure, "compact", attempt, errors.Join(cerr, err))
			}
			*msgs = compacted
			e.emit(ctx, r, domain.ProgressEvent{
				Type: domain.EventCompactionCompleted,
				Size: domain.SerializedSize(compacted),
			})

		case DecisionRetry:
			if attempt >= policy.Attempts() {
				return nil, domain.NewRunError(domain.KindTransientTransport, "send", attempt, err)
			}
			delay := policy.Delay(attempt)
			r.retries++
			r.logger.Info("retrying send after error",
				"attempt", attempt, "delay", delay, "status", c.StatusCode, "error", err)
			e.emit(ctx, r, domain.ProgressEvent{
				Type:    domain.EventRetry,
				Attempt: attempt,
				Delay:   delay.String(),
				Error:   err.Error(),
			})
			if serr := sleepCtx(ctx, delay); serr != nil {
				return nil, domain.NewRunError(domain.KindTransientTransport, "send", attempt, fmt.Errorf("%w: %w", serr, err))
			}
			attempt++

		default:
			return nil, domain.NewRunError(domain.KindFatalAPI, "send", attempt, err)
		}
	}
}

func (e *Engine) model(req domain.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return e.deps.Model
}

func (e *Engine) chatRequest(req domain.CompletionRequest, msgs []domain.Message) domain.ChatRequest {
	return domain.ChatRequest{
		Model:       e.model(req),
		Messages:    msgs,
		Tools:       req.Tools,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		Stream:      req.Options.Stream,
	}
}

// send performs one request under the per-request timeout, streaming when
// requested and supported.
func (e *Engine) send(ctx context.Context, r *run, chatReq domain.ChatRequest) (*domain.ChatResponse, error) {
	if e.deps.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deps.RequestTimeout)
		defer cancel()
	}

	if sp, ok := e.deps.LLM.(domain.StreamingLLMProvider); ok && chatReq.Stream {
		return e.stream(ctx, r, sp, chatReq)
	}
	chatReq.Stream = false

	ctx, span := tracer.StartSpan(ctx, "engine.send",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", e.deps.LLM.Name()),
			tracer.IntAttr("llm.messages", len(chatReq.Messages)),
		),
	)
	defer span.End()

	resp, err := e.deps.LLM.Chat(ctx, chatReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	e.normalize(resp)
	for i := range resp.Message.ToolCalls {
		e.emit(ctx, r, domain.ProgressEvent{
			Type:     domain.EventToolCallIdentified,
			ToolCall: &resp.Message.ToolCalls[i],
		})
	}
	tracer.SetOK(span)
	return resp, nil
}

// stream folds the delta sequence into a single response.
func (e *Engine) stream(ctx context.Context, r *run, sp domain.StreamingLLMProvider, chatReq domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "engine.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", sp.Name()),
			tracer.IntAttr("llm.messages", len(chatReq.Messages)),
		),
	)
	defer span.End()

	deltas, err := sp.ChatStream(ctx, chatReq)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	acc := newStreamAccumulator()
	identified := make(map[int]bool)
	for d := range deltas {
		acc.addDelta(d)
		if d.Content != "" {
			e.emit(ctx, r, domain.ProgressEvent{Type: domain.EventContentDelta, Content: d.Content})
		}
		for _, f := range d.ToolCalls {
			if f.Name == "" || identified[f.Index] {
				continue
			}
			identified[f.Index] = true
			e.emit(ctx, r, domain.ProgressEvent{
				Type:     domain.EventToolCallIdentified,
				ToolCall: &domain.ToolCall{ID: f.ID, Name: f.Name},
			})
		}
	}

	resp, err := acc.build(e.deps.IDs.CallID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	resp.Model = chatReq.Model
	e.normalize(resp)
	tracer.SetOK(span)
	return resp, nil
}

// normalize fills in what transports may leave out. A response carrying
// tool calls is a tool-call turn whatever finish reason came with it;
// some compatible servers finish such a turn with "stop".
func (e *Engine) normalize(resp *domain.ChatResponse) {
	resp.Message.Role = domain.RoleAssistant
	for i := range resp.Message.ToolCalls {
		tc := &resp.Message.ToolCalls[i]
		if tc.ID == "" {
			tc.ID = e.deps.IDs.CallID()
		}
		if len(bytes.TrimSpace(tc.Arguments)) == 0 {
			tc.Arguments = json.RawMessage("{}")
		}
	}
	switch {
	case len(resp.Message.ToolCalls) > 0 && (resp.FinishReason == "" || resp.FinishReason == domain.FinishStop):
		resp.FinishReason = domain.FinishToolCalls
	case resp.FinishReason == "":
		resp.FinishReason = domain.FinishStop
	}
}

// dispatch executes every call of assistant on a fresh pool and returns
// an echo/response message pair per call, in call order.
func (e *Engine) dispatch(ctx context.Context, r *run, assistant domain.Message) []domain.Message {
	calls := assistant.ToolCalls
	ctx, span := tracer.StartSpan(ctx, "engine.dispatch",
		trace.WithAttributes(tracer.IntAttr("dispatch.calls", len(calls))),
	)
	defer span.End()

	var results []dispatch.Result[domain.Message]
	err := dispatch.With(e.deps.ToolConcurrency, func(p *dispatch.Pool) error {
		var err error
		results, err = dispatch.SubmitContext(ctx, p, calls, func(ctx context.Context, call domain.ToolCall) (domain.Message, error) {
			return e.executeTool(ctx, r, call), nil
		})
		return err
	})
	if err != nil {
		tracer.RecordError(span, err)
	}

	out := make([]domain.Message, 0, 2*len(calls))
	for i, call := range calls {
		echo := domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{call},
			Timestamp: time.Now(),
		}
		if i == 0 {
			echo.Content = assistant.Content
		}

		var resp domain.Message
		switch {
		case err != nil:
			resp = toolMessage(call, "error: "+err.Error())
		case !results[i].OK():
			r.logger.Error("tool call panicked", "tool", call.Name, "call_id", call.ID, "error", results[i].Err)
			resp = toolMessage(call, "error: "+results[i].Err.Error())
		default:
			resp = results[i].Value
		}
		out = append(out, echo, resp)
	}
	if err == nil {
		tracer.SetOK(span)
	}
	return out
}

// executeTool runs one call. Every failure becomes error text in the
// returned tool message so the model can react to it.
func (e *Engine) executeTool(ctx context.Context, r *run, call domain.ToolCall) domain.Message {
	ctx, span := tracer.StartSpan(ctx, "engine.execute_tool",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	fail := func(err error) domain.Message {
		tracer.RecordError(span, err)
		r.logger.Warn("tool call failed",
			"kind", domain.KindToolExecution, "tool", call.Name, "call_id", call.ID, "error", err)
		return toolMessage(call, "error: "+err.Error())
	}

	tool, err := r.tools.Get(call.Name)
	if err != nil {
		return fail(err)
	}

	args := call.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fail(fmt.Errorf("invalid arguments for %s: %w", call.Name, err))
	}

	if e.deps.Approver != nil && e.deps.Approver.NeedsApproval(call) {
		approved, err := e.deps.Approver.RequestApproval(ctx, call)
		if err != nil {
			return fail(err)
		}
		if !approved {
			return fail(domain.NewDomainError("Engine.executeTool", domain.ErrToolApprovalDenied, call.Name))
		}
	}

	e.emit(ctx, r, domain.ProgressEvent{Type: domain.EventToolCallStarted, ToolCall: &call})

	execCtx, cancel := context.WithTimeout(ctx, e.deps.ToolTimeout)
	defer cancel()
	result, err := tool.Execute(execCtx, args)

	done := domain.ProgressEvent{Type: domain.EventToolCallCompleted, ToolCall: &call}
	if err != nil {
		done.Error = err.Error()
	}
	e.emit(ctx, r, done)

	if err != nil {
		return fail(err)
	}
	if result == nil {
		return toolMessage(call, "")
	}
	content := result.Content
	if result.IsError && !strings.HasPrefix(content, "error") {
		content = "error: " + content
	}
	tracer.SetOK(span)
	return toolMessage(call, content)
}

func toolMessage(call domain.ToolCall, content string) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

// emit hands ev to the run's progress callback and the event bus.
func (e *Engine) emit(ctx context.Context, r *run, ev domain.ProgressEvent) {
	ev.RunID = r.id
	if r.progress != nil {
		r.mu.Lock()
		r.progress(ev)
		r.mu.Unlock()
	}
	e.publish(ctx, r, ev.Type, ev)
}

func (e *Engine) publish(ctx context.Context, r *run, eventType domain.EventType, payload any) {
	publishEvent(e.deps.Bus, ctx, eventType, r.id, payload)
}
