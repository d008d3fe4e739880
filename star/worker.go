package star

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/fanout"
	"github.com/hupe1980/starmesh/model"
	"github.com/hupe1980/starmesh/probe"
)

const defaultWorkerPrompt = "You are a helpful assistant. Use the available tools when they help answer the request."

// WorkerExecutor runs a bounded ReAct loop: the model is called, any tool
// calls it requests are executed, their results are appended to the
// transcript and the model is called again until it answers without tools
// or the iteration budget is spent.
//
// Recognised config keys:
//   - max_iterations (int): model turns, default Options.MaxIterations
//   - use_memory (bool): search the run's memory backend before the loop
//   - memory_scope (string): memory scope, default the star id
//   - memory_limit (int): memory hits quoted into the prompt, default 3
type WorkerExecutor struct {
	env *env
}

// Validate implements Executor.
func (w *WorkerExecutor) Validate(s *core.Star) []error {
	if n := s.ConfigInt("max_iterations", 1); n < 1 {
		return []error{&core.ValidationError{Field: "config.max_iterations", Message: "must be at least 1"}}
	}

	return nil
}

// Execute implements Executor.
func (w *WorkerExecutor) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	d, err := w.env.directive(ec.Context, s)
	if err != nil {
		return failure(ec, core.StarKindWorker, err)
	}

	allowed := core.ResolveProbes(s, d)

	var tools []model.ToolDefinition

	if w.env.opts.Probes != nil && len(allowed) > 0 {
		var missing []string

		tools, missing = w.env.opts.Probes.Definitions(allowed)
		if len(missing) > 0 {
			ec.LogWarn("star references unregistered probes", "star_id", s.ID, "probes", missing)
		}
	}

	user := w.env.contextBlock(ec)

	if task, ok := ec.Variable("task"); ok {
		user = joinBlocks(user, fmt.Sprintf("Your task:\n%v", task))
	}

	memories, err := w.recall(ec, s)
	if err != nil {
		return nil, err
	}

	user = joinBlocks(user, memories)
	if user == "" {
		user = "Proceed."
	}

	messages := []model.Message{
		model.SystemMessage(systemPrompt(d, ec.Variables, defaultWorkerPrompt)),
		model.UserMessage(user),
	}

	result := &core.StarResult{Kind: core.StarKindWorker}
	maxIter := s.ConfigInt("max_iterations", w.env.opts.MaxIterations)

	var last string

	for i := 0; i < maxIter; i++ {
		resp, err := w.env.chat(ec, model.Request{Messages: messages, Tools: tools})
		if err != nil {
			failed, ctxErr := modelFailure(ec, core.StarKindWorker, err)
			if failed != nil {
				failed.ToolCalls = result.ToolCalls
				failed.Text = last
			}

			return failed, ctxErr
		}

		last = resp.Content

		if len(resp.ToolCalls) == 0 {
			result.Status = core.ResultCompleted
			result.Text = resp.Content

			if err := w.remember(ec, s, result.Text); err != nil {
				return nil, err
			}

			return result, nil
		}

		messages = append(messages, model.AssistantMessage(resp.Content, resp.ToolCalls...))

		records := w.runTools(ec, resp.ToolCalls, allowed)
		if err := ec.Context.Err(); err != nil {
			return nil, err
		}

		for j, rec := range records {
			result.ToolCalls = append(result.ToolCalls, rec)
			messages = append(messages, model.ToolMessage(resp.ToolCalls[j].ID, rec.Probe, toolContent(rec)))
		}
	}

	result.Status = core.ResultPartial
	result.Text = last
	result.Error = fmt.Sprintf("worker stopped after %d iterations without a final answer", maxIter)

	return result, nil
}

// runTools executes the calls of one model turn concurrently. Records are
// returned in call order.
func (w *WorkerExecutor) runTools(ec *core.ExecutionContext, calls []model.ToolCall, allowed []string) []core.ToolCallRecord {
	results := fanout.All(ec.Context, len(calls), w.env.opts.MaxConcurrency, func(ctx context.Context, i int) (core.ToolCallRecord, error) {
		return w.runTool(ec.WithContext(ctx), calls[i], allowed), nil
	})

	records := make([]core.ToolCallRecord, len(calls))

	for i, r := range results {
		records[i] = r.Value

		if r.Err != nil {
			records[i] = core.ToolCallRecord{
				ID:        calls[i].ID,
				Probe:     calls[i].Function.Name,
				Error:     r.Err.Error(),
				StartedAt: time.Now().UTC(),
			}
		}
	}

	return records
}

func (w *WorkerExecutor) runTool(ec *core.ExecutionContext, call model.ToolCall, allowed []string) core.ToolCallRecord {
	name := call.Function.Name
	rec := core.ToolCallRecord{ID: call.ID, Probe: name, StartedAt: time.Now().UTC()}

	args, err := call.DecodeArguments()
	if err == nil {
		rec.Arguments = args
	}

	ec.EmitEvent(core.NewToolEvent(core.EventToolCall, ec.RunID, ec.NodeID, rec))

	var result any

	switch {
	case err != nil:
		err = probe.NewError(name, err.Error(), probe.CodeValidation)
	case !slices.Contains(allowed, name) || w.env.opts.Probes == nil:
		err = probe.NewError(name, fmt.Sprintf("probe %q is not available to this star", name), probe.CodeNotFound)
	default:
		result, err = w.env.opts.Probes.Call(ec.Context, ec, name, call.ID, args)
	}

	rec.Duration = time.Since(rec.StartedAt)
	rec.Result = result

	if err != nil {
		rec.Error = err.Error()
	}

	w.env.logger.LogProbeCall(name, rec.Duration, err)
	ec.EmitEvent(core.NewToolEvent(core.EventToolResult, ec.RunID, ec.NodeID, rec))

	return rec
}

// toolContent renders a tool record as the content of a tool message.
func toolContent(rec core.ToolCallRecord) string {
	if rec.Error != "" {
		return "error: " + rec.Error
	}

	if s, ok := rec.Result.(string); ok {
		return s
	}

	b, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Sprint(rec.Result)
	}

	return string(b)
}

// recall quotes memories relevant to the query when config.use_memory is
// set. Backend failures other than cancellation are logged and ignored.
func (w *WorkerExecutor) recall(ec *core.ExecutionContext, s *core.Star) (string, error) {
	if !s.ConfigBool("use_memory", false) || ec.Memory == nil {
		return "", nil
	}

	query := ec.OriginalQuery
	if task, ok := ec.Variable("task"); ok {
		query = fmt.Sprint(task)
	}

	hits, err := ec.Memory.Search(ec.Context, s.ConfigString("memory_scope", s.ID), query, s.ConfigInt("memory_limit", 3))
	if err != nil {
		if ctxErr := ec.Context.Err(); ctxErr != nil {
			return "", ctxErr
		}

		ec.LogWarn("memory search failed", "star_id", s.ID, "error", err)

		return "", nil
	}

	if len(hits) == 0 {
		return "", nil
	}

	var b strings.Builder

	b.WriteString("Relevant memories:")

	for _, h := range hits {
		fmt.Fprintf(&b, "\n- %s", h.Content)
	}

	return b.String(), nil
}

func (w *WorkerExecutor) remember(ec *core.ExecutionContext, s *core.Star, answer string) error {
	if !s.ConfigBool("use_memory", false) || ec.Memory == nil || answer == "" {
		return nil
	}

	_, err := ec.Memory.Store(ec.Context, s.ConfigString("memory_scope", s.ID), answer, map[string]any{
		"run_id":  ec.RunID,
		"node_id": ec.NodeID,
		"query":   ec.OriginalQuery,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		ec.LogWarn("memory store failed", "star_id", s.ID, "error", err)
	}

	return nil
}
