package star

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/fanout"
)

// ExecutionExecutor runs one worker per task of the latest upstream plan.
//
// Recognised config keys:
//   - worker_star_id (string): worker star used for every task; when unset
//     a worker bound to this star's directive is used
//   - parallel (bool): run tasks concurrently, default true; sequential runs
//     pass earlier task outputs to later tasks
type ExecutionExecutor struct {
	env    *env
	worker *WorkerExecutor
}

// Validate implements Executor.
func (x *ExecutionExecutor) Validate(s *core.Star) []error {
	if v, ok := s.Config["parallel"]; ok {
		if _, isBool := v.(bool); !isBool {
			return []error{&core.ValidationError{Field: "config.parallel", Message: "must be a boolean"}}
		}
	}

	return nil
}

// Execute implements Executor.
func (x *ExecutionExecutor) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	plan, ok := ec.LatestPlan()
	if !ok {
		return core.FailedResult(core.StarKindExecution, errors.New("no upstream plan to execute")), nil
	}

	worker, err := x.workerStar(ec.Context, s)
	if err != nil {
		return failure(ec, core.StarKindExecution, err)
	}

	var (
		tasks []core.TaskResult
		calls []core.ToolCallRecord
	)

	if s.ConfigBool("parallel", true) {
		results := fanout.All(ec.Context, len(plan.Tasks), x.env.opts.MaxConcurrency, func(ctx context.Context, i int) (*core.StarResult, error) {
			return x.worker.Execute(taskContext(ec.WithContext(ctx), plan.Tasks[i], nil), worker)
		})

		for i, r := range results {
			tasks = append(tasks, taskResult(plan.Tasks[i], r.Value, r.Err))
			calls = appendCalls(calls, r.Value)
		}
	} else {
		for _, t := range plan.Tasks {
			res, err := x.worker.Execute(taskContext(ec, t, tasks), worker)
			tasks = append(tasks, taskResult(t, res, err))
			calls = appendCalls(calls, res)
		}
	}

	if err := ec.Context.Err(); err != nil {
		return nil, err
	}

	succeeded := 0

	var (
		text []string
		errs []string
	)

	for _, t := range tasks {
		if t.Status == core.ResultFailed {
			errs = append(errs, fmt.Sprintf("%s: %s", t.TaskID, t.Error))
			continue
		}

		succeeded++

		text = append(text, fmt.Sprintf("## %s\n%s", t.TaskID, t.Output))
	}

	ec.EmitEvent(core.NewProgressEvent(ec.RunID, ec.NodeID, "plan executed", map[string]any{
		"tasks":     len(tasks),
		"succeeded": succeeded,
	}))

	return &core.StarResult{
		Kind:      core.StarKindExecution,
		Status:    aggregateStatus(succeeded, len(tasks)),
		Text:      strings.Join(text, "\n\n"),
		Error:     strings.Join(errs, "; "),
		Tasks:     tasks,
		ToolCalls: calls,
	}, nil
}

func (x *ExecutionExecutor) workerStar(ctx context.Context, s *core.Star) (*core.Star, error) {
	if id := s.ConfigString("worker_star_id", ""); id != "" {
		if x.env.opts.Catalog == nil {
			return nil, fmt.Errorf("worker star %s cannot be resolved without a catalog", id)
		}

		w, err := x.env.opts.Catalog.GetStar(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load worker star %s: %w", id, err)
		}

		if w.Kind != core.StarKindWorker {
			return nil, fmt.Errorf("star %s is a %s star, not a worker", id, w.Kind)
		}

		return w, nil
	}

	return &core.Star{
		ID:          s.ID + "/worker",
		Name:        s.Name,
		Kind:        core.StarKindWorker,
		DirectiveID: s.DirectiveID,
		Config:      s.Config,
	}, nil
}

// taskContext binds a task to a copy of ec. Earlier results are exposed to
// sequential tasks as the previous_results variable.
func taskContext(ec *core.ExecutionContext, t core.PlanTask, previous []core.TaskResult) *core.ExecutionContext {
	tc := ec.ForNode(ec.NodeID, nil)
	tc.Variables["task"] = t.Description
	tc.Variables["task_id"] = t.ID

	if t.SuccessCriteria != "" {
		tc.Variables["success_criteria"] = t.SuccessCriteria
	}

	if len(previous) > 0 {
		var b strings.Builder

		for _, p := range previous {
			fmt.Fprintf(&b, "[%s] %s\n", p.TaskID, p.Output)
		}

		tc.Variables["previous_results"] = strings.TrimRight(b.String(), "\n")
	}

	return tc
}

func taskResult(t core.PlanTask, res *core.StarResult, err error) core.TaskResult {
	tr := core.TaskResult{TaskID: t.ID}

	switch {
	case err != nil:
		tr.Status = core.ResultFailed
		tr.Error = err.Error()
	case res == nil:
		tr.Status = core.ResultFailed
		tr.Error = "worker returned no result"
	default:
		tr.Status = res.Status
		tr.Output = res.Text
		tr.Error = res.Error
	}

	return tr
}

func appendCalls(calls []core.ToolCallRecord, res *core.StarResult) []core.ToolCallRecord {
	if res == nil {
		return calls
	}

	return append(calls, res.ToolCalls...)
}
