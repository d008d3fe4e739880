package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/graph"
	"github.com/hupe1980/starmesh/internal/fanout"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/stream"
)

// execution is the state of one Start or Resume invocation. Only the
// goroutine driving execute mutates run.
type execution struct {
	r       *Runner
	run     *core.Run
	g       *graph.Graph
	stars   map[string]*core.Star
	emitter *stream.Emitter
	limiter *core.CallLimiter
	logger  logging.Logger
	// bg outlives cancellation so terminal states are always persisted and emitted.
	bg context.Context
}

func (r *Runner) newExecution(ctx context.Context, run *core.Run, g *graph.Graph, stars map[string]*core.Star, extra stream.Sink) *execution {
	logger := r.logger
	if sl, ok := logger.(*logging.StructuredLogger); ok {
		logger = sl.WithRun(run.ID)
	}

	return &execution{
		r:       r,
		run:     run,
		g:       g,
		stars:   stars,
		emitter: r.emitter(extra),
		limiter: core.NewCallLimiter(r.cfg.MaxModelCalls),
		logger:  logger,
		bg:      context.WithoutCancel(ctx),
	}
}

// execute runs waves until the run completes, fails, is interrupted or
// suspends. The run never stays running when execute returns.
func (ex *execution) execute(ctx context.Context) (out *Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = ex.fail(fmt.Errorf("runner panic: %v", rec))
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return ex.interrupted(err)
		}

		ready, endReady := ex.readyNodes()

		if len(ready) == 0 {
			if endReady {
				return ex.finish(ctx)
			}

			return ex.fail(core.ErrStalled)
		}

		if err := ex.wave(ctx, ready); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return ex.interrupted(ctxErr)
			}

			return ex.fail(err)
		}

		if id, ok := ex.awaitingConfirmation(); ok {
			return ex.suspend(id)
		}
	}
}

// readyNodes returns the pending star nodes whose dependencies are met,
// sorted by id, and whether the end node is ready.
func (ex *execution) readyNodes() ([]string, bool) {
	var (
		ready    []string
		endReady bool
	)

	for _, id := range ex.g.NodeIDs() {
		if id == ex.g.StartID() {
			continue
		}

		if o := ex.run.NodeOutputs[id]; o != nil && o.Status != core.NodeStatusPending {
			continue
		}

		if !ex.satisfied(id) {
			continue
		}

		if id == ex.g.EndID() {
			endReady = true
			continue
		}

		ready = append(ready, id)
	}

	return ready, endReady
}

// satisfied reports whether every non-loop predecessor of id is completed,
// confirmed where required and, for eval sources and conditional edges,
// has decided to continue.
func (ex *execution) satisfied(id string) bool {
	deps := 0

	for _, e := range ex.g.Incoming(id) {
		if e.Condition == core.ConditionLoop {
			continue
		}

		deps++

		src := ex.run.NodeOutputs[e.Source]
		if src == nil || src.Status != core.NodeStatusCompleted {
			return false
		}

		if n, _ := ex.g.Node(e.Source); n.RequiresConfirmation && !ex.run.IsConfirmed(e.Source) {
			return false
		}

		if (ex.g.IsEval(e.Source) || e.Condition != core.ConditionNone) && decisionOf(src) != core.DecisionContinue {
			return false
		}
	}

	return deps > 0
}

func decisionOf(o *core.NodeOutput) core.Decision {
	if o.Output == nil || o.Output.Decision == nil {
		return core.DecisionContinue
	}

	return o.Output.Decision.Decision
}

// wave executes ids concurrently and publishes their results in id order.
func (ex *execution) wave(ctx context.Context, ids []string) error {
	now := time.Now().UTC()

	for _, id := range ids {
		n, _ := ex.g.Node(id)

		o := ex.run.NodeOutputs[id]
		if o == nil {
			o = &core.NodeOutput{NodeID: id, StarID: n.StarID}
			ex.run.NodeOutputs[id] = o
		}

		o.Status = core.NodeStatusRunning
		o.StartedAt = now
		o.CompletedAt = time.Time{}
		o.Error = ""
		o.Attempts++
	}

	if err := ex.persist(); err != nil {
		return err
	}

	base := ex.baseContext(ctx)
	snapshots := make([]*core.ExecutionContext, len(ids))

	for i, id := range ids {
		n, _ := ex.g.Node(id)
		snapshots[i] = base.ForNode(id, n.VariableBindings)

		ev := core.NewNodeEvent(core.EventNodeStarted, ex.run.ID, id)
		ev.StarID = n.StarID
		ex.emit(ev)
	}

	results := fanout.All(ctx, len(ids), ex.r.cfg.MaxConcurrency, func(_ context.Context, i int) (*core.StarResult, error) {
		n, _ := ex.g.Node(ids[i])
		return ex.r.exec.Execute(snapshots[i], ex.stars[n.StarID])
	})

	var (
		failures    []*core.ExecutionError
		interrupted bool
	)

	for i, res := range results {
		id := ids[i]
		o := ex.run.NodeOutputs[id]

		var panicErr *fanout.PanicError

		if res.Err != nil && ctx.Err() != nil && !errors.As(res.Err, &panicErr) {
			o.Status = core.NodeStatusPending
			interrupted = true

			continue
		}

		o.CompletedAt = time.Now().UTC()

		switch {
		case res.Err != nil:
			o.Status = core.NodeStatusFailed
			o.Error = res.Err.Error()
			failures = append(failures, &core.ExecutionError{NodeID: id, Err: res.Err})
		case res.Value == nil:
			o.Status = core.NodeStatusFailed
			o.Error = "star returned no result"
			failures = append(failures, &core.ExecutionError{NodeID: id, Err: errors.New(o.Error)})
		case res.Value.Failed():
			// The node completes; the failure travels in its output.
			o.Status = core.NodeStatusCompleted
			o.Output = res.Value
			o.Error = firstNonEmpty(res.Value.Error, "star reported failure")
			ex.logger.Warn("runner.node.failed_result", "node_id", id, "error", o.Error)
		default:
			o.Status = core.NodeStatusCompleted
			o.Output = res.Value
		}

		if res.Value != nil {
			o.ToolCalls = append(o.ToolCalls, res.Value.ToolCalls...)
		}

		ex.nodeFinished(o)
	}

	switch {
	case len(failures) == 1:
		return failures[0]
	case len(failures) > 1:
		return &core.ParallelExecutionError{Errors: failures}
	case interrupted:
		if err := ex.persist(); err != nil {
			return err
		}

		return ctx.Err()
	}

	for _, id := range ids {
		if err := ex.applyLoop(id); err != nil {
			return err
		}
	}

	return ex.persist()
}

func (ex *execution) baseContext(ctx context.Context) *core.ExecutionContext {
	ec := core.NewExecutionContext(ctx, ex.run.ID, ex.emitter.Func(ex.bg), ex.logger)
	ec.OriginalQuery = ex.run.OriginalQuery
	ec.ConstellationPurpose = ex.run.Purpose
	ec.AdditionalContext = ex.run.AdditionalContext
	ec.Variables = ex.run.Variables
	ec.NodeOutputs = ex.run.NodeOutputs
	ec.Limiter = ex.limiter
	ec.Artifacts = ex.r.artifacts
	ec.Memory = ex.r.memory

	return ec
}

func (ex *execution) nodeFinished(o *core.NodeOutput) {
	kind := core.StarKind("")
	if s := ex.stars[o.StarID]; s != nil {
		kind = s.Kind
	}

	ex.r.metrics.NodeFinished(kind, o.Status, o.CompletedAt.Sub(o.StartedAt))

	evType := core.EventNodeCompleted
	if o.Status == core.NodeStatusFailed {
		evType = core.EventNodeFailed
	}

	ev := core.NewNodeEvent(evType, ex.run.ID, o.NodeID)
	ev.StarID = o.StarID
	ev.Output = o.Output
	ev.Error = o.Error
	ex.emit(ev)
}

// applyLoop handles an eval node that decided to loop: the loop body is
// reset while the node is under its cap, otherwise the loop policy applies.
func (ex *execution) applyLoop(id string) error {
	o := ex.run.NodeOutputs[id]
	if !ex.g.IsEval(id) || o.Status != core.NodeStatusCompleted || decisionOf(o) != core.DecisionLoop {
		return nil
	}

	edges := ex.g.LoopEdges(id)
	if len(edges) == 0 {
		ex.logger.Warn("runner.loop.no_edge", "node_id", id)
		rewriteDecision(o, false)

		return nil
	}

	edge := edges[0]

	for _, e := range edges {
		if e.Target == o.Output.Decision.LoopTarget {
			edge = e
			break
		}
	}

	limit := ex.r.cfg.MaxLoopIterations
	if c := ex.g.Constellation(); c.MaxLoopIterations > 0 {
		limit = c.MaxLoopIterations
	}

	if ex.run.LoopCounts == nil {
		ex.run.LoopCounts = map[string]int{}
	}

	if ex.run.LoopCounts[id] < limit {
		ex.run.LoopCounts[id]++

		for _, nid := range ex.g.LoopStale(edge) {
			if no := ex.run.NodeOutputs[nid]; no != nil {
				no.Status = core.NodeStatusPending
			}

			ex.run.Unconfirm(nid)
		}

		// Nested evals start a fresh count on every pass of the outer loop.
		for _, nid := range ex.g.LoopBody(edge) {
			if nid != id && ex.g.IsEval(nid) {
				delete(ex.run.LoopCounts, nid)
			}
		}

		ex.r.metrics.LoopIteration(false)

		ev := core.NewNodeEvent(core.EventLoopIteration, ex.run.ID, id)
		ev.Data = map[string]any{"iteration": ex.run.LoopCounts[id], "target": edge.Target, "max": limit}
		ex.emit(ev)

		return nil
	}

	if ex.r.cfg.LoopPolicy == LoopPolicyFail {
		return &core.ExecutionError{
			NodeID: id,
			Err:    fmt.Errorf("%w: %d iterations", core.ErrLoopLimitExceeded, limit),
		}
	}

	ex.logger.Warn("runner.loop.forced_continue", "node_id", id, "max", limit)
	ex.r.metrics.LoopIteration(true)
	rewriteDecision(o, true)

	return nil
}

// rewriteDecision replaces the published result with a continue decision.
func rewriteDecision(o *core.NodeOutput, forced bool) {
	res := *o.Output
	dec := *res.Decision
	dec.Decision = core.DecisionContinue
	dec.Forced = forced
	res.Decision = &dec
	o.Output = &res
}

// awaitingConfirmation returns the first completed node, by id, that
// requires a confirmation it has not received.
func (ex *execution) awaitingConfirmation() (string, bool) {
	for _, id := range ex.g.NodeIDs() {
		n, _ := ex.g.Node(id)
		o := ex.run.NodeOutputs[id]

		if n.RequiresConfirmation && o != nil && o.Status == core.NodeStatusCompleted && !ex.run.IsConfirmed(id) {
			return id, true
		}
	}

	return "", false
}

func (ex *execution) suspend(nodeID string) (*Outcome, error) {
	n, _ := ex.g.Node(nodeID)
	prompt := firstNonEmpty(n.ConfirmationPrompt, ex.r.cfg.DefaultConfirmationPrompt)

	if err := ex.run.Transition(core.RunStatusAwaitingConfirmation); err != nil {
		return ex.fail(err)
	}

	ex.run.AwaitingNodeID = nodeID
	ex.run.AwaitingPrompt = prompt

	if err := ex.persist(); err != nil {
		return ex.fail(err)
	}

	ex.logger.Info("runner.run.paused", "run_id", ex.run.ID, "node_id", nodeID)

	ev := core.NewNodeEvent(core.EventRunPaused, ex.run.ID, nodeID)
	ev.Text = prompt
	ex.emit(ev)

	return &Outcome{Kind: OutcomeSuspended, Run: ex.run.Clone()}, nil
}

// finish builds the final output from the end node's predecessors and
// completes the run.
func (ex *execution) finish(ctx context.Context) (*Outcome, error) {
	preds := ex.g.EndPredecessors()

	var texts []string

	for _, id := range preds {
		if o := ex.run.NodeOutputs[id]; o != nil && o.Status == core.NodeStatusCompleted && o.Text() != "" {
			texts = append(texts, o.Text())
		}
	}

	final := strings.Join(texts, "\n\n")

	synthID := firstNonEmpty(ex.g.Constellation().SynthesisStarID, ex.r.cfg.SynthesisStarID)
	_, hasPrefs := ex.run.Variables["user_preferences"]

	if synthID != "" && (len(preds) > 1 || hasPrefs) {
		text, err := ex.synthesize(ctx, synthID, preds)

		switch {
		case err == nil:
			final = text
		case ctx.Err() != nil:
			return ex.interrupted(ctx.Err())
		default:
			ex.logger.Warn("runner.synthesis.failed", "run_id", ex.run.ID, "star_id", synthID, "error", err.Error())
		}
	}

	endID := ex.g.EndID()
	now := time.Now().UTC()

	attempts := 1
	if prev := ex.run.NodeOutputs[endID]; prev != nil {
		attempts = prev.Attempts + 1
	}

	ex.run.NodeOutputs[endID] = &core.NodeOutput{
		NodeID:      endID,
		Status:      core.NodeStatusCompleted,
		StartedAt:   now,
		CompletedAt: now,
		Output:      &core.StarResult{Status: core.ResultCompleted, Text: final},
		Attempts:    attempts,
	}
	ex.run.FinalOutput = final

	if err := ex.run.Transition(core.RunStatusCompleted); err != nil {
		return ex.fail(err)
	}

	if err := ex.persist(); err != nil {
		return ex.fail(err)
	}

	ex.finished()

	ev := core.NewEvent(core.EventRunCompleted, ex.run.ID)
	ev.Text = final
	ex.emit(ev)

	return &Outcome{Kind: OutcomeCompleted, Run: ex.run.Clone()}, nil
}

// synthesize runs the synthesis star over the outputs of preds only.
func (ex *execution) synthesize(ctx context.Context, starID string, preds []string) (string, error) {
	s, ok := ex.stars[starID]
	if !ok {
		var err error
		if s, err = ex.r.stars.GetStar(ctx, starID); err != nil {
			return "", fmt.Errorf("load synthesis star: %w", err)
		}
	}

	if s.Kind != core.StarKindSynthesis {
		return "", fmt.Errorf("star %s is a %s star, not synthesis", s.ID, s.Kind)
	}

	ec := ex.baseContext(ctx).ForNode(ex.g.EndID(), nil)

	for id := range ec.NodeOutputs {
		if !slices.Contains(preds, id) {
			delete(ec.NodeOutputs, id)
		}
	}

	res, err := ex.r.exec.Execute(ec, s)
	if err != nil {
		return "", err
	}

	if res == nil {
		return "", errors.New("synthesis returned no result")
	}

	if res.Failed() {
		return "", fmt.Errorf("synthesis failed: %s", res.Error)
	}

	return res.Text, nil
}

// interrupted ends a run whose context was cancelled or timed out.
func (ex *execution) interrupted(cause error) (*Outcome, error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		return ex.fail(fmt.Errorf("run timed out: %w", cause))
	}

	if err := ex.run.Transition(core.RunStatusCancelled); err != nil {
		return ex.fail(err)
	}

	ex.run.Error = "run cancelled"

	if err := ex.persist(); err != nil {
		ex.logger.Error("runner.persist.failed", "run_id", ex.run.ID, "error", err.Error())
	}

	ex.finished()
	ex.logger.Info("runner.run.cancelled", "run_id", ex.run.ID)
	ex.emit(core.NewEvent(core.EventRunCancelled, ex.run.ID))

	return &Outcome{Kind: OutcomeCancelled, Run: ex.run.Clone()}, cause
}

// fail marks the run failed with cause, persists it and emits RunFailed.
func (ex *execution) fail(cause error) (*Outcome, error) {
	if !ex.run.Status.IsTerminal() {
		if err := ex.run.MarkFailed(cause.Error()); err != nil {
			ex.logger.Error("runner.run.transition_failed", "run_id", ex.run.ID, "error", err.Error())
		}

		if err := ex.persist(); err != nil {
			ex.logger.Error("runner.persist.failed", "run_id", ex.run.ID, "error", err.Error())
		}

		ex.finished()
	}

	ex.logger.Error("runner.run.failed", "run_id", ex.run.ID, "error", cause.Error())

	ev := core.NewEvent(core.EventRunFailed, ex.run.ID)
	ev.Error = cause.Error()
	ex.emit(ev)

	return &Outcome{Kind: OutcomeFailed, Run: ex.run.Clone()}, cause
}

func (ex *execution) finished() {
	ex.r.metrics.RunFinished(ex.run.Status, time.Since(ex.run.StartedAt))
}

// persist saves the run and refreshes the cached snapshot.
func (ex *execution) persist() error {
	ex.run.UpdatedAt = time.Now().UTC()

	if err := ex.r.store.SaveRun(ex.bg, ex.run); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}

	ex.r.runs.Add(ex.run.ID, ex.run.Clone())

	return nil
}

func (ex *execution) emit(ev core.Event) {
	ex.emitter.Emit(ex.bg, ev)
}
