package star

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/util"
	"github.com/hupe1980/starmesh/model"
)

const evalInstructions = `Judge whether the previous results satisfy the request. Reply with JSON only:
{"decision": "continue" or "loop", "reasoning": "...", "loop_target": "<node id to revisit, optional>"}`

// EvalExecutor produces the routing decision of an eval node. A fixed
// config.decision (with optional config.loop_target) bypasses the model.
type EvalExecutor struct {
	env *env
}

// Validate implements Executor.
func (v *EvalExecutor) Validate(s *core.Star) []error {
	switch core.Decision(s.ConfigString("decision", "")) {
	case "", core.DecisionContinue, core.DecisionLoop:
		return nil
	default:
		return []error{&core.ValidationError{
			Field:   "config.decision",
			Message: fmt.Sprintf("decision must be %q or %q", core.DecisionContinue, core.DecisionLoop),
		}}
	}
}

// Execute implements Executor.
func (v *EvalExecutor) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	if fixed := s.ConfigString("decision", ""); fixed != "" {
		return decisionResult(&core.EvalDecision{
			Decision:   core.Decision(fixed),
			Reasoning:  "configured decision",
			LoopTarget: s.ConfigString("loop_target", ""),
		}), nil
	}

	d, err := v.env.directive(ec.Context, s)
	if err != nil {
		return failure(ec, core.StarKindEval, err)
	}

	resp, err := v.env.chat(ec, model.Request{Messages: []model.Message{
		model.SystemMessage(joinBlocks(systemPrompt(d, ec.Variables, "You are a strict reviewer."), evalInstructions)),
		model.UserMessage(v.env.contextBlock(ec)),
	}})
	if err != nil {
		return modelFailure(ec, core.StarKindEval, err)
	}

	return decisionResult(parseDecision(resp.Content)), nil
}

// parseDecision reads the model reply. Anything unparseable continues.
func parseDecision(content string) *core.EvalDecision {
	var out core.EvalDecision

	raw, ok := util.ExtractJSON(content)
	if ok && json.Unmarshal([]byte(raw), &out) == nil {
		out.Decision = core.Decision(strings.ToLower(strings.TrimSpace(string(out.Decision))))
		if out.Decision == core.DecisionContinue || out.Decision == core.DecisionLoop {
			return &out
		}
	}

	return &core.EvalDecision{
		Decision:  core.DecisionContinue,
		Reasoning: "unparseable evaluation, continuing: " + util.Truncate(content, 200),
	}
}

func decisionResult(dec *core.EvalDecision) *core.StarResult {
	text := string(dec.Decision)
	if dec.Reasoning != "" {
		text += ": " + dec.Reasoning
	}

	return &core.StarResult{
		Kind:     core.StarKindEval,
		Status:   core.ResultCompleted,
		Text:     text,
		Decision: dec,
	}
}
