package star

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/model"
)

const synthesisInstructions = "Merge the numbered inputs into one coherent answer to the request. Remove duplication and resolve contradictions."

// SynthesisExecutor merges upstream texts. A single input without user
// preferences is passed through unchanged; otherwise the model rewrites the
// inputs. Preferences come from the user_preferences variable or
// config.format.
type SynthesisExecutor struct {
	env *env
}

// Validate implements Executor.
func (x *SynthesisExecutor) Validate(*core.Star) []error { return nil }

// Execute implements Executor.
func (x *SynthesisExecutor) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	var inputs []string

	for _, o := range ec.Upstream() {
		if t := strings.TrimSpace(o.Text()); t != "" {
			inputs = append(inputs, t)
		}
	}

	if len(inputs) == 0 {
		return core.FailedResult(core.StarKindSynthesis, errors.New("nothing to synthesize")), nil
	}

	prefs := Preferences(ec, s)

	if len(inputs) == 1 && prefs == "" {
		return &core.StarResult{Kind: core.StarKindSynthesis, Status: core.ResultCompleted, Text: inputs[0]}, nil
	}

	d, err := x.env.directive(ec.Context, s)
	if err != nil {
		return failure(ec, core.StarKindSynthesis, err)
	}

	system := joinBlocks(systemPrompt(d, ec.Variables, "You are an editor."), synthesisInstructions)
	if prefs != "" {
		system = joinBlocks(system, "Follow these preferences:\n"+prefs)
	}

	var user strings.Builder

	if ec.OriginalQuery != "" {
		fmt.Fprintf(&user, "Request:\n%s\n\n", ec.OriginalQuery)
	}

	for i, in := range inputs {
		fmt.Fprintf(&user, "Input %d:\n%s\n\n", i+1, in)
	}

	resp, err := x.env.chat(ec, model.Request{Messages: []model.Message{
		model.SystemMessage(system),
		model.UserMessage(strings.TrimSpace(user.String())),
	}})
	if err != nil {
		res, ctxErr := modelFailure(ec, core.StarKindSynthesis, err)
		if res != nil {
			res.Text = strings.Join(inputs, "\n\n")
		}

		return res, ctxErr
	}

	return &core.StarResult{
		Kind:     core.StarKindSynthesis,
		Status:   core.ResultCompleted,
		Text:     resp.Content,
		Metadata: map[string]any{"inputs": len(inputs)},
	}, nil
}

// Preferences returns the formatting preferences that make a synthesis
// star call the model even for a single input.
func Preferences(ec *core.ExecutionContext, s *core.Star) string {
	if v, ok := ec.Variable("user_preferences"); ok && v != nil {
		if p := strings.TrimSpace(fmt.Sprint(v)); p != "" {
			return p
		}
	}

	if s == nil {
		return ""
	}

	return s.ConfigString("format", "")
}
