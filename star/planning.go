package star

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/util"
	"github.com/hupe1980/starmesh/model"
)

const planningInstructions = `Break the request into concrete tasks. Reply with JSON only:
{"goal": "...", "tasks": [{"id": "task_1", "description": "...", "depends_on": [], "success_criteria": "..."}]}`

// PlanningExecutor asks the model for a task plan and normalises it: missing
// or duplicate ids are renumbered, unknown dependencies are dropped and tasks
// are ordered topologically, keeping declaration order among independent
// tasks. A reply that cannot be parsed becomes a single task plan; a
// dependency cycle fails the star.
type PlanningExecutor struct {
	env *env
}

// Validate implements Executor.
func (p *PlanningExecutor) Validate(s *core.Star) []error {
	if n := s.ConfigInt("max_tasks", 0); n < 0 {
		return []error{&core.ValidationError{Field: "config.max_tasks", Message: "must not be negative"}}
	}

	return nil
}

// Execute implements Executor.
func (p *PlanningExecutor) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	d, err := p.env.directive(ec.Context, s)
	if err != nil {
		return failure(ec, core.StarKindPlanning, err)
	}

	resp, err := p.env.chat(ec, model.Request{Messages: []model.Message{
		model.SystemMessage(joinBlocks(systemPrompt(d, ec.Variables, "You are a planner."), planningInstructions)),
		model.UserMessage(p.env.contextBlock(ec)),
	}})
	if err != nil {
		return modelFailure(ec, core.StarKindPlanning, err)
	}

	plan, parsed := parsePlan(resp.Content)
	if !parsed {
		ec.LogWarn("plan reply could not be parsed, using a single task", "star_id", s.ID)
		plan = fallbackPlan(ec.OriginalQuery, resp.Content)
	}

	if limit := s.ConfigInt("max_tasks", 0); limit > 0 && len(plan.Tasks) > limit {
		plan.Tasks = plan.Tasks[:limit]
	}

	ordered, err := normalizePlan(plan)
	if err != nil {
		return core.FailedResult(core.StarKindPlanning, err), nil
	}

	return &core.StarResult{
		Kind:     core.StarKindPlanning,
		Status:   core.ResultCompleted,
		Text:     renderPlan(ordered),
		Plan:     ordered,
		Metadata: map[string]any{"parsed": parsed},
	}, nil
}

func parsePlan(content string) (*core.Plan, bool) {
	raw, ok := util.ExtractJSON(content)
	if !ok {
		return nil, false
	}

	var plan core.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil || len(plan.Tasks) == 0 {
		return nil, false
	}

	return &plan, true
}

func fallbackPlan(query, reply string) *core.Plan {
	desc := strings.TrimSpace(query)
	if desc == "" {
		desc = strings.TrimSpace(reply)
	}

	return &core.Plan{Goal: desc, Tasks: []core.PlanTask{{ID: "task_1", Description: desc}}}
}

// normalizePlan fixes ids and dependencies and sorts the tasks.
func normalizePlan(plan *core.Plan) (*core.Plan, error) {
	tasks := make([]core.PlanTask, len(plan.Tasks))
	seen := map[string]bool{}

	for i, t := range plan.Tasks {
		if t.ID == "" || seen[t.ID] {
			t.ID = fmt.Sprintf("task_%d", i+1)
		}

		for seen[t.ID] {
			t.ID += "_"
		}

		seen[t.ID] = true
		tasks[i] = t
	}

	for i := range tasks {
		var deps []string

		for _, dep := range tasks[i].DependsOn {
			if dep != tasks[i].ID && seen[dep] {
				deps = append(deps, dep)
			}
		}

		tasks[i].DependsOn = deps
	}

	// Kahn's algorithm, always taking the earliest declared ready task.
	done := map[string]bool{}
	ordered := make([]core.PlanTask, 0, len(tasks))

	for len(ordered) < len(tasks) {
		progressed := false

		for _, t := range tasks {
			if done[t.ID] || !allDone(t.DependsOn, done) {
				continue
			}

			done[t.ID] = true
			ordered = append(ordered, t)
			progressed = true

			break
		}

		if !progressed {
			var stuck []string

			for _, t := range tasks {
				if !done[t.ID] {
					stuck = append(stuck, t.ID)
				}
			}

			return nil, fmt.Errorf("plan has a dependency cycle between tasks %s", strings.Join(stuck, ", "))
		}
	}

	return &core.Plan{Goal: plan.Goal, Tasks: ordered}, nil
}

func allDone(ids []string, done map[string]bool) bool {
	for _, id := range ids {
		if !done[id] {
			return false
		}
	}

	return true
}

func renderPlan(plan *core.Plan) string {
	var b strings.Builder

	if plan.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", plan.Goal)
	}

	for i, t := range plan.Tasks {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, t.ID, t.Description)

		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(t.DependsOn, ", "))
		}

		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
