package core

import (
	"fmt"
	"slices"
	"sort"
)

// StarKind tags the execution strategy of a star.
type StarKind string

const (
	// StarKindWorker runs a bounded ReAct style tool loop.
	StarKindWorker StarKind = "worker"
	// StarKindPlanning produces a task plan.
	StarKindPlanning StarKind = "planning"
	// StarKindExecution fans out one worker per planned task.
	StarKindExecution StarKind = "execution"
	// StarKindEval produces a continue/loop routing decision.
	StarKindEval StarKind = "eval"
	// StarKindSynthesis merges upstream outputs into a single result.
	StarKindSynthesis StarKind = "synthesis"
	// StarKindDocEx extracts information from documents in parallel.
	StarKindDocEx StarKind = "docex"
)

// StarKinds lists every known kind in a stable order.
var StarKinds = []StarKind{
	StarKindWorker, StarKindPlanning, StarKindExecution,
	StarKindEval, StarKindSynthesis, StarKindDocEx,
}

// Valid reports whether k is a known kind.
func (k StarKind) Valid() bool {
	return slices.Contains(StarKinds, k)
}

// IsAtomic reports whether stars of this kind may carry their own probes.
// Execution stars orchestrate other stars and carry none.
func (k StarKind) IsAtomic() bool {
	return k != StarKindExecution && k.Valid()
}

// Star is a typed execution unit bound to a directive.
type Star struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Kind        StarKind       `json:"type" yaml:"type"`
	DirectiveID string         `json:"directive_id" yaml:"directive_id"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	ProbeIDs    []string       `json:"probe_ids,omitempty" yaml:"probe_ids,omitempty"`
	AIGenerated bool           `json:"ai_generated,omitempty" yaml:"ai_generated,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Clone returns a copy whose slices and maps can be mutated independently.
func (s *Star) Clone() *Star {
	if s == nil {
		return nil
	}

	cp := *s
	cp.Config = cloneMap(s.Config)
	cp.ProbeIDs = cloneStrings(s.ProbeIDs)
	cp.Metadata = cloneMap(s.Metadata)

	return &cp
}

// ConfigString returns a string config value or def.
func (s *Star) ConfigString(key, def string) string {
	if v, ok := s.Config[key].(string); ok && v != "" {
		return v
	}

	return def
}

// ConfigBool returns a bool config value or def.
func (s *Star) ConfigBool(key string, def bool) bool {
	if v, ok := s.Config[key].(bool); ok {
		return v
	}

	return def
}

// ConfigInt returns an integer config value or def. Numeric values decoded
// from JSON or YAML are accepted.
func (s *Star) ConfigInt(key string, def int) int {
	switch v := s.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ResolveProbes returns the effective probe set of a star: the deduplicated,
// sorted union of the star's own probe ids and its directive's probe ids.
// Execution stars have no probes of their own.
func ResolveProbes(s *Star, d *Directive) []string {
	set := map[string]struct{}{}

	if s != nil && s.Kind != StarKindExecution {
		for _, id := range s.ProbeIDs {
			set[id] = struct{}{}
		}
	}

	if d != nil {
		for _, id := range d.ProbeIDs {
			set[id] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// ValidateStar performs the structural checks shared by every kind.
func ValidateStar(s *Star) []error {
	var errs []error

	if s == nil {
		return []error{&ValidationError{Field: "star", Message: "star must not be nil"}}
	}

	if s.ID == "" {
		errs = append(errs, &ValidationError{Field: "id", Message: "id must not be empty"})
	}

	if !s.Kind.Valid() {
		errs = append(errs, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown star type %q", s.Kind)})
	}

	if s.Kind == StarKindExecution && len(s.ProbeIDs) > 0 {
		errs = append(errs, &ValidationError{Field: "probe_ids", Message: "execution stars cannot carry probes"})
	}

	return errs
}

// ResultStatus summarises the outcome of a star execution.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultPartial   ResultStatus = "partial"
	ResultFailed    ResultStatus = "failed"
)

// Decision is an Eval star's routing verdict.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionLoop     Decision = "loop"
)

// EvalDecision is produced by Eval stars and consumed by the runner to pick
// an outgoing edge.
type EvalDecision struct {
	Decision   Decision `json:"decision"`
	Reasoning  string   `json:"reasoning,omitempty"`
	LoopTarget string   `json:"loop_target,omitempty"`
	// Forced is set by the runner when the loop cap converted a loop into continue.
	Forced bool `json:"forced,omitempty"`
}

// PlanTask is one unit of work in a Plan.
type PlanTask struct {
	ID              string   `json:"id"`
	Description     string   `json:"description"`
	DependsOn       []string `json:"depends_on,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
}

// Plan is an ordered task list produced by a Planning star.
type Plan struct {
	Goal  string     `json:"goal,omitempty"`
	Tasks []PlanTask `json:"tasks"`
}

// TaskResult records the worker outcome for one planned task.
type TaskResult struct {
	TaskID string       `json:"task_id"`
	Status ResultStatus `json:"status"`
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// DocumentResult records the extraction outcome for one document.
type DocumentResult struct {
	DocumentID string       `json:"document_id"`
	Name       string       `json:"name,omitempty"`
	Status     ResultStatus `json:"status"`
	Extraction string       `json:"extraction,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// StarResult is the typed output of a star execution. Kind specific payloads
// (Plan, Decision, Tasks, Documents) are set only by the matching kind.
type StarResult struct {
	Kind      StarKind         `json:"kind"`
	Status    ResultStatus     `json:"status"`
	Text      string           `json:"text,omitempty"`
	Error     string           `json:"error,omitempty"`
	Plan      *Plan            `json:"plan,omitempty"`
	Decision  *EvalDecision    `json:"decision,omitempty"`
	Tasks     []TaskResult     `json:"tasks,omitempty"`
	Documents []DocumentResult `json:"documents,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Failed reports whether the result signals failure.
func (r *StarResult) Failed() bool {
	return r != nil && r.Status == ResultFailed
}

// FailedResult builds a failed result embedding err's message.
func FailedResult(kind StarKind, err error) *StarResult {
	return &StarResult{Kind: kind, Status: ResultFailed, Error: err.Error()}
}
