package star

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/model"
	"github.com/hupe1980/starmesh/probe"
)

type catalog struct {
	directives map[string]*core.Directive
	stars      map[string]*core.Star
}

func (c *catalog) Get(_ context.Context, id string) (*core.Directive, error) {
	if d, ok := c.directives[id]; ok {
		return d, nil
	}

	return nil, fmt.Errorf("directive %s: %w", id, core.ErrNotFound)
}

func (c *catalog) GetStar(_ context.Context, id string) (*core.Star, error) {
	if s, ok := c.stars[id]; ok {
		return s, nil
	}

	return nil, fmt.Errorf("star %s: %w", id, core.ErrNotFound)
}

type events struct {
	mu  sync.Mutex
	all []core.Event
}

func (e *events) emit(ev core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.all = append(e.all, ev)
}

func (e *events) ofType(t core.EventType) []core.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []core.Event

	for _, ev := range e.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}

	return out
}

type sumArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func newProbes(t *testing.T) *probe.Registry {
	t.Helper()

	r := probe.NewRegistry()
	require.NoError(t, r.Register(probe.NewFromStruct("sum", "Add two numbers", sumArgs{}, func(_ *core.ProbeContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})))
	require.NoError(t, r.Register(probe.New("secret", "Not for workers", nil, func(*core.ProbeContext, map[string]any) (any, error) {
		return "classified", nil
	})))

	return r
}

func newContext(ctx context.Context, ev *events) *core.ExecutionContext {
	var emit func(core.Event)
	if ev != nil {
		emit = ev.emit
	}

	ec := core.NewExecutionContext(ctx, "run-1", emit, nil)
	ec.NodeID = "node"
	ec.OriginalQuery = "What is the answer?"

	return ec
}

func withUpstream(ec *core.ExecutionContext, outs ...*core.StarResult) *core.ExecutionContext {
	base := time.Now()

	for i, o := range outs {
		id := fmt.Sprintf("up%d", i+1)
		ec.NodeOutputs[id] = &core.NodeOutput{
			NodeID:      id,
			StarID:      "s-" + id,
			Status:      core.NodeStatusCompleted,
			Output:      o,
			CompletedAt: base.Add(time.Duration(i) * time.Second),
		}
	}

	return ec
}

func toolCall(id, name, args string) model.ToolCall {
	return model.ToolCall{ID: id, Type: "function", Function: model.ToolCallFunction{Name: name, Arguments: json.RawMessage(args)}}
}

func TestWorkerPromptAssembly(t *testing.T) {
	provider := model.NewMockProvider("mock")
	cat := &catalog{directives: map[string]*core.Directive{
		"d1": {
			ID:      "d1",
			Content: "Write about @variable:topic in a @variable:tone tone.",
			TemplateVariables: []core.TemplateVariable{
				{Name: "topic"},
				{Name: "tone", Default: "neutral"},
			},
		},
	}}

	d := NewDispatcher(func(o *Options) {
		o.Provider = provider
		o.Catalog = cat
		o.UpstreamChars = 10
	})

	ec := withUpstream(newContext(context.Background(), nil), &core.StarResult{Text: strings.Repeat("x", 50)})
	ec.Variables["topic"] = "Go"
	ec.ConstellationPurpose = "testing"
	ec.AdditionalContext = "be brief"

	res, err := d.Execute(ec, &core.Star{ID: "w", Kind: core.StarKindWorker, DirectiveID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, core.ResultCompleted, res.Status)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Write about Go in a neutral tone.", calls[0].System())

	user := calls[0].LastUserMessage()
	assert.Contains(t, user, "What is the answer?")
	assert.Contains(t, user, "Purpose:\ntesting")
	assert.Contains(t, user, "[up1] "+strings.Repeat("x", 10)+"...")
	assert.NotContains(t, user, strings.Repeat("x", 11))
	assert.Contains(t, user, "Additional context:\nbe brief")
	assert.Contains(t, user, "topic: Go")
}

func TestWorkerToolLoop(t *testing.T) {
	provider := model.NewMockProvider("mock").Enqueue(
		&model.Response{ToolCalls: []model.ToolCall{
			toolCall("c1", "sum", `{"a":1,"b":2}`),
			toolCall("c2", "secret", `{}`),
		}},
		&model.Response{Content: "The sum is 3."},
	)

	d := NewDispatcher(func(o *Options) {
		o.Provider = provider
		o.Probes = newProbes(t)
	})

	ev := &events{}
	res, err := d.Execute(newContext(context.Background(), ev), &core.Star{ID: "w", Kind: core.StarKindWorker, ProbeIDs: []string{"sum"}})
	require.NoError(t, err)

	assert.Equal(t, core.ResultCompleted, res.Status)
	assert.Equal(t, "The sum is 3.", res.Text)

	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "sum", res.ToolCalls[0].Probe)
	assert.Equal(t, 3.0, res.ToolCalls[0].Result)
	assert.Empty(t, res.ToolCalls[0].Error)
	assert.Equal(t, "secret", res.ToolCalls[1].Probe)
	assert.Contains(t, res.ToolCalls[1].Error, "not available")
	assert.Nil(t, res.ToolCalls[1].Result)

	assert.Len(t, ev.ofType(core.EventToolCall), 2)
	assert.Len(t, ev.ofType(core.EventToolResult), 2)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].Tools, 1)
	assert.Equal(t, "sum", calls[0].Tools[0].Function.Name)

	second := calls[1].Messages
	assert.Equal(t, model.RoleTool, second[len(second)-2].Role)
	assert.Equal(t, "3", second[len(second)-2].Content)
	assert.True(t, strings.HasPrefix(second[len(second)-1].Content, "error: "))
}

func TestWorkerIterationBudget(t *testing.T) {
	provider := model.NewMockProvider("mock").SetHandler(func(context.Context, model.Request) (*model.Response, error) {
		return &model.Response{Content: "thinking", ToolCalls: []model.ToolCall{toolCall("c", "sum", `{"a":1,"b":1}`)}}, nil
	})

	d := NewDispatcher(func(o *Options) {
		o.Provider = provider
		o.Probes = newProbes(t)
	})

	res, err := d.Execute(newContext(context.Background(), nil), &core.Star{
		ID: "w", Kind: core.StarKindWorker, ProbeIDs: []string{"sum"},
		Config: map[string]any{"max_iterations": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, core.ResultPartial, res.Status)
	assert.Equal(t, "thinking", res.Text)
	assert.Len(t, res.ToolCalls, 2)
	assert.Equal(t, 2, provider.CallCount())
}

func TestWorkerModelFailureIsAResult(t *testing.T) {
	d := NewDispatcher(func(o *Options) {
		o.Provider = model.NewMockProvider("mock").FailWith(errors.New("rate limited"))
	})

	res, err := d.Execute(newContext(context.Background(), nil), &core.Star{ID: "w", Kind: core.StarKindWorker})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "rate limited")
}

func TestWorkerCancellationIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(func(o *Options) { o.Provider = model.NewMockProvider("mock") })

	_, err := d.Execute(newContext(ctx, nil), &core.Star{ID: "w", Kind: core.StarKindWorker})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerCallLimit(t *testing.T) {
	d := NewDispatcher(func(o *Options) { o.Provider = model.NewMockProvider("mock") })

	ec := newContext(context.Background(), nil)
	ec.Limiter = core.NewCallLimiter(1)

	res, err := d.Execute(ec, &core.Star{ID: "w", Kind: core.StarKindWorker})
	require.NoError(t, err)
	assert.Equal(t, core.ResultCompleted, res.Status)

	res, err = d.Execute(ec, &core.Star{ID: "w", Kind: core.StarKindWorker})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "exceeded max model calls")
}

func TestWorkerStreamsTokens(t *testing.T) {
	provider := model.NewMockProvider("mock").Enqueue(&model.Response{Content: "one two three"})
	ev := &events{}

	d := NewDispatcher(func(o *Options) { o.Provider = provider })

	_, err := d.Execute(newContext(context.Background(), ev), &core.Star{ID: "w", Kind: core.StarKindWorker})
	require.NoError(t, err)

	var text string
	for _, e := range ev.ofType(core.EventToken) {
		assert.Equal(t, "node", e.NodeID)
		text += e.Text
	}

	assert.Equal(t, "one two three", text)

	ev2 := &events{}
	d = NewDispatcher(func(o *Options) {
		o.Provider = model.NewMockProvider("mock")
		o.DisableStreaming = true
	})

	_, err = d.Execute(newContext(context.Background(), ev2), &core.Star{ID: "w", Kind: core.StarKindWorker})
	require.NoError(t, err)
	assert.Empty(t, ev2.ofType(core.EventToken))
}

type memoryStub struct {
	hits   []core.SearchResult
	stored []string
}

func (m *memoryStub) Store(_ context.Context, _, content string, _ map[string]any) (string, error) {
	m.stored = append(m.stored, content)
	return "m1", nil
}

func (m *memoryStub) Search(context.Context, string, string, int) ([]core.SearchResult, error) {
	return m.hits, nil
}

func (m *memoryStub) Delete(context.Context, string) error { return nil }

func TestWorkerUsesMemory(t *testing.T) {
	provider := model.NewMockProvider("mock").Enqueue(&model.Response{Content: "42"})
	mem := &memoryStub{hits: []core.SearchResult{{Content: "the answer was 42 last time"}}}

	d := NewDispatcher(func(o *Options) { o.Provider = provider })

	ec := newContext(context.Background(), nil)
	ec.Memory = mem

	_, err := d.Execute(ec, &core.Star{ID: "w", Kind: core.StarKindWorker, Config: map[string]any{"use_memory": true}})
	require.NoError(t, err)

	assert.Contains(t, provider.Calls()[0].LastUserMessage(), "Relevant memories:\n- the answer was 42 last time")
	assert.Equal(t, []string{"42"}, mem.stored)
}

func TestPlanning(t *testing.T) {
	reply := "Here is the plan:\n```json\n" + `{"goal":"ship","tasks":[
		{"id":"deploy","description":"Deploy","depends_on":["build","ghost"]},
		{"id":"build","description":"Build","depends_on":["test"]},
		{"id":"test","description":"Test"},
		{"description":"Announce","depends_on":["deploy"]}
	]}` + "\n```"

	d := NewDispatcher(func(o *Options) {
		o.Provider = model.NewMockProvider("mock").Enqueue(&model.Response{Content: reply})
	})

	res, err := d.Execute(newContext(context.Background(), nil), &core.Star{ID: "p", Kind: core.StarKindPlanning})
	require.NoError(t, err)
	require.Equal(t, core.ResultCompleted, res.Status)
	require.NotNil(t, res.Plan)

	var ids []string
	for _, task := range res.Plan.Tasks {
		ids = append(ids, task.ID)
	}

	assert.Equal(t, []string{"test", "build", "deploy", "task_4"}, ids)
	assert.Equal(t, []string{"build"}, res.Plan.Tasks[2].DependsOn)
	assert.Equal(t, "ship", res.Plan.Goal)
	assert.Contains(t, res.Text, "3. [deploy] Deploy (after build)")
}

func TestPlanningFallbackAndCycle(t *testing.T) {
	d := NewDispatcher(func(o *Options) {
		o.Provider = model.NewMockProvider("mock").Enqueue(
			&model.Response{Content: "I would just do it."},
			&model.Response{Content: `{"tasks":[{"id":"a","description":"A","depends_on":["b"]},{"id":"b","description":"B","depends_on":["a"]}]}`},
		)
	})

	res, err := d.Execute(newContext(context.Background(), nil), &core.Star{ID: "p", Kind: core.StarKindPlanning})
	require.NoError(t, err)
	require.Len(t, res.Plan.Tasks, 1)
	assert.Equal(t, "What is the answer?", res.Plan.Tasks[0].Description)
	assert.Equal(t, false, res.Metadata["parsed"])

	res, err = d.Execute(newContext(context.Background(), nil), &core.Star{ID: "p", Kind: core.StarKindPlanning})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "dependency cycle")
}

func planOutput(tasks ...string) *core.StarResult {
	plan := &core.Plan{}
	for i, desc := range tasks {
		plan.Tasks = append(plan.Tasks, core.PlanTask{ID: fmt.Sprintf("t%d", i+1), Description: desc})
	}

	return &core.StarResult{Kind: core.StarKindPlanning, Status: core.ResultCompleted, Plan: plan}
}

func taskHandler(_ context.Context, req model.Request) (*model.Response, error) {
	user := req.LastUserMessage()
	if strings.Contains(user, "Your task:\nexplode") {
		return nil, errors.New("boom")
	}

	i := strings.Index(user, "Your task:\n")

	return &model.Response{Content: "done " + user[i+len("Your task:\n"):]}, nil
}

func TestExecutionParallel(t *testing.T) {
	d := NewDispatcher(func(o *Options) {
		o.Provider = model.NewMockProvider("mock").SetHandler(taskHandler)
	})

	ec := withUpstream(newContext(context.Background(), nil), planOutput("alpha", "explode", "gamma"))

	res, err := d.Execute(ec, &core.Star{ID: "x", Kind: core.StarKindExecution})
	require.NoError(t, err)

	assert.Equal(t, core.ResultPartial, res.Status)
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, core.ResultCompleted, res.Tasks[0].Status)
	assert.Equal(t, "done alpha", res.Tasks[0].Output)
	assert.Equal(t, core.ResultFailed, res.Tasks[1].Status)
	assert.Contains(t, res.Tasks[1].Error, "boom")
	assert.Contains(t, res.Text, "## t3\ndone gamma")
	assert.Contains(t, res.Error, "t2:")
}

func TestExecutionSequentialWithWorkerStar(t *testing.T) {
	provider := model.NewMockProvider("mock").SetHandler(taskHandler)
	cat := &catalog{
		directives: map[string]*core.Directive{"wd": {ID: "wd", Content: "You are the worker."}},
		stars:      map[string]*core.Star{"w": {ID: "w", Kind: core.StarKindWorker, DirectiveID: "wd"}},
	}

	d := NewDispatcher(func(o *Options) {
		o.Provider = provider
		o.Catalog = cat
	})

	ec := withUpstream(newContext(context.Background(), nil), planOutput("alpha", "beta"))

	res, err := d.Execute(ec, &core.Star{ID: "x", Kind: core.StarKindExecution, Config: map[string]any{
		"parallel":       false,
		"worker_star_id": "w",
	}})
	require.NoError(t, err)
	assert.Equal(t, core.ResultCompleted, res.Status)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "You are the worker.", calls[0].System())
	assert.NotContains(t, calls[0].LastUserMessage(), "previous_results")
	assert.Contains(t, calls[1].LastUserMessage(), "previous_results: [t1] done alpha")
}

func TestExecutionWithoutPlanFails(t *testing.T) {
	d := NewDispatcher(func(o *Options) { o.Provider = model.NewMockProvider("mock") })

	res, err := d.Execute(newContext(context.Background(), nil), &core.Star{ID: "x", Kind: core.StarKindExecution})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "no upstream plan")
}

func TestEval(t *testing.T) {
	provider := model.NewMockProvider("mock").Enqueue(
		&model.Response{Content: `{"decision":"LOOP","reasoning":"too short","loop_target":"draft"}`},
		&model.Response{Content: "looks fine to me"},
	)

	d := NewDispatcher(func(o *Options) { o.Provider = provider })

	res, err := d.Execute(newContext(context.Background(), nil), &core.Star{ID: "e", Kind: core.StarKindEval})
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.Equal(t, core.DecisionLoop, res.Decision.Decision)
	assert.Equal(t, "draft", res.Decision.LoopTarget)
	assert.Equal(t, "loop: too short", res.Text)

	res, err = d.Execute(newContext(context.Background(), nil), &core.Star{ID: "e", Kind: core.StarKindEval})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionContinue, res.Decision.Decision)

	res, err = d.Execute(newContext(context.Background(), nil), &core.Star{
		ID: "e", Kind: core.StarKindEval, Config: map[string]any{"decision": "loop"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DecisionLoop, res.Decision.Decision)
	assert.Equal(t, 2, provider.CallCount())
}

func TestSynthesis(t *testing.T) {
	provider := model.NewMockProvider("mock").Enqueue(&model.Response{Content: "merged"})
	d := NewDispatcher(func(o *Options) { o.Provider = provider })
	s := &core.Star{ID: "syn", Kind: core.StarKindSynthesis}

	single := withUpstream(newContext(context.Background(), nil), &core.StarResult{Text: "only"})
	res, err := d.Execute(single, s)
	require.NoError(t, err)
	assert.Equal(t, "only", res.Text)
	assert.Equal(t, 0, provider.CallCount())

	multi := withUpstream(newContext(context.Background(), nil), &core.StarResult{Text: "a"}, &core.StarResult{Text: "b"})
	res, err = d.Execute(multi, s)
	require.NoError(t, err)
	assert.Equal(t, "merged", res.Text)
	assert.Contains(t, provider.Calls()[0].LastUserMessage(), "Input 2:\nb")

	prefs := withUpstream(newContext(context.Background(), nil), &core.StarResult{Text: "only"})
	prefs.Variables["user_preferences"] = "bullet points"
	_, err = d.Execute(prefs, s)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.CallCount())
	assert.Contains(t, provider.Calls()[1].System(), "bullet points")
}

func TestSynthesisFailureKeepsInputs(t *testing.T) {
	d := NewDispatcher(func(o *Options) {
		o.Provider = model.NewMockProvider("mock").FailWith(errors.New("offline"))
	})

	ec := withUpstream(newContext(context.Background(), nil), &core.StarResult{Text: "a"}, &core.StarResult{Text: "b"})

	res, err := d.Execute(ec, &core.Star{ID: "syn", Kind: core.StarKindSynthesis})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, "a\n\nb", res.Text)
}

type artifactStub map[string][]byte

func (a artifactStub) Save(context.Context, string, string, []byte) error { return nil }

func (a artifactStub) Get(_ context.Context, scope, id string) ([]byte, error) {
	if b, ok := a[scope+"/"+id]; ok {
		return b, nil
	}

	return nil, core.ErrNotFound
}

func (a artifactStub) List(context.Context, string) ([]string, error) { return nil, nil }

func (a artifactStub) Delete(context.Context, string, string) error { return nil }

func TestDocEx(t *testing.T) {
	provider := model.NewMockProvider("mock").SetHandler(func(_ context.Context, req model.Request) (*model.Response, error) {
		user := req.LastUserMessage()
		return &model.Response{Content: "extracted " + user[strings.LastIndex(user, "\n")+1:]}, nil
	})

	d := NewDispatcher(func(o *Options) { o.Provider = provider })

	ec := newContext(context.Background(), nil)
	ec.Artifacts = artifactStub{"run-1/report.txt": []byte("quarterly numbers")}
	ec.Variables["documents"] = []any{
		"inline text",
		map[string]any{"id": "r", "name": "Report", "artifact": "report.txt"},
		map[string]any{"id": "gone", "artifact": "missing.txt"},
	}

	res, err := d.Execute(ec, &core.Star{ID: "dx", Kind: core.StarKindDocEx})
	require.NoError(t, err)

	assert.Equal(t, core.ResultPartial, res.Status)
	require.Len(t, res.Documents, 3)
	assert.Equal(t, "doc_1", res.Documents[0].DocumentID)
	assert.Equal(t, "extracted inline text", res.Documents[0].Extraction)
	assert.Equal(t, "extracted quarterly numbers", res.Documents[1].Extraction)
	assert.Equal(t, core.ResultFailed, res.Documents[2].Status)
	assert.Contains(t, res.Documents[2].Error, "missing.txt")
	assert.Contains(t, res.Text, "## Report\nextracted quarterly numbers")
}

func TestParseDocuments(t *testing.T) {
	docs, err := ParseDocuments([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "doc_2", docs[1].ID)

	_, err = ParseDocuments("not a list")
	assert.Error(t, err)

	_, err = ParseDocuments([]any{map[string]any{"id": "x"}})
	assert.ErrorContains(t, err, "neither content nor artifact")
}

func TestDispatcherValidate(t *testing.T) {
	d := NewDispatcher()

	assert.Empty(t, d.Validate(&core.Star{ID: "ok", Kind: core.StarKindWorker}))
	assert.NotEmpty(t, d.Validate(&core.Star{ID: "bad", Kind: "quantum"}))
	assert.NotEmpty(t, d.Validate(&core.Star{ID: "e", Kind: core.StarKindEval, Config: map[string]any{"decision": "maybe"}}))
	assert.NotEmpty(t, d.Validate(&core.Star{ID: "w", Kind: core.StarKindWorker, Config: map[string]any{"max_iterations": 0}}))
	assert.NotEmpty(t, d.Validate(&core.Star{ID: "x", Kind: core.StarKindExecution, Config: map[string]any{"parallel": "yes"}}))

	_, err := d.Execute(newContext(context.Background(), nil), &core.Star{ID: "bad", Kind: "quantum"})
	assert.Error(t, err)
}
