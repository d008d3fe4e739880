package star

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/fanout"
	"github.com/hupe1980/starmesh/model"
)

const docexInstructions = "Extract the information relevant to the request from the document. Reply with the extraction only."

// Document is one DocEx input: inline content or an artifact reference.
type Document struct {
	ID       string
	Name     string
	Content  string
	Artifact string
	Scope    string
}

// DocExExecutor runs one extraction per document concurrently. Documents
// are read from the documents variable, falling back to config.documents.
// Each entry is either a string (inline content) or a map with the keys id,
// name, content, artifact and scope. Artifacts are loaded from the run's
// artifact store; the scope defaults to the run id. A failing document is
// recorded in its own DocumentResult.
type DocExExecutor struct {
	env *env
}

// Validate implements Executor.
func (x *DocExExecutor) Validate(s *core.Star) []error {
	raw, ok := s.Config["documents"]
	if !ok {
		return nil
	}

	if _, err := ParseDocuments(raw); err != nil {
		return []error{&core.ValidationError{Field: "config.documents", Message: err.Error()}}
	}

	return nil
}

// Execute implements Executor.
func (x *DocExExecutor) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	raw, ok := ec.Variable("documents")
	if !ok {
		raw = s.Config["documents"]
	}

	docs, err := ParseDocuments(raw)
	if err != nil {
		return core.FailedResult(core.StarKindDocEx, err), nil
	}

	if len(docs) == 0 {
		return core.FailedResult(core.StarKindDocEx, errors.New("no documents to process")), nil
	}

	d, err := x.env.directive(ec.Context, s)
	if err != nil {
		return failure(ec, core.StarKindDocEx, err)
	}

	system := joinBlocks(systemPrompt(d, ec.Variables, "You are a document analyst."), s.ConfigString("instructions", docexInstructions))

	results := fanout.All(ec.Context, len(docs), x.env.opts.MaxConcurrency, func(ctx context.Context, i int) (string, error) {
		return x.extract(ec.WithContext(ctx), system, docs[i])
	})

	if err := ec.Context.Err(); err != nil {
		return nil, err
	}

	out := &core.StarResult{Kind: core.StarKindDocEx}
	succeeded := 0

	var (
		text []string
		errs []string
	)

	for i, r := range results {
		dr := core.DocumentResult{DocumentID: docs[i].ID, Name: docs[i].Name}

		if r.Err != nil {
			dr.Status = core.ResultFailed
			dr.Error = r.Err.Error()
			errs = append(errs, fmt.Sprintf("%s: %s", dr.DocumentID, dr.Error))
		} else {
			dr.Status = core.ResultCompleted
			dr.Extraction = r.Value
			succeeded++

			text = append(text, fmt.Sprintf("## %s\n%s", docs[i].label(), r.Value))
		}

		out.Documents = append(out.Documents, dr)
	}

	out.Status = aggregateStatus(succeeded, len(docs))
	out.Text = strings.Join(text, "\n\n")
	out.Error = strings.Join(errs, "; ")

	return out, nil
}

func (x *DocExExecutor) extract(ec *core.ExecutionContext, system string, doc Document) (string, error) {
	content := doc.Content

	if doc.Artifact != "" {
		if ec.Artifacts == nil {
			return "", fmt.Errorf("document %s references artifact %s but no artifact store is configured", doc.ID, doc.Artifact)
		}

		scope := doc.Scope
		if scope == "" {
			scope = ec.RunID
		}

		data, err := ec.Artifacts.Get(ec.Context, scope, doc.Artifact)
		if err != nil {
			return "", fmt.Errorf("load artifact %s/%s: %w", scope, doc.Artifact, err)
		}

		content = string(data)
	}

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("document %s is empty", doc.ID)
	}

	user := fmt.Sprintf("Document %s:\n%s", doc.label(), content)
	if ec.OriginalQuery != "" {
		user = fmt.Sprintf("Request:\n%s\n\n%s", ec.OriginalQuery, user)
	}

	resp, err := x.env.chat(ec, model.Request{Messages: []model.Message{
		model.SystemMessage(system),
		model.UserMessage(user),
	}})
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}

	ec.EmitEvent(core.NewProgressEvent(ec.RunID, ec.NodeID, "document extracted", map[string]any{"document_id": doc.ID}))

	return resp.Content, nil
}

func (d Document) label() string {
	if d.Name != "" {
		return d.Name
	}

	return d.ID
}

// ParseDocuments decodes a documents value. Missing ids are assigned as
// doc_<n> in input order.
func ParseDocuments(raw any) ([]Document, error) {
	var items []any

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []map[string]any:
		for _, m := range v {
			items = append(items, m)
		}
	case []Document:
		items = make([]any, len(v))
		for i, d := range v {
			items[i] = d
		}
	default:
		return nil, fmt.Errorf("documents must be a list, got %T", raw)
	}

	docs := make([]Document, 0, len(items))

	for i, item := range items {
		var d Document

		switch v := item.(type) {
		case string:
			d.Content = v
		case Document:
			d = v
		case map[string]any:
			d = Document{
				ID:       stringField(v, "id"),
				Name:     stringField(v, "name"),
				Content:  stringField(v, "content"),
				Artifact: stringField(v, "artifact"),
				Scope:    stringField(v, "scope"),
			}
		default:
			return nil, fmt.Errorf("document %d has unsupported type %T", i+1, item)
		}

		if d.Content == "" && d.Artifact == "" {
			return nil, fmt.Errorf("document %d has neither content nor artifact", i+1)
		}

		if d.ID == "" {
			d.ID = fmt.Sprintf("doc_%d", i+1)
		}

		docs = append(docs, d)
	}

	return docs, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}

	return ""
}
