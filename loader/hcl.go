package loader

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/hupe1980/starmesh/core"
)

type hclFile struct {
	Directives     []hclDirective     `hcl:"directive,block"`
	Stars          []hclStar          `hcl:"star,block"`
	Constellations []hclConstellation `hcl:"constellation,block"`
}

type hclDirective struct {
	ID          string        `hcl:"id,label"`
	Name        string        `hcl:"name"`
	Description string        `hcl:"description,optional"`
	Content     string        `hcl:"content"`
	Metadata    cty.Value     `hcl:"metadata,optional"`
	Variables   []hclVariable `hcl:"variable,block"`
}

type hclVariable struct {
	Name        string    `hcl:"name,label"`
	Description string    `hcl:"description,optional"`
	Required    *bool     `hcl:"required,optional"`
	Default     cty.Value `hcl:"default,optional"`
	UIHint      string    `hcl:"ui_hint,optional"`
	UIOptions   []string  `hcl:"ui_options,optional"`
}

type hclStar struct {
	ID        string    `hcl:"id,label"`
	Type      string    `hcl:"type"`
	Name      string    `hcl:"name,optional"`
	Directive string    `hcl:"directive,optional"`
	Probes    []string  `hcl:"probes,optional"`
	Config    cty.Value `hcl:"config,optional"`
	Metadata  cty.Value `hcl:"metadata,optional"`
}

type hclConstellation struct {
	ID                string    `hcl:"id,label"`
	Name              string    `hcl:"name,optional"`
	Description       string    `hcl:"description,optional"`
	MaxLoopIterations int       `hcl:"max_loop_iterations,optional"`
	SynthesisStar     string    `hcl:"synthesis_star,optional"`
	Metadata          cty.Value `hcl:"metadata,optional"`
	Nodes             []hclNode `hcl:"node,block"`
	Edges             []hclEdge `hcl:"edge,block"`
}

type hclNode struct {
	ID                   string            `hcl:"id,label"`
	Type                 string            `hcl:"type"`
	Star                 string            `hcl:"star,optional"`
	Query                string            `hcl:"query,optional"`
	Purpose              string            `hcl:"purpose,optional"`
	RequiresConfirmation bool              `hcl:"requires_confirmation,optional"`
	ConfirmationPrompt   string            `hcl:"confirmation_prompt,optional"`
	Bindings             map[string]string `hcl:"bindings,optional"`
}

type hclEdge struct {
	ID        string `hcl:"id,optional"`
	From      string `hcl:"from"`
	To        string `hcl:"to"`
	Condition string `hcl:"condition,optional"`
}

// ParseHCL decodes an HCL bundle. filename is only used in diagnostics.
func ParseHCL(filename string, src []byte) (*Bundle, error) {
	var f hclFile
	if err := hclsimple.Decode(filename, src, nil, &f); err != nil {
		return nil, err
	}

	b := &Bundle{}

	for _, hd := range f.Directives {
		d, err := hd.directive()
		if err != nil {
			return nil, fmt.Errorf("directive %q: %w", hd.ID, err)
		}

		b.Directives = append(b.Directives, d)
	}

	for _, hs := range f.Stars {
		config, err := ctyMap(hs.Config)
		if err != nil {
			return nil, fmt.Errorf("star %q config: %w", hs.ID, err)
		}

		metadata, err := ctyMap(hs.Metadata)
		if err != nil {
			return nil, fmt.Errorf("star %q metadata: %w", hs.ID, err)
		}

		name := hs.Name
		if name == "" {
			name = hs.ID
		}

		b.Stars = append(b.Stars, &core.Star{
			ID:          hs.ID,
			Name:        name,
			Kind:        core.StarKind(hs.Type),
			DirectiveID: hs.Directive,
			ProbeIDs:    hs.Probes,
			Config:      config,
			Metadata:    metadata,
		})
	}

	for _, hc := range f.Constellations {
		c, err := hc.constellation()
		if err != nil {
			return nil, fmt.Errorf("constellation %q: %w", hc.ID, err)
		}

		b.Constellations = append(b.Constellations, c)
	}

	return b, nil
}

func (hd hclDirective) directive() (*core.Directive, error) {
	metadata, err := ctyMap(hd.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	d := &core.Directive{
		ID:          hd.ID,
		Name:        hd.Name,
		Description: hd.Description,
		Content:     hd.Content,
		Metadata:    metadata,
	}

	for _, hv := range hd.Variables {
		def, err := ctyValue(hv.Default)
		if err != nil {
			return nil, fmt.Errorf("variable %q default: %w", hv.Name, err)
		}

		v := core.NewTemplateVariable(hv.Name)
		v.Description = hv.Description
		v.Default = def
		v.UIOptions = hv.UIOptions

		if hv.Required != nil {
			v.Required = *hv.Required
		}

		if hv.UIHint != "" {
			v.UIHint = core.UIHint(hv.UIHint)
		}

		d.TemplateVariables = append(d.TemplateVariables, v)
	}

	return d, nil
}

func (hc hclConstellation) constellation() (*core.Constellation, error) {
	metadata, err := ctyMap(hc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	c := &core.Constellation{
		ID:                hc.ID,
		Name:              hc.Name,
		Description:       hc.Description,
		MaxLoopIterations: hc.MaxLoopIterations,
		SynthesisStarID:   hc.SynthesisStar,
		Metadata:          metadata,
	}

	if c.Name == "" {
		c.Name = c.ID
	}

	for _, hn := range hc.Nodes {
		c.Nodes = append(c.Nodes, core.Node{
			ID:                   hn.ID,
			Kind:                 core.NodeKind(hn.Type),
			StarID:               hn.Star,
			OriginalQuery:        hn.Query,
			ConstellationPurpose: hn.Purpose,
			RequiresConfirmation: hn.RequiresConfirmation,
			ConfirmationPrompt:   hn.ConfirmationPrompt,
			VariableBindings:     hn.Bindings,
		})
	}

	for _, he := range hc.Edges {
		c.Edges = append(c.Edges, core.Edge{
			ID:        he.ID,
			Source:    he.From,
			Target:    he.To,
			Condition: core.EdgeCondition(he.Condition),
		})
	}

	return c, nil
}

// ctyValue converts an arbitrary cty value into plain Go values by way of
// its JSON encoding. Null and unset values become nil.
func ctyValue(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}

	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	data, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func ctyMap(v cty.Value) (map[string]any, error) {
	out, err := ctyValue(v)
	if err != nil || out == nil {
		return nil, err
	}

	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", v.Type().FriendlyName())
	}

	return m, nil
}
