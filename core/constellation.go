package core

// NodeKind distinguishes the three node variants of a constellation.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
	NodeKindStar  NodeKind = "star"
)

// EdgeCondition labels an edge leaving an Eval node.
type EdgeCondition string

const (
	ConditionNone     EdgeCondition = ""
	ConditionContinue EdgeCondition = "continue"
	ConditionLoop     EdgeCondition = "loop"
)

// Node is a vertex of a constellation. Start nodes carry the query and
// purpose (filled at run start), star nodes reference a star.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Kind NodeKind `json:"type" yaml:"type"`

	// Start node fields.
	OriginalQuery        string `json:"original_query,omitempty" yaml:"original_query,omitempty"`
	ConstellationPurpose string `json:"constellation_purpose,omitempty" yaml:"constellation_purpose,omitempty"`

	// Star node fields.
	StarID               string            `json:"star_id,omitempty" yaml:"star_id,omitempty"`
	VariableBindings     map[string]string `json:"variable_bindings,omitempty" yaml:"variable_bindings,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
	ConfirmationPrompt   string            `json:"confirmation_prompt,omitempty" yaml:"confirmation_prompt,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID        string        `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string        `json:"source" yaml:"source"`
	Target    string        `json:"target" yaml:"target"`
	Condition EdgeCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Key returns the edge id, or a synthesized source->target key.
func (e Edge) Key() string {
	if e.ID != "" {
		return e.ID
	}

	return e.Source + "->" + e.Target
}

// Constellation is a workflow graph of star nodes between one start and one end node.
type Constellation struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge `json:"edges" yaml:"edges"`
	// MaxLoopIterations overrides the runner's loop cap when positive.
	MaxLoopIterations int `json:"max_loop_iterations,omitempty" yaml:"max_loop_iterations,omitempty"`
	// SynthesisStarID names the star used to merge terminal outputs.
	SynthesisStarID string         `json:"synthesis_star_id,omitempty" yaml:"synthesis_star_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Node returns the node with the given id.
func (c *Constellation) Node(id string) (*Node, bool) {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return &c.Nodes[i], true
		}
	}

	return nil, false
}

// StarIDs returns the ids of all stars referenced by star nodes.
func (c *Constellation) StarIDs() []string {
	seen := map[string]struct{}{}

	var ids []string

	for _, n := range c.Nodes {
		if n.Kind != NodeKindStar || n.StarID == "" {
			continue
		}

		if _, ok := seen[n.StarID]; ok {
			continue
		}

		seen[n.StarID] = struct{}{}
		ids = append(ids, n.StarID)
	}

	return ids
}

// Clone returns a deep copy.
func (c *Constellation) Clone() *Constellation {
	if c == nil {
		return nil
	}

	cp := *c
	cp.Metadata = cloneMap(c.Metadata)
	cp.Edges = append([]Edge(nil), c.Edges...)
	cp.Nodes = make([]Node, len(c.Nodes))

	for i, n := range c.Nodes {
		if n.VariableBindings != nil {
			b := make(map[string]string, len(n.VariableBindings))
			for k, v := range n.VariableBindings {
				b[k] = v
			}

			n.VariableBindings = b
		}

		cp.Nodes[i] = n
	}

	return &cp
}
