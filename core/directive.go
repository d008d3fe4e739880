package core

import (
	"fmt"
	"time"
)

// UIHint tells a front end which input widget to render for a template
// variable. It is not enforced at runtime.
type UIHint string

const (
	UIHintText     UIHint = "text"
	UIHintTextarea UIHint = "textarea"
	UIHintNumber   UIHint = "number"
	UIHintDate     UIHint = "date"
	UIHintSelect   UIHint = "select"
	UIHintFile     UIHint = "file"
)

// Valid reports whether h is one of the known hints. The empty hint is valid
// and treated as text.
func (h UIHint) Valid() bool {
	switch h {
	case "", UIHintText, UIHintTextarea, UIHintNumber, UIHintDate, UIHintSelect, UIHintFile:
		return true
	default:
		return false
	}
}

// TemplateVariable describes an @variable: reference found in directive content.
type TemplateVariable struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required" yaml:"required"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	UIHint      UIHint   `json:"ui_hint,omitempty" yaml:"ui_hint,omitempty"`
	UIOptions   []string `json:"ui_options,omitempty" yaml:"ui_options,omitempty"`
	// UsedBy lists node ids binding this variable. Populated at the graph level.
	UsedBy []string `json:"used_by,omitempty" yaml:"-"`
}

// NewTemplateVariable returns a required text variable.
func NewTemplateVariable(name string) TemplateVariable {
	return TemplateVariable{Name: name, Required: true, UIHint: UIHintText}
}

// Validate checks the variable's name and ui hint.
func (v TemplateVariable) Validate() error {
	if v.Name == "" {
		return &ValidationError{Field: "template_variables.name", Message: "name must not be empty"}
	}

	if !v.UIHint.Valid() {
		return &ValidationError{
			Field:   "template_variables." + v.Name + ".ui_hint",
			Message: fmt.Sprintf("unknown ui hint %q", v.UIHint),
		}
	}

	return nil
}

// Directive is a reusable prompt template. ProbeIDs, ReferenceIDs and
// TemplateVariables are derived from Content by the registry and are always
// sorted and deduplicated.
type Directive struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	Description       string             `json:"description" yaml:"description"`
	Content           string             `json:"content" yaml:"content"`
	ProbeIDs          []string           `json:"probe_ids,omitempty" yaml:"-"`
	ReferenceIDs      []string           `json:"reference_ids,omitempty" yaml:"-"`
	TemplateVariables []TemplateVariable `json:"template_variables,omitempty" yaml:"template_variables,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt         time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time          `json:"updated_at" yaml:"-"`
}

// Variable returns the template variable with the given name.
func (d *Directive) Variable(name string) (TemplateVariable, bool) {
	for _, v := range d.TemplateVariables {
		if v.Name == name {
			return v, true
		}
	}

	return TemplateVariable{}, false
}

// Clone returns a copy whose slices and maps can be mutated independently.
func (d *Directive) Clone() *Directive {
	if d == nil {
		return nil
	}

	cp := *d
	cp.ProbeIDs = cloneStrings(d.ProbeIDs)
	cp.ReferenceIDs = cloneStrings(d.ReferenceIDs)
	cp.Metadata = cloneMap(d.Metadata)

	if d.TemplateVariables != nil {
		cp.TemplateVariables = make([]TemplateVariable, len(d.TemplateVariables))
		for i, v := range d.TemplateVariables {
			v.UIOptions = cloneStrings(v.UIOptions)
			v.UsedBy = cloneStrings(v.UsedBy)
			cp.TemplateVariables[i] = v
		}
	}

	return &cp
}
