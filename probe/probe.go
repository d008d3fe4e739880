package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/util"
	"github.com/hupe1980/starmesh/model"
)

// Error codes carried by *Error.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "NOT_FOUND"
)

// Func is the signature of a probe implementation. Arguments have already
// been validated against the probe's input schema.
type Func func(pc *core.ProbeContext, args map[string]any) (any, error)

// Probe is a named, schema described callable.
//
// ModulePath and FunctionName are diagnostic only; the registry fills them
// from the registration site when empty.
type Probe struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	ModulePath   string         `json:"module_path,omitempty"`
	FunctionName string         `json:"function_name,omitempty"`
	Func         Func           `json:"-"`
}

// Error represents a failure that occurred while calling a probe.
type Error struct {
	Probe   string `json:"probe"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("probe error [%s] in %s: %s", e.Code, e.Probe, e.Message)
	}

	return fmt.Sprintf("probe error in %s: %s", e.Probe, e.Message)
}

// NewError creates a new Error with the specified details.
func NewError(probe, message, code string) *Error {
	return &Error{Probe: probe, Message: message, Code: code}
}

// New constructs a probe from an explicit schema and function.
//
// Example:
//
//	sum := probe.New(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(pc *core.ProbeContext, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func New(name, description string, inputSchema map[string]any, fn Func) *Probe {
	if inputSchema == nil {
		inputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return &Probe{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Func:        fn,
	}
}

// NewFromStruct derives the input schema from an argument struct using
// reflection (see util.CreateSchema).
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
//
//	sum := probe.NewFromStruct("calculate_sum", "Calculate the sum of two numbers", SumArgs{}, fn)
func NewFromStruct(name, description string, args any, fn Func) *Probe {
	return New(name, description, util.CreateSchema(args), fn)
}

// Definition returns the tool definition advertised to models.
func (p *Probe) Definition() model.ToolDefinition {
	return model.ToolDefinition{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        p.Name,
			Description: p.Description,
			Parameters:  p.InputSchema,
		},
	}
}

// Call validates args against the input schema then invokes the function.
//
// Error semantics:
//
//	*Error returned by the function -> forwarded unchanged
//	validation failure              -> *Error{Code: VALIDATION_ERROR}
//	other error                     -> *Error{Code: EXECUTION_ERROR}
//	panic                           -> *Error{Code: EXECUTION_ERROR}
func (p *Probe) Call(pc *core.ProbeContext, args map[string]any) (result any, err error) {
	logger := pc.Logger()
	start := time.Now()

	logger.Debug("probe.call.start", "probe", p.Name, "call_id", pc.CallID())

	if args == nil {
		args = map[string]any{}
	}

	if verr := util.ValidateArguments(args, p.InputSchema); verr != nil {
		logger.Warn("probe.call.validation_failed", "probe", p.Name, "error", verr.Error())

		return nil, &Error{
			Probe:   p.Name,
			Message: fmt.Sprintf("argument validation failed: %v", verr),
			Code:    CodeValidation,
			Details: verr,
		}
	}

	if p.Func == nil {
		return nil, NewError(p.Name, "probe has no implementation", CodeExecution)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("probe.call.panic", "probe", p.Name, "panic", fmt.Sprint(r))

			result, err = nil, NewError(p.Name, fmt.Sprintf("panic: %v", r), CodeExecution)
		}
	}()

	result, err = p.Func(pc, args)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			logger.Error("probe.call.error", "probe", p.Name, "code", perr.Code, "error", perr.Message)

			return nil, perr
		}

		logger.Error("probe.call.error", "probe", p.Name, "error", err.Error())

		return nil, NewError(p.Name, err.Error(), CodeExecution)
	}

	logger.Info("probe.call.success", "probe", p.Name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
