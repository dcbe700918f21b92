package mail

import (
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ActionFunc runs a non-protocol tool and returns its textual result.
type ActionFunc func(ctx context.Context, args map[string]any) (string, error)

// Action is a third-party tool an agent may declare. A breakpoint action
// is never executed directly: invoking it pauses the task until an
// external caller supplies the result.
type Action struct {
	Name        string
	Description string
	Parameters  map[string]any
	Breakpoint  bool
	Fn          ActionFunc
}

// Spec projects the action into the backend-facing tool shape.
func (a *Action) Spec() ToolSpec {
	return ToolSpec{Name: a.Name, Description: a.Description, Parameters: a.Parameters}
}

// ActionExecutor validates and runs action calls. Parameter schemas are
// compiled once at construction.
type ActionExecutor struct {
	actions map[string]*Action
	schemas map[string]*jsonschema.Schema
}

func NewActionExecutor(actions []*Action) (*ActionExecutor, error) {
	e := &ActionExecutor{
		actions: make(map[string]*Action, len(actions)),
		schemas: make(map[string]*jsonschema.Schema, len(actions)),
	}
	for _, a := range actions {
		if a.Name == "" {
			return nil, fmt.Errorf("action with empty name")
		}
		if IsBuiltinTool(a.Name) {
			return nil, fmt.Errorf("action %q shadows a built-in tool", a.Name)
		}
		if _, dup := e.actions[a.Name]; dup {
			return nil, fmt.Errorf("duplicate action %q", a.Name)
		}
		e.actions[a.Name] = a

		if a.Parameters == nil {
			continue
		}
		c := jsonschema.NewCompiler()
		url := a.Name + ".schema.json"
		if err := c.AddResource(url, a.Parameters); err != nil {
			return nil, fmt.Errorf("action %q: add schema: %w", a.Name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("action %q: compile schema: %w", a.Name, err)
		}
		e.schemas[a.Name] = schema
	}
	return e, nil
}

// Get looks up an action by name.
func (e *ActionExecutor) Get(name string) (*Action, bool) {
	a, ok := e.actions[name]
	return a, ok
}

// Validate checks call arguments against the action's parameter schema.
// Violations are reported with the offending path.
func (e *ActionExecutor) Validate(name string, args map[string]any) error {
	schema, ok := e.schemas[name]
	if !ok {
		return nil
	}
	payload := make(map[string]any, len(args))
	for k, v := range args {
		payload[k] = v
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid arguments for %q: %w", name, err)
	}
	return nil
}

// Execute validates and runs the named action. Breakpoint actions are
// the caller's responsibility; executing one directly is an error.
func (e *ActionExecutor) Execute(ctx context.Context, call ToolCall) (string, error) {
	a, ok := e.actions[call.Name]
	if !ok {
		return "", fmt.Errorf("action %q not found", call.Name)
	}
	if a.Breakpoint {
		return "", fmt.Errorf("action %q is a breakpoint and cannot be executed directly", call.Name)
	}
	if err := e.Validate(call.Name, call.Args); err != nil {
		return "", err
	}
	if a.Fn == nil {
		return "", fmt.Errorf("action %q has no function", call.Name)
	}
	return a.Fn(ctx, call.Args)
}
