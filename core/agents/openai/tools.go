package openai

import "github.com/invopop/jsonschema"

// Tool describes one function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// NewTool builds a tool definition, deriving the parameter schema from any
// struct by reflection.
func NewTool(name string, description string, parameters any) Tool {
	fn := ToolFunction{
		Name:        name,
		Description: description,
	}
	if parameters != nil {
		reflector := jsonschema.Reflector{DoNotReference: true}
		fn.Parameters = reflector.Reflect(parameters)
	}
	return Tool{Type: "function", Function: fn}
}

type requestTool struct {
	Type     string              `json:"type"`
	Function requestToolFunction `json:"function"`
}

type requestToolFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}
