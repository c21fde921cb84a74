package tool

import (
	"github.com/invopop/jsonschema"
)

// Definition is the shape handed to an LLM as a callable tool: name,
// description, and a JSON Schema for its parameters.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// ToDefinition builds the LLM-facing tool definition from a manifest's
// typed Parameters list, generating a JSON Schema object on the fly
// rather than hand-writing one per tool.
func (m *Manifest) ToDefinition(description string) Definition {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}

	var required []string
	for _, p := range m.Parameters {
		prop := &jsonschema.Schema{Type: jsonSchemaType(p.Type)}
		if p.Default != nil {
			prop.Default = p.Default
		}
		schema.Properties.Set(p.Name, prop)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema.Required = required

	return Definition{
		Name:        m.ToolID,
		Description: description,
		Parameters:  schema,
	}
}

func jsonSchemaType(t string) string {
	switch t {
	case "int", "integer", "number", "float", "float64":
		if t == "int" || t == "integer" {
			return "integer"
		}
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "array", "list":
		return "array"
	case "object", "map":
		return "object"
	default:
		return "string"
	}
}
