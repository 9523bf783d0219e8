package llm

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

// geminiSchema converts a JSON schema into the subset Gemini accepts.
// Nullable union types such as ["null","array"], which jsonschema.For
// emits for slices and maps, collapse to their non-null member.
func geminiSchema(s *jsonschema.Schema) *genai.Schema {
	if s == nil {
		return nil
	}

	gs := &genai.Schema{
		Format:      s.Format,
		Description: s.Description,
		Items:       geminiSchema(s.Items),
		Required:    s.Required,
	}

	for _, v := range s.Enum {
		gs.Enum = append(gs.Enum, fmt.Sprintf("%v", v))
	}

	if n := len(s.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range s.Properties {
			gs.Properties[k] = geminiSchema(prop)
		}
	}

	typ := s.Type
	if typ == "" {
		for _, t := range s.Types {
			if t == "null" {
				gs.Nullable = genai.Ptr(true)
				continue
			}
			if typ == "" {
				typ = t
			}
		}
	}

	switch typ {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return gs
}
