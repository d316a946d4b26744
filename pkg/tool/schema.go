package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// GenerateSchema derives a JSON Schema from a Go struct type. Use
// `json` tags for property names and `jsonschema` tags for descriptions
// and required markers.
func GenerateSchema[T any]() json.RawMessage {
	reflector := invopop.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	var v T
	schema := reflector.Reflect(&v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflecting schema for %T: %v", v, err))
	}
	return raw
}

// compiled schemas are cached per tool; tool schemas are immutable after
// registration.
var schemaCache sync.Map

func compileSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(toolName); ok {
		return cached.(*jsonschema.Schema), nil
	}
	schema, err := jsonschema.CompileString(toolName+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compiling schema for %q: %w", toolName, err)
	}
	schemaCache.Store(toolName, schema)
	return schema, nil
}

// validateParams checks params against the tool's schema. A nil or empty
// schema accepts anything.
func validateParams(t Tool, params map[string]any) error {
	raw := t.Parameters()
	if len(raw) == 0 {
		return nil
	}
	schema, err := compileSchema(t.Name(), raw)
	if err != nil {
		return err
	}
	// round-trip so nested values use the canonical JSON types the
	// validator expects
	doc, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	return schema.Validate(value)
}
