package runtime

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentrun/runtime/agent"
)

// validateOutput checks the final assistant text against the manifest's
// declared output schema and returns the canonical JSON encoding on success.
func (e *execution) validateOutput(text string) ([]byte, error) {
	var instance any
	if err := json.Unmarshal([]byte(text), &instance); err != nil {
		return nil, agent.ValidationErrorf("output is not valid JSON: %v", err)
	}

	var schemaDoc any
	if err := json.Unmarshal(e.man.Output.Schema, &schemaDoc); err != nil {
		return nil, agent.Internalf("unmarshal output schema for %s: %v", e.man.ID, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output.json", schemaDoc); err != nil {
		return nil, agent.Internalf("add output schema resource for %s: %v", e.man.ID, err)
	}
	schema, err := c.Compile("output.json")
	if err != nil {
		return nil, agent.Internalf("compile output schema for %s: %v", e.man.ID, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, agent.ValidationErrorf("%v", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(instance); err != nil {
		return nil, agent.Internalf("encode validated output: %v", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
