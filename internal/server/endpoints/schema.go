package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

const openSessionSchema = `{
  "type": "object",
  "required": ["gid", "token"],
  "additionalProperties": false,
  "properties": {
    "gid":   {"type": "integer", "minimum": 1},
    "token": {"type": "string", "pattern": "^[0-9a-f]{10}$"},
    "mode":  {"enum": ["read", "download"]}
  }
}`

const startPageSchema = `{
  "type": "object",
  "required": ["page"],
  "additionalProperties": false,
  "properties": {
    "page": {"type": "integer", "minimum": 0}
  }
}`

var (
	schemaMu sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := compiled[name]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}

// decodeValidated reads a JSON body, validates it against the named schema
// and decodes it into v.
func decodeValidated(body io.Reader, name, src string, v any) error {
	schema, err := compileSchema(name, src)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("request does not match schema: %w", err)
	}
	return json.Unmarshal(raw, v)
}
