package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks raw client messages against the embedded JSON schemas
// before they are decoded into typed messages.
type Validator struct {
	hello *jsonschema.Schema
	cmd   *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	hello, err := compileEmbedded("hello.schema.json")
	if err != nil {
		return nil, err
	}
	cmd, err := compileEmbedded("cmd.schema.json")
	if err != nil {
		return nil, err
	}
	return &Validator{hello: hello, cmd: cmd}, nil
}

func compileEmbedded(name string) (*jsonschema.Schema, error) {
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, err
	}
	s, err := jsonschema.CompileString(name, string(b))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return s, nil
}

func (v *Validator) ValidateHello(raw []byte) error { return validate(v.hello, raw) }
func (v *Validator) ValidateCmd(raw []byte) error   { return validate(v.cmd, raw) }

func validate(s *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
