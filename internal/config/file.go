package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://casebridge.local/config.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
})

// applyFile validates the YAML document against the embedded schema before
// any value is applied, so a typo never half-applies a file.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Problems: []string{fmt.Sprintf("reading config file: %v", err)}}
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &ConfigurationError{Problems: []string{fmt.Sprintf("parsing %s: %v", path, err)}}
	}
	if len(doc) == 0 {
		return nil
	}
	if err := validateDocument(doc); err != nil {
		return &ConfigurationError{Problems: []string{fmt.Sprintf("%s: %v", path, err)}}
	}

	var problems []string
	for _, f := range fields {
		value, ok := lookupPath(doc, f.path)
		if !ok {
			continue
		}
		if err := f.set(cfg, fmt.Sprint(value)); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %s: %v", path, f.path, err))
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func validateDocument(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	// Round-trip through JSON so numbers reach the validator as json.Number.
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}
