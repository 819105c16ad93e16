package capability

import (
	"bytes"
	"encoding/json"
	"fmt"

	kjsonschema "github.com/kaptinlin/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"nexa/internal/domain"
)

// compileArgsSchema compiles a provider's argument schema. An empty schema
// yields nil, meaning arguments are not checked.
func compileArgsSchema(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + key + "/args.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add argument schema for %q: %w", key, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile argument schema for %q: %w", key, err)
	}
	return compiled, nil
}

// validateArgs checks model-supplied arguments. Failures are returned as
// ErrInvalidInput so the caller can hand the message back to the model.
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", domain.ErrInvalidInput, err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// compileSettingsSchema compiles a connector settings schema.
func compileSettingsSchema(key string, raw json.RawMessage) (*kjsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiled, err := kjsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile settings schema for %q: %w", key, err)
	}
	return compiled, nil
}

func validateSettings(schema *kjsonschema.Schema, settings map[string]any) error {
	if schema == nil {
		return nil
	}
	if settings == nil {
		settings = map[string]any{}
	}
	result := schema.Validate(settings)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrCapabilityConfig, result.Error())
	}
	return nil
}
