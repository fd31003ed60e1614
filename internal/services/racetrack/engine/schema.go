package engine

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperrors "github.com/louisbranch/racetrack/internal/platform/errors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://racetrack.local/schemas/"

// compileSchemas compiles every embedded payload schema keyed by file stem.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		data, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		names = append(names, name)
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		schemas[strings.TrimSuffix(name, ".json")] = schema
	}
	return schemas, nil
}

// validatePayload checks raw against schema and reports the innermost
// failure as an invalid payload error.
func validatePayload(schema *jsonschema.Schema, event string, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var value any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return apperrors.New(apperrors.CodeInvalidPayload, fmt.Sprintf("%s payload is not valid json", event))
		}
	}
	err := schema.Validate(value)
	if err == nil {
		return nil
	}
	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		leaf := validationErr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		message := leaf.Message
		if field != "" {
			message = field + ": " + message
		}
		return apperrors.WithMetadata(
			apperrors.CodeInvalidPayload,
			fmt.Sprintf("invalid %s payload: %s", event, message),
			map[string]string{"Event": event},
		)
	}
	return apperrors.Wrap(apperrors.CodeInvalidPayload, fmt.Sprintf("invalid %s payload", event), err)
}
