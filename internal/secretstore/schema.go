package secretstore

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
)

// secretsFileSchema describes the on-disk shape of a secret database: a
// JSON object mapping secret name to {data, condition}. Validating against
// it up front turns a malformed file into a single readable error instead
// of a confusing downstream unmarshal failure.
const secretsFileSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["data"],
		"properties": {
			"data": {"type": "object"},
			"condition": {"type": ["object", "null"]}
		}
	}
}`

var (
	compileOnce     sync.Once
	compiledSchema  *jsonschema.Schema
	compileSchemaErr error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("secrets-file.json", bytes.NewReader([]byte(secretsFileSchemaDoc))); err != nil {
			compileSchemaErr = err
			return
		}
		compiledSchema, compileSchemaErr = compiler.Compile("secrets-file.json")
	})
	return compiledSchema, compileSchemaErr
}

// validateAgainstSchema checks decoded JSON (as produced by
// json.Unmarshal into any) against secretsFileSchemaDoc.
func validateAgainstSchema(doc any) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compiling secrets-file schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return errors.Wrap(errors.KindSecretsFileUnparseable, "secrets file does not match expected shape", err)
	}
	return nil
}
