// Package secretstore loads the secret database an effect run draws from.
// The file is read as plain JSON; no decryption is applied. Loading is
// eager and happens once per run; the result is
// wrapped Sensitive so nothing downstream can format or log the raw secret
// map by accident.
package secretstore

import (
	"encoding/json"
	"os"

	"github.com/brainrake/hercules-ci-agent/internal/condition"
	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/sensitive"
)

// Secret is one entry in the secret database: the material handed to the
// consumer plus the condition that gates access to it.
type Secret struct {
	Data      map[string]json.RawMessage `json:"data"`
	Condition *condition.Condition       `json:"condition,omitempty"`
}

// Store is the parsed secret database, keyed by secret name.
type Store map[string]Secret

// Load reads the secret database at path and returns it wrapped Sensitive.
// An empty path is not an error: it means no secrets file was configured,
// and an empty store is returned. A path that exists but fails to parse as
// the expected JSON object of secrets fails with KindSecretsFileUnparseable.
func Load(path string) (sensitive.Sensitive[Store], error) {
	if path == "" {
		return sensitive.Wrap(Store{}), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return sensitive.Sensitive[Store]{}, errors.Wrap(errors.KindSecretsFileUnparseable,
			"reading secrets file", err).WithContext("path", path)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return sensitive.Sensitive[Store]{}, errors.Wrap(errors.KindSecretsFileUnparseable,
			"parsing secrets file", err).WithContext("path", path)
	}
	if err := validateAgainstSchema(doc); err != nil {
		return sensitive.Sensitive[Store]{}, err
	}

	var store Store
	if err := json.Unmarshal(raw, &store); err != nil {
		return sensitive.Sensitive[Store]{}, errors.Wrap(errors.KindSecretsFileUnparseable,
			"parsing secrets file", err).WithContext("path", path)
	}

	return sensitive.Wrap(store), nil
}
