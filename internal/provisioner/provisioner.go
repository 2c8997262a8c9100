// Package provisioner resolves a derivation's secret map against the
// secret store, enforces each secret's access condition, and writes the
// allowed secrets into the sandbox-visible secrets directory as a single
// secrets.json.
package provisioner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/brainrake/hercules-ci-agent/internal/condition"
	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/invariant"
	"github.com/brainrake/hercules-ci-agent/internal/secretstore"
	"github.com/brainrake/hercules-ci-agent/internal/sensitive"
)

// SecretsMap maps a destination name (the key an effect's environment or
// files expect) to the source secret's name in the secret store.
type SecretsMap map[string]string

// Params bundles the inputs to Provision.
type Params struct {
	// Friendly relaxes access control for local developer runs, logging
	// warnings instead of denying where reasonable.
	Friendly bool

	// Context is the effective secret-access context. Absent (nil) only in
	// developer-local friendly-mode invocations.
	Context *condition.Context

	// SourcePath is the secret database file to load via secretstore.Load.
	// Empty means no file is configured.
	SourcePath string

	SecretsMap SecretsMap

	// ExtraSecrets are caller-supplied secrets (e.g. a wrapped API token
	// under the conventional name "hercules-ci") merged on top of the
	// loaded store; extras shadow file entries with the same name.
	ExtraSecrets map[string]secretstore.Secret

	// DestDir is the directory secrets.json is written into. Created if
	// missing.
	DestDir string

	Logger *slog.Logger
}

// writtenSecret is the on-disk shape for one provisioned secret: the
// condition field is always null once written, per invariant 3.
type writtenSecret struct {
	Data      map[string]json.RawMessage `json:"data"`
	Condition *condition.Condition       `json:"condition"`
}

// Provision resolves every entry in p.SecretsMap, applies the access
// decision, and writes the results to disk. An empty SecretsMap is a
// deliberate no-op: it writes nothing and succeeds regardless of whether a
// secrets source is even reachable.
func Provision(p Params) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(p.SecretsMap) == 0 {
		return nil
	}

	loaded, err := secretstore.Load(p.SourcePath)
	if err != nil {
		return err
	}
	merged := mergeStores(sensitive.Reveal(loaded), p.ExtraSecrets)

	result := make(map[string]writtenSecret, len(p.SecretsMap))

	for destName, srcName := range p.SecretsMap {
		secret, ok := merged[srcName]
		if !ok {
			return errors.New(errors.KindSecretAccessDenied,
				fmt.Sprintf("secret %q not found%s", srcName, suggestion(srcName, merged))).
				WithContext("destination", destName)
		}

		allowed, err := decideAccess(p.Friendly, p.Context, secret.Condition, destName, logger)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.New(errors.KindSecretAccessDenied,
				fmt.Sprintf("access denied for destination %q", destName)).
				WithContext("destination", destName)
		}

		result[destName] = writtenSecret{Data: secret.Data, Condition: nil}
	}

	return writeSecretsFile(p.DestDir, result)
}

func mergeStores(base secretstore.Store, extra map[string]secretstore.Secret) secretstore.Store {
	merged := make(secretstore.Store, len(base)+len(extra))
	for name, secret := range base {
		merged[name] = secret
	}
	for name, secret := range extra {
		merged[name] = secret
	}
	return merged
}

// suggestion returns a " (did you mean %q?)" hint using fuzzy matching over
// the known secret names, or the empty string when nothing is close enough.
// Never includes secret values, only names.
func suggestion(missing string, store secretstore.Store) string {
	names := make([]string, 0, len(store))
	for name := range store {
		names = append(names, name)
	}
	ranked := fuzzy.RankFindFold(missing, names)
	if len(ranked) == 0 {
		return ""
	}
	ranked.Sort()
	return fmt.Sprintf(" (did you mean %q?)", ranked[0].Target)
}

// decideAccess implements the friendly/condition/context decision table.
// It returns (allowed, error) where error is non-nil only for the
// strict-mode failure kinds that must abort the whole run.
func decideAccess(friendly bool, ctx *condition.Context, cond *condition.Condition, destName string, logger *slog.Logger) (bool, error) {
	switch {
	case !friendly && cond == nil:
		return false, errors.New(errors.KindSecretConditionMissing,
			fmt.Sprintf("secret for destination %q has no condition and friendly mode is off", destName)).
			WithContext("destination", destName)

	case !friendly && cond != nil:
		// ctx is required in strict mode; its absence is a caller bug, not a
		// recoverable access decision, so it is not special-cased here.
		invariant.Precondition(ctx != nil, "strict-mode provisioning requires a secret context")
		if !condition.Evaluate(*ctx, *cond) {
			return false, nil
		}
		return true, nil

	case friendly && cond == nil:
		logger.Warn("secret access condition missing; allowing under friendly mode",
			"destination", destName)
		return true, nil

	case friendly && cond != nil && ctx != nil:
		trace, result := condition.EvaluateTrace(*ctx, *cond)
		if !result {
			logger.Warn("secret access denied under friendly mode",
				"destination", destName, "trace", trace)
			return false, nil
		}
		return true, nil

	default: // friendly && cond != nil && ctx == nil
		logger.Warn("secret access control skipped: no context available in friendly mode",
			"destination", destName)
		return true, nil
	}
}

// writeSecretsFile serializes secrets as a single JSON object and writes it
// atomically (write to a temp file, then rename) so a failure never leaves
// a partially-written secrets.json behind.
func writeSecretsFile(destDir string, secrets map[string]writtenSecret) error {
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return errors.Wrap(errors.KindFatal, "creating secrets directory", err).WithContext("dir", destDir)
	}

	data, err := json.Marshal(secrets)
	if err != nil {
		return errors.Wrap(errors.KindFatal, "encoding secrets.json", err)
	}

	final := filepath.Join(destDir, "secrets.json")
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(errors.KindFatal, "writing secrets.json", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindFatal, "finalizing secrets.json", err)
	}
	return nil
}
