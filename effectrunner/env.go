package effectrunner

import (
	"encoding/json"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/provisioner"
)

// secretsMapEnvVar is the reserved derivation environment entry carrying
// the destination-name -> source-secret-name mapping.
const secretsMapEnvVar = "secretsMap"

// parseSecretsMap extracts and decodes the reserved secretsMap entry from a
// derivation's environment. Its absence is not an error: it means the
// effect provisions no secrets.
func parseSecretsMap(env map[string]string) (provisioner.SecretsMap, error) {
	raw, ok := env[secretsMapEnvVar]
	if !ok || raw == "" {
		return nil, nil
	}
	var m provisioner.SecretsMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "parsing secretsMap derivation environment entry", err)
	}
	return m, nil
}

// composeEnvironment builds the in-container environment: a
// derivation-overridable base, then the derivation's own environment, then
// an impure-overridable layer, composed left-to-right with right winning on
// conflict, followed by a fixed tail that always wins.
func composeEnvironment(p RunEffectParams) map[string]string {
	env := map[string]string{
		"PATH":                     "/path-not-set",
		"HOME":                     "/homeless-shelter",
		"NIX_STORE":                "/nix/store",
		"NIX_BUILD_CORES":          "1",
		"NIX_REMOTE":               "daemon",
		"IN_HERCULES_CI_EFFECT":    "true",
		"HERCULES_CI_API_BASE_URL": p.APIBaseURL,
		"HERCULES_CI_SECRETS_JSON": "/secrets/secrets.json",
	}
	if p.ProjectID != "" {
		env["HERCULES_CI_PROJECT_ID"] = p.ProjectID
	}
	if p.ProjectPath != "" {
		env["HERCULES_CI_PROJECT_PATH"] = p.ProjectPath
	}

	for k, v := range p.Derivation.Env {
		if k == secretsMapEnvVar {
			continue
		}
		env[k] = v
	}

	// Impure-overridable layer: applied after the derivation's own
	// environment, so it wins on conflict. Fixed rather than host
	// passthrough, to keep the sandbox's environment fully determined by
	// this function.
	for _, k := range []string{"NIX_BUILD_TOP", "TMPDIR", "TEMPDIR", "TMP", "TEMP"} {
		env[k] = "/build"
	}

	env["NIX_LOG_FD"] = "2"
	env["TERM"] = "xterm-256color"

	return env
}
