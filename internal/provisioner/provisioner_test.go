package provisioner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrake/hercules-ci-agent/internal/condition"
	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/secretstore"
)

func writeSource(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func readSecretsJSON(t *testing.T, destDir string) map[string]writtenSecret {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(destDir, "secrets.json"))
	require.NoError(t, err)
	var out map[string]writtenSecret
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestProvisionEmptyMapWritesNothing(t *testing.T) {
	destDir := t.TempDir()
	err := Provision(Params{
		SourcePath: "/does/not/exist.json",
		SecretsMap: nil,
		DestDir:    destDir,
	})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(destDir, "secrets.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProvisionGrantsWhenConditionPasses(t *testing.T) {
	src := writeSource(t, `{"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Context:    &condition.Context{Branch: "main"},
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	})
	require.NoError(t, err)

	written := readSecretsJSON(t, destDir)
	require.Contains(t, written, "aws")
	assert.Nil(t, written["aws"].Condition)
	assert.JSONEq(t, `"v"`, string(written["aws"].Data["k"]))
}

func TestProvisionDeniesStrictModeAndWritesNoFile(t *testing.T) {
	src := writeSource(t, `{"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Context:    &condition.Context{Branch: "feature"},
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretAccessDenied))

	_, statErr := os.Stat(filepath.Join(destDir, "secrets.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProvisionDeniesFriendlyModeStillFails(t *testing.T) {
	src := writeSource(t, `{"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Friendly:   true,
		Context:    &condition.Context{Branch: "feature"},
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretAccessDenied))
}

func TestProvisionMissingSourceSecretFails(t *testing.T) {
	src := writeSource(t, `{}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Context:    &condition.Context{Branch: "main"},
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretAccessDenied))
}

func TestProvisionStrictModeNoConditionFails(t *testing.T) {
	src := writeSource(t, `{"deploy": {"data": {"k": "v"}}}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Context:    &condition.Context{Branch: "main"},
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretConditionMissing))
}

func TestProvisionFriendlyModeNoConditionAllowsWithWarning(t *testing.T) {
	src := writeSource(t, `{"deploy": {"data": {"k": "v"}}}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Friendly:   true,
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	})
	require.NoError(t, err)

	written := readSecretsJSON(t, destDir)
	assert.Contains(t, written, "aws")
}

func TestProvisionIsIdempotentByteForByte(t *testing.T) {
	src := writeSource(t, `{"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}}`)
	destDir := t.TempDir()

	params := Params{
		Context:    &condition.Context{Branch: "main"},
		SourcePath: src,
		SecretsMap: SecretsMap{"aws": "deploy"},
		DestDir:    destDir,
	}
	require.NoError(t, Provision(params))
	first, err := os.ReadFile(filepath.Join(destDir, "secrets.json"))
	require.NoError(t, err)

	require.NoError(t, Provision(params))
	second, err := os.ReadFile(filepath.Join(destDir, "secrets.json"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestProvisionExtraSecretsShadowFileEntries(t *testing.T) {
	src := writeSource(t, `{"hercules-ci": {"data": {"token": "from-file"}}}`)
	destDir := t.TempDir()

	err := Provision(Params{
		Friendly:   true,
		SourcePath: src,
		SecretsMap: SecretsMap{"token": "hercules-ci"},
		ExtraSecrets: map[string]secretstore.Secret{
			"hercules-ci": {Data: map[string]json.RawMessage{"token": json.RawMessage(`"from-extra"`)}},
		},
		DestDir: destDir,
	})
	require.NoError(t, err)

	written := readSecretsJSON(t, destDir)
	require.Contains(t, written, "token")
	assert.JSONEq(t, `"from-extra"`, string(written["token"].Data["token"]))
}
