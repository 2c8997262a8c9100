package secretstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/sensitive"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadEmptyPathReturnsEmptyStore(t *testing.T) {
	store, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, sensitive.Reveal(store))
}

func TestLoadParsesSecretsAndStripsNothingYet(t *testing.T) {
	path := writeTemp(t, `{
		"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}
	}`)

	wrapped, err := Load(path)
	require.NoError(t, err)

	store := sensitive.Reveal(wrapped)
	require.Contains(t, store, "deploy")
	assert.NotNil(t, store["deploy"].Condition)
}

func TestLoadMalformedJSONFails(t *testing.T) {
	path := writeTemp(t, `{not json`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretsFileUnparseable))
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	path := writeTemp(t, `{"deploy": "not-an-object"}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretsFileUnparseable))
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretsFileUnparseable))
}
