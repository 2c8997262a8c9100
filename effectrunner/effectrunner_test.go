package effectrunner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrake/hercules-ci-agent/internal/condition"
	"github.com/brainrake/hercules-ci-agent/internal/containerrun"
	"github.com/brainrake/hercules-ci-agent/internal/errors"
)

func fakeRuntime(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runc")
	script := "#!/bin/sh\nexit " + string(rune('0'+exitCode)) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func withRuntime(t *testing.T, path string) {
	t.Helper()
	prev := containerrun.Runtime
	containerrun.Runtime = path
	t.Cleanup(func() { containerrun.Runtime = prev })

	withHostMountFixtures(t)
}

// withHostMountFixtures points the base bind mounts' host-only sources
// (resolv.conf, the nix daemon socket) at throwaway files so tests don't
// depend on the test machine having Nix installed.
func withHostMountFixtures(t *testing.T) {
	t.Helper()
	fixtureDir := t.TempDir()

	resolvConf := filepath.Join(fixtureDir, "resolv.conf")
	require.NoError(t, os.WriteFile(resolvConf, []byte("nameserver 127.0.0.1\n"), 0o644))
	prevResolv := HostResolvConfPath
	HostResolvConfPath = resolvConf
	t.Cleanup(func() { HostResolvConfPath = prevResolv })

	socket := filepath.Join(fixtureDir, "daemon-socket")
	require.NoError(t, os.WriteFile(socket, []byte{}, 0o644))
	prevSocket := HostNixDaemonSocketPath
	HostNixDaemonSocketPath = socket
	t.Cleanup(func() { HostNixDaemonSocketPath = prevSocket })
}

func writeSecretsSource(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRunEffectHappyPathNoSecretsNoProxy(t *testing.T) {
	withRuntime(t, fakeRuntime(t, 0))

	code, err := RunEffect(context.Background(), RunEffectParams{
		Derivation: Derivation{Executable: "/bin/true"},
		Dir:        t.TempDir(),
		APIBaseURL: "https://hercules-ci.example",
	})
	require.NoError(t, err)
	assert.Equal(t, ExitCode(0), code)
}

func TestRunEffectSecretGrantWritesSecretsJSON(t *testing.T) {
	withRuntime(t, fakeRuntime(t, 0))
	dir := t.TempDir()
	src := writeSecretsSource(t, `{"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}}`)

	secretsMap, err := json.Marshal(map[string]string{"aws": "deploy"})
	require.NoError(t, err)

	code, err := RunEffect(context.Background(), RunEffectParams{
		Derivation: Derivation{
			Executable: "/bin/true",
			Env:        map[string]string{"secretsMap": string(secretsMap)},
		},
		SecretsConfigPath: src,
		SecretContext:     &condition.Context{Branch: "main"},
		Dir:               dir,
		APIBaseURL:        "https://hercules-ci.example",
	})
	require.NoError(t, err)
	assert.Equal(t, ExitCode(0), code)

	data, err := os.ReadFile(filepath.Join(dir, "secrets", "secrets.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"aws"`)
	assert.Contains(t, string(data), `"condition":null`)
}

func TestRunEffectSecretDenyStrictFailsAndWritesNoFile(t *testing.T) {
	withRuntime(t, fakeRuntime(t, 0))
	dir := t.TempDir()
	src := writeSecretsSource(t, `{"deploy": {"data": {"k": "v"}, "condition": {"IsBranch": "main"}}}`)

	secretsMap, err := json.Marshal(map[string]string{"aws": "deploy"})
	require.NoError(t, err)

	_, err = RunEffect(context.Background(), RunEffectParams{
		Derivation: Derivation{
			Executable: "/bin/true",
			Env:        map[string]string{"secretsMap": string(secretsMap)},
		},
		SecretsConfigPath: src,
		SecretContext:     &condition.Context{Branch: "feature"},
		Dir:               dir,
		APIBaseURL:        "https://hercules-ci.example",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindSecretAccessDenied))

	_, statErr := os.Stat(filepath.Join(dir, "secrets", "secrets.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunEffectReturnsContainerExitCodeVerbatim(t *testing.T) {
	withRuntime(t, fakeRuntime(t, 3))

	code, err := RunEffect(context.Background(), RunEffectParams{
		Derivation: Derivation{Executable: "/bin/false"},
		Dir:        t.TempDir(),
		APIBaseURL: "https://hercules-ci.example",
	})
	require.NoError(t, err)
	assert.Equal(t, ExitCode(3), code)
}

func TestRunEffectCreatesRunDirectoryLayout(t *testing.T) {
	withRuntime(t, fakeRuntime(t, 0))
	dir := t.TempDir()

	_, err := RunEffect(context.Background(), RunEffectParams{
		Derivation: Derivation{Executable: "/bin/true"},
		Dir:        dir,
		APIBaseURL: "https://hercules-ci.example",
	})
	require.NoError(t, err)

	for _, sub := range []string{"build", "etc", "secrets", "runc-state"} {
		info, statErr := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, statErr)
		assert.True(t, info.IsDir())
	}
}
