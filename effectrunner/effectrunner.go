// Package effectrunner is the top-level orchestrator for one effect run: it
// wires the Secret Provisioner, the optional Daemon Proxy Supervisor, and
// the Container Runner together around a per-run directory.
package effectrunner

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/brainrake/hercules-ci-agent/internal/condition"
	"github.com/brainrake/hercules-ci-agent/internal/containerrun"
	"github.com/brainrake/hercules-ci-agent/internal/daemonproxy"
	"github.com/brainrake/hercules-ci-agent/internal/invariant"
	"github.com/brainrake/hercules-ci-agent/internal/provisioner"
	"github.com/brainrake/hercules-ci-agent/internal/secretstore"
	"github.com/brainrake/hercules-ci-agent/internal/sensitive"
)

// Derivation is the input record for one effect run: an executable path, its
// argv, its environment, and a nominal output identifier. Immutable for the
// lifetime of the run.
type Derivation struct {
	Executable string
	Arguments  []string
	Env        map[string]string
	OutputName string
}

// BindMount exposes a host path inside the container.
type BindMount = containerrun.BindMount

// ContainerConfig is the subset of container shape the caller controls
// beyond the base mounts and composed environment the runner always adds.
type ContainerConfig struct {
	ExtraBindMounts []BindMount
	Hostname        string
	RootReadOnly    bool
}

// RunEffectParams bundles the inputs to RunEffect.
type RunEffectParams struct {
	Derivation Derivation

	// Token is the caller-supplied API token, provisioned under the
	// conventional secret name "hercules-ci".
	Token *sensitive.Sensitive[string]

	SecretsConfigPath string
	SecretContext     *condition.Context

	APIBaseURL  string
	Dir         string
	ProjectID   string
	ProjectPath string

	UseNixDaemonProxy bool
	ExtraNixOptions   []string

	Friendly bool

	Container ContainerConfig

	Logger *slog.Logger
}

// ExitCode is the container's final exit status; non-zero is not an error
// of the runner itself.
type ExitCode int

// RunEffect provisions secrets, optionally brings up a daemon proxy,
// launches the container, and returns its exit code verbatim.
func RunEffect(ctx context.Context, p RunEffectParams) (ExitCode, error) {
	invariant.NotNil(ctx, "context")
	invariant.Precondition(p.Dir != "", "run directory must be set")

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	layout, err := newRunLayout(p.Dir, p.UseNixDaemonProxy)
	if err != nil {
		return 0, err
	}

	secretsMap, err := parseSecretsMap(p.Derivation.Env)
	if err != nil {
		return 0, err
	}

	extraSecrets := map[string]secretstore.Secret{}
	if p.Token != nil {
		secret, err := tokenSecret(*p.Token)
		if err != nil {
			return 0, err
		}
		extraSecrets["hercules-ci"] = secret
	}

	if err := provisioner.Provision(provisioner.Params{
		Friendly:     p.Friendly,
		Context:      p.SecretContext,
		SourcePath:   p.SecretsConfigPath,
		SecretsMap:   secretsMap,
		ExtraSecrets: extraSecrets,
		DestDir:      layout.secretsDir,
		Logger:       logger,
	}); err != nil {
		return 0, err
	}

	containerCfg := containerrun.ContainerConfig{
		ExtraBindMounts:  baseBindMounts(layout, p.Container.ExtraBindMounts),
		Executable:       p.Derivation.Executable,
		Arguments:        p.Derivation.Arguments,
		Environment:      composeEnvironment(p),
		WorkingDirectory: "/build",
		Hostname:         firstNonEmpty(p.Container.Hostname, "hercules-ci"),
		RootReadOnly:     p.Container.RootReadOnly,
	}

	runContainer := func(runCtx context.Context) (int, error) {
		return containerrun.Run(runCtx, layout.runcStateDir, containerCfg)
	}

	var exitCode int
	if p.UseNixDaemonProxy {
		err = daemonproxy.WithDaemonProxy(ctx, p.ExtraNixOptions, layout.daemonSocketPath, logger,
			func(runCtx context.Context) error {
				code, runErr := runContainer(runCtx)
				exitCode = code
				return runErr
			})
	} else {
		exitCode, err = runContainer(ctx)
	}

	if err != nil {
		return 0, err
	}
	return ExitCode(exitCode), nil
}

// tokenSecret wraps a caller-supplied API token as the conventional
// "hercules-ci" secret, condition-free since it is supplied by the caller,
// not read from the access-controlled secret database.
func tokenSecret(token sensitive.Sensitive[string]) (secretstore.Secret, error) {
	raw, err := json.Marshal(sensitive.Reveal(token))
	if err != nil {
		return secretstore.Secret{}, err
	}
	return secretstore.Secret{Data: map[string]json.RawMessage{"token": raw}}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
