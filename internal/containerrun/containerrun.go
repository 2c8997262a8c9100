// Package containerrun builds an OCI-style runtime spec for one effect's
// sandbox, materializes it under a state directory, invokes the low-level
// runtime binary, and reports the resulting exit status verbatim.
package containerrun

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/brainrake/hercules-ci-agent/internal/errors"
	"github.com/brainrake/hercules-ci-agent/internal/invariant"
)

// BindMount exposes a host path inside the container at pathInContainer.
type BindMount struct {
	PathInContainer string
	PathInHost      string
	ReadOnly        bool
}

// ContainerConfig describes one container invocation.
type ContainerConfig struct {
	ExtraBindMounts []BindMount
	Executable      string
	Arguments       []string
	Environment     map[string]string
	WorkingDirectory string
	Hostname        string
	RootReadOnly    bool
}

// Runtime names the low-level OCI-style runtime binary invoked to launch the
// container (e.g. "runc"). Overridable in tests.
var Runtime = "runc"

// runtimeSpec is the subset of the OCI runtime-spec JSON shape this package
// emits. Only the fields the runtime needs to honor ContainerConfig are
// populated; unknown/omitted fields take the runtime's own defaults.
type runtimeSpec struct {
	OCIVersion string           `json:"ociVersion"`
	Hostname   string           `json:"hostname"`
	Root       runtimeRoot      `json:"root"`
	Mounts     []runtimeMount   `json:"mounts"`
	Process    runtimeProcess   `json:"process"`
	Linux      runtimeLinuxSpec `json:"linux"`
}

type runtimeRoot struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type runtimeMount struct {
	Destination string   `json:"destination"`
	Source      string   `json:"source"`
	Type        string   `json:"type"`
	Options     []string `json:"options"`
}

type runtimeProcess struct {
	Terminal bool     `json:"terminal"`
	Args     []string `json:"args"`
	Env      []string `json:"env"`
	Cwd      string   `json:"cwd"`
}

type runtimeLinuxSpec struct {
	UIDMappings []runtimeIDMapping `json:"uidMappings"`
	GIDMappings []runtimeIDMapping `json:"gidMappings"`
	Namespaces  []runtimeNamespace `json:"namespaces"`
	Capabilities *runtimeCapabilities `json:"capabilities,omitempty"`
}

type runtimeIDMapping struct {
	ContainerID uint32 `json:"containerID"`
	HostID      uint32 `json:"hostID"`
	Size        uint32 `json:"size"`
}

type runtimeNamespace struct {
	Type string `json:"type"`
}

// runtimeCapabilities lists the minimal capability set granted to the
// container process; the network namespace is shared with the host so no
// network capabilities beyond the defaults are required.
type runtimeCapabilities struct {
	Bounding []string `json:"bounding"`
}

var minimalCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_SETUID",
	"CAP_SETGID",
}

// Run builds the runtime spec for cfg, materializes it under stateDir,
// invokes the runtime, and returns its exit code. A missing bind-mount host
// source fails before the runtime is ever launched.
func Run(ctx context.Context, stateDir string, cfg ContainerConfig) (int, error) {
	invariant.NotNil(ctx, "context")
	invariant.Precondition(cfg.Executable != "", "container executable must be set")

	for _, m := range cfg.ExtraBindMounts {
		if _, err := os.Stat(m.PathInHost); err != nil {
			return 0, errors.Wrap(errors.KindContainerSpec,
				fmt.Sprintf("bind mount source %q missing for %q", m.PathInHost, m.PathInContainer), err)
		}
	}

	uid := os.Getuid()
	gid := os.Getgid()

	spec := runtimeSpec{
		OCIVersion: "1.0.2-dev",
		Hostname:   cfg.Hostname,
		Root:       runtimeRoot{Path: "/", Readonly: cfg.RootReadOnly},
		Mounts:     buildMounts(cfg.ExtraBindMounts),
		Process: runtimeProcess{
			Args: append([]string{cfg.Executable}, cfg.Arguments...),
			Env:  flattenEnv(cfg.Environment),
			Cwd:  cfg.WorkingDirectory,
		},
		Linux: runtimeLinuxSpec{
			UIDMappings: []runtimeIDMapping{{ContainerID: 0, HostID: uint32(uid), Size: 1}},
			GIDMappings: []runtimeIDMapping{{ContainerID: 0, HostID: uint32(gid), Size: 1}},
			Namespaces: []runtimeNamespace{
				{Type: "pid"}, {Type: "mount"}, {Type: "uts"}, {Type: "user"},
			},
			Capabilities: &runtimeCapabilities{Bounding: minimalCapabilities},
		},
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return 0, errors.Wrap(errors.KindFatal, "creating runtime state dir", err).WithContext("dir", stateDir)
	}

	specPath := filepath.Join(stateDir, "config.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return 0, errors.Wrap(errors.KindFatal, "encoding runtime spec", err)
	}
	if err := os.WriteFile(specPath, data, 0o600); err != nil {
		return 0, errors.Wrap(errors.KindFatal, "writing runtime spec", err).WithContext("path", specPath)
	}

	return invoke(ctx, stateDir, specPath)
}

// baseRuntimeMounts are required for almost any real executable to run:
// /proc for process introspection, /dev/null and friends, /dev/pts for
// pseudo-terminal allocation, /dev/shm for POSIX shared memory, and a
// restricted read-only /sys. None of these have a meaningful "host source"
// the way a bind mount does; the runtime constructs them from the mount
// type alone.
func baseRuntimeMounts() []runtimeMount {
	return []runtimeMount{
		{Destination: "/proc", Source: "proc", Type: "proc"},
		{
			Destination: "/dev", Source: "tmpfs", Type: "tmpfs",
			Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
		},
		{
			Destination: "/dev/pts", Source: "devpts", Type: "devpts",
			Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
		},
		{
			Destination: "/dev/shm", Source: "shm", Type: "tmpfs",
			Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"},
		},
		{
			Destination: "/sys", Source: "sysfs", Type: "sysfs",
			Options: []string{"nosuid", "noexec", "nodev", "ro"},
		},
	}
}

// buildMounts returns the runtime's required base mount set plus extra
// turned into bind mounts.
func buildMounts(extra []BindMount) []runtimeMount {
	mounts := baseRuntimeMounts()
	for _, m := range extra {
		options := []string{"bind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, runtimeMount{
			Destination: m.PathInContainer,
			Source:      m.PathInHost,
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// invoke runs the runtime binary with a "run" verb against the materialized
// spec, forwarding stdout/stderr unchanged and returning the child's exit
// code verbatim. Non-zero is returned as-is, never translated into an error.
func invoke(ctx context.Context, stateDir, specPath string) (int, error) {
	cmd := exec.CommandContext(ctx, Runtime, "run", "--bundle", stateDir, filepath.Base(stateDir))
	_ = specPath
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, errors.Wrap(errors.KindFatal, "launching container runtime", err)
}
