package effectrunner

import (
	"os"
	"path/filepath"

	"github.com/brainrake/hercules-ci-agent/internal/containerrun"
	"github.com/brainrake/hercules-ci-agent/internal/errors"
)

// runLayout is the run-directory layout: build/, etc/, secrets/,
// runc-state/ are always created; nix-daemon-socket only when a daemon
// proxy is in use. All paths persist until the caller tears down dir.
type runLayout struct {
	buildDir         string
	etcDir           string
	secretsDir       string
	runcStateDir     string
	daemonSocketPath string
}

func newRunLayout(dir string, withDaemonSocket bool) (*runLayout, error) {
	layout := &runLayout{
		buildDir:     filepath.Join(dir, "build"),
		etcDir:       filepath.Join(dir, "etc"),
		secretsDir:   filepath.Join(dir, "secrets"),
		runcStateDir: filepath.Join(dir, "runc-state"),
	}
	if withDaemonSocket {
		layout.daemonSocketPath = filepath.Join(dir, "nix-daemon-socket")
	}

	for _, d := range []string{layout.buildDir, layout.etcDir, layout.secretsDir, layout.runcStateDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, errors.Wrap(errors.KindFatal, "creating run directory", err).WithContext("dir", d)
		}
	}
	return layout, nil
}

// HostResolvConfPath is the host's /etc/resolv.conf, bind-mounted rw into
// every container (some runtimes reject a read-only mount for this path).
// A var so tests can point it at a fixture instead of the real host file.
var HostResolvConfPath = "/etc/resolv.conf"

// HostNixDaemonSocketPath is the host's package-store daemon socket, used
// when no daemon proxy is in play. A var so tests can point it at a
// fixture instead of requiring a real daemon socket on the test machine.
var HostNixDaemonSocketPath = "/nix/var/nix/daemon-socket/socket"

// baseBindMounts returns the container's required base mounts plus the
// caller's extra mounts layered on top.
func baseBindMounts(layout *runLayout, extra []containerrun.BindMount) []containerrun.BindMount {
	mounts := []containerrun.BindMount{
		{PathInContainer: "/build", PathInHost: layout.buildDir, ReadOnly: false},
		{PathInContainer: "/etc", PathInHost: layout.etcDir, ReadOnly: false},
		{PathInContainer: "/secrets", PathInHost: layout.secretsDir, ReadOnly: true},
		{PathInContainer: "/etc/resolv.conf", PathInHost: HostResolvConfPath, ReadOnly: false},
	}

	socketSource := HostNixDaemonSocketPath
	if layout.daemonSocketPath != "" {
		socketSource = layout.daemonSocketPath
	}
	mounts = append(mounts, containerrun.BindMount{
		PathInContainer: "/nix/var/nix/daemon-socket/socket",
		PathInHost:      socketSource,
		ReadOnly:        true,
	})

	return append(mounts, extra...)
}
