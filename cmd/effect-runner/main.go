// Command effect-runner is a thin entry point over the effectrunner
// library. Full CLI argument parsing, config file loading, and the HTTP API
// client used to fetch tokens are handled elsewhere; this binary exposes
// just enough flags to drive one effect run end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/brainrake/hercules-ci-agent/effectrunner"
	"github.com/brainrake/hercules-ci-agent/internal/condition"
)

func main() {
	var (
		dir               string
		apiBaseURL        string
		projectID         string
		projectPath       string
		secretsConfigPath string
		branch            string
		useNixDaemonProxy bool
		friendly          bool
	)

	rootCmd := &cobra.Command{
		Use:           "effect-runner -- <executable> [args...]",
		Short:         "Run one effect derivation inside an isolated sandbox",
		Args:          cobra.MinimumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			exitCode, err := effectrunner.RunEffect(cmd.Context(), effectrunner.RunEffectParams{
				Derivation: effectrunner.Derivation{
					Executable: args[0],
					Arguments:  args[1:],
					Env:        map[string]string{},
				},
				SecretsConfigPath: secretsConfigPath,
				SecretContext:     &condition.Context{Branch: branch},
				APIBaseURL:        apiBaseURL,
				Dir:               dir,
				ProjectID:         projectID,
				ProjectPath:       projectPath,
				UseNixDaemonProxy: useNixDaemonProxy,
				Friendly:          friendly,
				Logger:            slog.Default(),
			})
			if err != nil {
				return err
			}
			if exitCode != 0 {
				return fmt.Errorf("effect exited with code %d", exitCode)
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&dir, "dir", "", "run directory (created fresh per invocation)")
	rootCmd.Flags().StringVar(&apiBaseURL, "api-base-url", "", "Hercules CI API base URL exposed to the effect")
	rootCmd.Flags().StringVar(&projectID, "project-id", "", "project identifier exposed to the effect")
	rootCmd.Flags().StringVar(&projectPath, "project-path", "", "project path exposed to the effect")
	rootCmd.Flags().StringVar(&secretsConfigPath, "secrets-config", "", "path to the secret database file")
	rootCmd.Flags().StringVar(&branch, "branch", "", "branch/ref for secret-access condition evaluation")
	rootCmd.Flags().BoolVar(&useNixDaemonProxy, "use-nix-daemon-proxy", false, "front the package store through a daemon proxy")
	rootCmd.Flags().BoolVar(&friendly, "friendly", false, "relax secret access control for local developer runs")
	rootCmd.MarkFlagRequired("dir")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "effect-runner:", err)
		os.Exit(1)
	}
}
