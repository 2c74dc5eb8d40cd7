package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mkrasner/peel/cmd/peel/internal/run"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	var opts run.Options
	var verbose bool

	cmd := &cobra.Command{
		Use:   "peel <image-or-archive>",
		Short: "Inspect a container image's layers without pulling or mounting it",
		Long: `peel enumerates a built OCI/Docker image's layers base-to-tip: the command
that authored each one, and every file it contains with its size and
whiteout status.

The image argument may be a name known to a local runtime (docker, podman,
containerd) or a path to an exported tar archive (Docker-save or OCI
layout, raw or gzip-compressed).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			opts.Image = args[0]
			return run.Inspect(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Runtime, "runtime", "", "force a runtime (docker|podman|containerd) instead of auto-detecting")
	cmd.Flags().StringVar(&opts.JSONDest, "json", "", "emit pretty-printed JSON to - (stdout) or a file path, instead of plain text")
	cmd.Flags().Lookup("json").NoOptDefVal = "-"
	cmd.Flags().BoolVar(&opts.UseOCI, "use-oci", false, "force the runtime-CLI backend (skip overlay2 even if readable)")
	cmd.Flags().BoolVar(&opts.NoSudo, "no-sudo", false, "refuse automatic privilege escalation for overlay2 reads")
	cmd.Flags().BoolVar(&opts.Quiet, "quiet", false, "suppress the progress bar")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	return cmd
}

// exitCodeFor mirrors a failed child's own exit code when available,
// falling back to 1 for any other internal failure.
func exitCodeFor(err error) int {
	if code, ok := run.ChildExitCode(err); ok {
		return code
	}
	fmt.Fprintln(os.Stderr, "peel:", err)
	return 1
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
}
