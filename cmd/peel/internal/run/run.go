// Package run wires the CLI's flags to the dispatcher and renders an
// inspection result as plain text or JSON. It is the one place the
// engine's output touches an external presentation concern.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
	"github.com/mkrasner/peel/dispatch"
)

// Options collects the CLI's flags for a single inspection.
type Options struct {
	Image    string
	Runtime  string
	JSONDest string
	UseOCI   bool
	NoSudo   bool
	Quiet    bool
}

// Inspect resolves a backend for opts.Image, runs the full inspection
// (metadata, then per-layer files), and renders the result.
func Inspect(ctx context.Context, opts Options) error {
	log := logrus.WithField("image", opts.Image)

	if dispatch.IsEscalated() {
		log.Info("running with escalated privileges (re-executed under sudo)")
	}

	sink := newSink(opts.Quiet)

	result, err := dispatch.Select(opts.Image, dispatch.Options{
		Runtime: opts.Runtime,
		UseOCI:  opts.UseOCI,
		NoSudo:  opts.NoSudo,
		Sink:    sink,
		Log:     log,
	})
	if err != nil {
		return err
	}
	defer result.Inspector.Close()

	printRuntimeSummary(log, result)

	info, err := result.Inspector.Inspect(opts.Image)
	if err != nil {
		return err
	}

	sink.Start(len(info.Layers))
	for i := range info.Layers {
		files, err := result.Inspector.ListFiles(&info.Layers[i])
		if err != nil {
			return err
		}
		info.Layers[i].Files = files
		sink.Advance()
	}
	sink.Finish(fmt.Sprintf("inspected %d layers of %s", len(info.Layers), summaryName(info)))

	if opts.JSONDest != "" {
		return renderJSON(info, opts.JSONDest)
	}
	return renderPlainText(os.Stdout, info)
}

func summaryName(info *peel.ImageInfo) string {
	if info.Tag != "" {
		return info.Name + ":" + info.Tag
	}
	return info.Name
}

// printRuntimeSummary logs the pre-inspection banner the original tool's
// print_runtime_summary printed before doing any work: every runtime it
// found, then which one got picked and where its storage lives. result.Probe
// is nil when dispatch.Select took the archive-extension shortcut and never
// probed at all, in which case there's nothing to report.
func printRuntimeSummary(log logrus.FieldLogger, result dispatch.Result) {
	if result.Probe == nil {
		return
	}
	names := make([]string, len(result.Probe.Runtimes))
	for i, rt := range result.Probe.Runtimes {
		names[i] = string(rt.Kind)
	}
	log.Infof("runtimes: %s", strings.Join(names, ", "))
	log.Infof("selected: %s (storage: %s, driver: %s)",
		result.Selected.Kind, result.Selected.StorageRoot, result.Selected.StorageDriver)
}

func renderJSON(info *peel.ImageInfo, dest string) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return peel.WrapError(peel.KindMalformedMetadata, err, "encoding result as JSON")
	}
	data = append(data, '\n')

	if dest == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func renderPlainText(w io.Writer, info *peel.ImageInfo) error {
	header := summaryName(info)
	if info.Architecture != "" {
		header += " (" + info.Architecture + ")"
	}
	fmt.Fprintf(w, "%s\t%s bytes\n", header, units.HumanSize(float64(info.TotalSize)))
	for i, l := range info.Layers {
		created := l.CreatedBy
		if created == "" {
			created = "<unknown>"
		}
		fmt.Fprintf(w, "\nlayer %d  %s  %s\n", i, l.Digest, units.HumanSize(float64(l.Size)))
		fmt.Fprintf(w, "  %s\n", created)
		for _, f := range l.Files {
			marker := " "
			if f.IsWhiteout {
				marker = "-"
			}
			fmt.Fprintf(w, "  %s %s\t%d\n", marker, f.Path, f.Size)
		}
	}
	return nil
}

// ChildExitCode reports the exit code of a failed runtime-CLI invocation
// wrapped inside a peel.Error, so main can propagate it instead of
// collapsing every failure to 1.
func ChildExitCode(err error) (int, bool) {
	var perr *peel.Error
	if !errors.As(err, &perr) || perr.Kind != peel.KindChildFailed {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(perr.Cause, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
