package run

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/mkrasner/peel/progress"
)

// barSink adapts a schollz/progressbar/v3 bar to the engine's narrow
// progress.Sink contract.
type barSink struct {
	bar *progressbar.ProgressBar
}

var _ progress.Sink = (*barSink)(nil)

func newSink(quiet bool) progress.Sink {
	if quiet {
		return progress.Noop{}
	}
	return &barSink{}
}

func (s *barSink) Start(total int) {
	s.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("parsing layers"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (s *barSink) Advance() {
	if s.bar == nil {
		return
	}
	s.bar.Add(1)
}

func (s *barSink) Finish(message string) {
	if s.bar == nil {
		return
	}
	s.bar.Finish()
	io.WriteString(os.Stderr, message+"\n")
}
