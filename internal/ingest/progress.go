package ingest

import (
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// ProgressReporter receives per-record progress of a run.
type ProgressReporter interface {
	// Start is called once; total is -1 when unknown.
	Start(total int)
	Increment()
	Finish()
}

// BarProgress renders a progress bar on stderr.
type BarProgress struct {
	desc string
	bar  *progressbar.ProgressBar
}

// NewProgress returns a bar reporter when enabled, else nil.
func NewProgress(enabled bool, desc string) ProgressReporter {
	if !enabled {
		return nil
	}
	return &BarProgress{desc: desc}
}

func (p *BarProgress) Start(total int) {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(p.desc),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	}
	if total <= 0 {
		total = -1
		opts = append(opts, progressbar.OptionSpinnerType(9))
	}
	p.bar = progressbar.NewOptions(total, opts...)
}

func (p *BarProgress) Increment() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Add(1)
}

func (p *BarProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}

// DefaultProgressEnabled reports whether stderr is a terminal.
func DefaultProgressEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
