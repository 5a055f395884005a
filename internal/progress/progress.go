// Package progress wraps the terminal progress bar used by one-shot CLI
// syncs. A nil bar is a no-op so library callers can pass nothing.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar with max steps. When quiet is set the bar is
// silent but still counts.
func New(max int, description string, quiet bool) *Bar {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionClearOnFinish(),
	}
	if quiet {
		opts = append(opts, progressbar.OptionSetWriter(io.Discard))
	}
	return &Bar{bar: progressbar.NewOptions(max, opts...)}
}

func (b *Bar) Add(n int) {
	if b == nil || b.bar == nil {
		return
	}
	_ = b.bar.Add(n)
}

func (b *Bar) Describe(description string) {
	if b == nil || b.bar == nil {
		return
	}
	b.bar.Describe(description)
}

func (b *Bar) Finish() {
	if b == nil || b.bar == nil {
		return
	}
	_ = b.bar.Finish()
}
