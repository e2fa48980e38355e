package telemetry

import (
	"fmt"
	"io"

	"github.com/andresmejia3/mirage/internal/types"
	"github.com/schollz/progressbar/v3"
)

// Progress drives a terminal progress bar, one tick per iteration, with the latest loss in the
// description.
type Progress struct {
	bar   *progressbar.ProgressBar
	label string
}

// NewProgress renders to w (stderr in the CLI) for a run of total iterations.
func NewProgress(w io.Writer, total int, label string) *Progress {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)
	return &Progress{bar: bar, label: label}
}

func (p *Progress) Record(_ int, loss float64) {
	p.bar.Describe(fmt.Sprintf("%s (loss %.4f)", p.label, loss))
	p.bar.Add(1)
}

func (p *Progress) Warn(w types.Warning) {
	p.bar.Describe(fmt.Sprintf("%s ⚠️  %s", p.label, w.Kind))
}

// Finish completes the bar, e.g. after an early stop.
func (p *Progress) Finish() error {
	return p.bar.Finish()
}
