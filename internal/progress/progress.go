package progress

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// Constants for progress bar configuration
const (
	progressBarWidth    = 40
	progressBarThrottle = 65 * 1000000
)

// New creates a progress bar counting total items. A total below zero
// renders a spinner instead.
func New(w io.Writer, description string, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(progressBarWidth),
		progressbar.OptionThrottle(progressBarThrottle),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}
