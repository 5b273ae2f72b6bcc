// Package progress renders a throttled text progress bar for the single
// streaming pass.
package progress

import (
	"fmt"
	"io"
	"strings"
)

// DefaultWidth is the bar width in glyphs.
const DefaultWidth = 50

// Step is the minimum fractional advance between two emitted updates.
const Step = 0.01

// Bar glyphs.
const (
	Fill  = "="
	Head  = ">"
	Space = " "
)

// Render returns the bar line for done out of total, without a line
// terminator. It returns "" when total is zero.
func Render(done, total int64, width int) string {
	if total <= 0 {
		return ""
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if done < 0 {
		done = 0
	}
	if done > total {
		done = total
	}

	fraction := float64(done) / float64(total)
	pos := int(float64(width) * fraction)

	var sb strings.Builder
	sb.Grow(width + 10)
	sb.WriteString("[")
	for i := 0; i < width; i++ {
		switch {
		case i < pos:
			sb.WriteString(Fill)
		case i == pos:
			sb.WriteString(Head)
		default:
			sb.WriteString(Space)
		}
	}
	fmt.Fprintf(&sb, "] %d %%", int(fraction*100.0))
	return sb.String()
}

// Reporter writes bar updates to w, at most one per Step of advance, each
// overwriting the previous line with a carriage return.
type Reporter struct {
	w        io.Writer
	width    int
	last     float64
	started  bool
	emitted  int
	finished bool
}

// NewReporter creates a reporter writing to w. A nil writer discards output.
func NewReporter(w io.Writer, width int) *Reporter {
	if w == nil {
		w = io.Discard
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return &Reporter{w: w, width: width}
}

// Update reports that done of total records have been processed. It
// writes only when the fraction moved more than Step past the last update.
func (r *Reporter) Update(done, total int64) {
	if total <= 0 || r.finished {
		return
	}
	fraction := float64(done) / float64(total)
	if r.started && fraction <= r.last+Step {
		return
	}
	if !r.started && fraction <= Step {
		return
	}
	r.started = true
	r.last = fraction
	r.emit(Render(done, total, r.width) + "\r")
}

// Finish writes the final 100% line and a newline. Later updates are ignored.
func (r *Reporter) Finish(total int64) {
	if r.finished {
		return
	}
	r.finished = true
	line := Render(total, total, r.width)
	if line == "" {
		line = Render(1, 1, r.width)
	}
	r.emit(line + "\n")
}

// Emitted returns the number of lines written so far.
func (r *Reporter) Emitted() int {
	return r.emitted
}

func (r *Reporter) emit(s string) {
	r.emitted++
	io.WriteString(r.w, s)
}
