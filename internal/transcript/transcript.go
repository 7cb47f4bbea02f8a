// Package transcript prints the human-readable conversation log. Lines about
// the left identity start at column zero with the timestamp first; lines about
// every other identity are right-aligned to the terminal width with the
// timestamp last.
package transcript

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const (
	fallbackWidth = 80
	stampLayout   = "2006-01-02T15:04:05.000Z07:00"
)

// Transcript writes aligned, timestamped lines to out. Safe for concurrent use.
type Transcript struct {
	mu       sync.Mutex
	out      io.Writer
	left     string
	renderer *lipgloss.Renderer
	name     lipgloss.Style

	// Width and Now are replaceable for tests.
	Width func() int
	Now   func() time.Time
}

// New returns a Transcript that left-aligns lines about identity left.
func New(out io.Writer, left string) *Transcript {
	r := lipgloss.NewRenderer(out)
	return &Transcript{
		out:      out,
		left:     left,
		renderer: r,
		name:     r.NewStyle().Bold(true),
		Width:    widthOf(out),
		Now:      time.Now,
	}
}

func widthOf(out io.Writer) func() int {
	return func() int {
		f, ok := out.(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return fallbackWidth
		}
		w, _, err := term.GetSize(int(f.Fd()))
		if err != nil || w <= 0 {
			return fallbackWidth
		}
		return w
	}
}

// Event records a protocol event, e.g. "you joined_to_conversation".
func (t *Transcript) Event(identity, event string) {
	t.Line(identity, t.name.Render(identity)+" "+event)
}

// Said records relayed text, e.g. "you: hello".
func (t *Transcript) Said(identity, text string) {
	t.Line(identity, t.name.Render(identity)+": "+text)
}

// Line writes text aligned according to identity.
func (t *Transcript) Line(identity, text string) {
	stamp := "[" + t.Now().UTC().Format(stampLayout) + "]"

	t.mu.Lock()
	defer t.mu.Unlock()
	if identity == t.left {
		fmt.Fprintf(t.out, "%s %s\n", stamp, text)
		return
	}
	fmt.Fprintln(t.out, t.renderer.PlaceHorizontal(t.Width(), lipgloss.Right, text+" "+stamp))
}
