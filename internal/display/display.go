// Package display renders the tracker screen: one location region, one region
// per motion sensor kind, and transient notices.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/benmeehan/motion-tracker/pkg/motion"
	"github.com/fatih/color"
)

// Display is the screen the tracker service writes to.
type Display interface {
	SetLocation(text string)
	SetMotion(kind motion.Kind, text string)
	Notify(text string)
}

const clearScreen = "\033[H\033[2J"

// TerminalDisplay redraws every region on each change.
type TerminalDisplay struct {
	out    io.Writer
	clear  bool
	notice *color.Color
	header *color.Color

	mu       sync.Mutex
	location string
	motion   map[motion.Kind]string
	lastNote string
	prompt   string
	last     string
}

// NewTerminalDisplay creates a display writing to out. When clear is set the
// screen is wiped before every redraw.
func NewTerminalDisplay(out io.Writer, clear bool) *TerminalDisplay {
	return &TerminalDisplay{
		out:    out,
		clear:  clear,
		notice: color.New(color.FgYellow, color.Bold),
		header: color.New(color.FgCyan),
		motion: make(map[motion.Kind]string),
	}
}

func (d *TerminalDisplay) SetLocation(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = text
	d.redrawLocked()
}

func (d *TerminalDisplay) SetMotion(kind motion.Kind, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.motion[kind] = text
	d.redrawLocked()
}

// Notify shows a highlighted message below the regions until the next one replaces it.
func (d *TerminalDisplay) Notify(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastNote = text
	d.redrawLocked()
}

// ShowPrompt keeps a question on the last line of every frame until ClearPrompt.
func (d *TerminalDisplay) ShowPrompt(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompt = text
	d.redrawLocked()
}

func (d *TerminalDisplay) ClearPrompt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompt = ""
	d.redrawLocked()
}

// Location returns the current location region.
func (d *TerminalDisplay) Location() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location
}

// Motion returns the current region of kind.
func (d *TerminalDisplay) Motion(kind motion.Kind) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion[kind]
}

func (d *TerminalDisplay) redrawLocked() {
	var b strings.Builder
	writeRegion(&b, d.header.Sprint("Location"), d.location)
	for _, kind := range motion.Kinds {
		writeRegion(&b, d.header.Sprint(kind.String()), d.motion[kind])
	}
	if d.lastNote != "" {
		b.WriteString(d.notice.Sprintf("! %s", d.lastNote))
		b.WriteString("\n")
	}
	// no newline so the answer is typed after the question
	b.WriteString(d.prompt)

	frame := b.String()
	if frame == d.last {
		return
	}
	d.last = frame

	if d.clear {
		fmt.Fprint(d.out, clearScreen)
	}
	fmt.Fprint(d.out, frame)
}

func writeRegion(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "[%s]\n", title)
	if body == "" {
		body = "-"
	}
	b.WriteString(body)
	b.WriteString("\n\n")
}
