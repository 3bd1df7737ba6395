package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Prompter shows the question while an answer is awaited.
type Prompter interface {
	ShowPrompt(text string)
	ClearPrompt()
}

// WriterPrompter prints the question to w.
func WriterPrompter(w io.Writer) Prompter {
	return writerPrompter{w: w}
}

type writerPrompter struct {
	w io.Writer
}

func (p writerPrompter) ShowPrompt(text string) { fmt.Fprint(p.w, text) }
func (p writerPrompter) ClearPrompt()           {}

// PromptGate asks the operator on a terminal. A granted answer is remembered.
type PromptGate struct {
	in       *bufio.Reader
	prompter Prompter
	prompt   string
	logger zerolog.Logger

	reading sync.Mutex // one prompt at a time
	mu      sync.Mutex
	state   State
}

// NewPromptGate creates a gate reading answers from in and showing the question through prompter.
func NewPromptGate(in io.Reader, prompter Prompter, logger zerolog.Logger) *PromptGate {
	return &PromptGate{
		in:       bufio.NewReader(in),
		prompter: prompter,
		prompt:   "Allow this agent to access the device location? [y/N]: ",
		logger:   logger,
		state:    Denied,
	}
}

func (g *PromptGate) Check() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *PromptGate) Request(ctx context.Context, requestCode int, handler ResultHandler) {
	answers := make(chan bool, 1)

	go func() {
		g.reading.Lock()
		defer g.reading.Unlock()

		g.prompter.ShowPrompt(g.prompt)
		line, err := g.in.ReadString('\n')
		g.prompter.ClearPrompt()
		if err != nil && line == "" {
			g.logger.Warn().Err(err).Msg("Failed to read permission answer")
			answers <- false
			return
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			g.mu.Lock()
			g.state = Granted
			g.mu.Unlock()
			answers <- true
		default:
			answers <- false
		}
	}()

	go func() {
		select {
		case granted := <-answers:
			handler(requestCode, granted)
		case <-ctx.Done():
			handler(requestCode, false)
		}
	}()
}
