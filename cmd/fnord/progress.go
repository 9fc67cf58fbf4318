package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"fnord/internal/domain"
)

// progressPrinter renders engine progress for a terminal: streamed text
// goes to out, tool and retry notes go to errOut.
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	enabled  bool
	streamed bool
	midLine  bool
}

func newProgressPrinter(out, errOut io.Writer, enabled bool) *progressPrinter {
	return &progressPrinter{out: out, errOut: errOut, enabled: enabled}
}

func (p *progressPrinter) handle(ev domain.ProgressEvent) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case domain.EventContentDelta:
		if ev.Content == "" {
			return
		}
		fmt.Fprint(p.out, ev.Content)
		p.streamed = true
		p.midLine = !strings.HasSuffix(ev.Content, "\n")
	case domain.EventToolCallStarted:
		p.breakLine()
		fmt.Fprintf(p.errOut, "[tool] %s %s\n", ev.ToolCall.Name, compactArgs(ev.ToolCall.Arguments))
	case domain.EventToolCallCompleted:
		if ev.Error != "" {
			p.breakLine()
			fmt.Fprintf(p.errOut, "[tool] %s failed: %s\n", ev.ToolCall.Name, ev.Error)
		}
	case domain.EventRetry:
		p.breakLine()
		fmt.Fprintf(p.errOut, "[retry] attempt %d in %s: %s\n", ev.Attempt, ev.Delay, ev.Error)
	case domain.EventCompactionTriggered:
		p.breakLine()
		fmt.Fprintf(p.errOut, "[compact] transcript at %d bytes\n", ev.Size)
	case domain.EventCompactionCompleted:
		fmt.Fprintf(p.errOut, "[compact] reduced to %d bytes\n", ev.Size)
	}
}

// breakLine ends a partially streamed line so notes start on their own.
func (p *progressPrinter) breakLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

// finish prints the final text unless it already went out as deltas.
func (p *progressPrinter) finish(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled && p.streamed {
		p.breakLine()
		return
	}
	fmt.Fprintln(p.out, text)
}

const maxArgsShown = 120

func compactArgs(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > maxArgsShown {
		return s[:maxArgsShown] + "..."
	}
	return s
}
