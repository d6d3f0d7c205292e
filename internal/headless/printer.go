package headless

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/terrachat/terrachat/internal/clientsync"
	"github.com/terrachat/terrachat/pkg/types"
)

// Printer renders transcript changes in various formats for headless mode.
type Printer struct {
	mu        sync.Mutex
	writer    io.Writer
	format    OutputFormat
	quiet     bool
	verbose   bool
	startTime time.Time
	result    *Result

	// printed maps entry ids to the content last written for them.
	printed map[string]string
}

// NewPrinter creates a new transcript printer.
func NewPrinter(writer io.Writer, format OutputFormat, quiet, verbose bool) *Printer {
	return &Printer{
		writer:    writer,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		startTime: time.Now(),
		result: &Result{
			Status:   "running",
			ExitCode: ExitSuccess,
		},
		printed: make(map[string]string),
	}
}

// SetSessionID sets the session ID for the printer.
func (p *Printer) SetSessionID(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.SessionID = sessionID
}

// GetResult returns the current result.
func (p *Printer) GetResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
	return p.result
}

// SetResult updates the result with final values.
func (p *Printer) SetResult(status string, exitCode ExitCode, finalMessage string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Status = status
	p.result.ExitCode = exitCode
	p.result.FinalMessage = finalMessage
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// PrintFinalResult prints the final JSON result (for json format).
func (p *Printer) PrintFinalResult() {
	if p.format != OutputJSON {
		return
	}

	result := p.GetResult()
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// Update receives the whole transcript after a change and writes the
// entries that are new or whose content changed since the last call.
func (p *Printer) Update(entries []clientsync.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.result.Transcript = entries
	for _, e := range entries {
		if !p.visible(e) {
			continue
		}
		if last, ok := p.printed[e.ID]; ok && last == e.Content {
			continue
		}
		p.printed[e.ID] = e.Content

		switch p.format {
		case OutputText:
			p.writeText(e)
		case OutputJSONL:
			p.writeJSONL(e)
		}
	}
}

// show writes e even when it would be hidden, unless it was already
// written.
func (p *Printer) show(e clientsync.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.printed[e.ID]; ok {
		return
	}
	p.printed[e.ID] = e.Content
	switch p.format {
	case OutputText:
		p.writeText(e)
	case OutputJSONL:
		p.writeJSONL(e)
	}
}

// visible reports whether e is shown. Unconfirmed and placeholder
// entries only appear in verbose mode.
func (p *Printer) visible(e clientsync.Entry) bool {
	if p.verbose {
		return true
	}
	if e.Local || e.Loading || strings.HasPrefix(e.ID, clientsync.FailedPrefix) {
		return false
	}
	return e.Role != types.RoleUser
}

func (p *Printer) writeText(e clientsync.Entry) {
	if p.quiet {
		if e.Role == types.RoleAssistant && !e.Loading {
			fmt.Fprintln(p.writer, e.Content)
		}
		return
	}

	switch {
	case e.Loading:
		fmt.Fprintf(p.writer, "[assistant] Analyzing...\n")
	case e.Failed:
		fmt.Fprintf(p.writer, "[error] %s\n", e.Content)
	case e.Role == types.RoleUser:
		fmt.Fprintf(p.writer, "[you] %s\n", e.Content)
	default:
		fmt.Fprintf(p.writer, "%s\n", e.Content)
	}
}

func (p *Printer) writeJSONL(e clientsync.Entry) {
	data, err := json.Marshal(NewEvent("entry", e))
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// printDone writes the closing line of a text run.
func (p *Printer) printDone(status types.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format != OutputText || p.quiet {
		return
	}
	fmt.Fprintf(p.writer, "\n[done] Session %s in %s\n", status, formatDuration(time.Since(p.startTime)))
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
