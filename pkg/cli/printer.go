// Package cli renders missions and their history for a terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/docker/execops/pkg/history"
	"github.com/docker/execops/pkg/mission"
)

type Printer struct {
	w io.Writer

	red    *color.Color
	yellow *color.Color
	green  *color.Color
	gray   *color.Color
	bold   *color.Color
}

// NewPrinter writes to w, colored only when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	p := &Printer{
		w:      w,
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		green:  color.New(color.FgGreen),
		gray:   color.New(color.FgHiBlack),
		bold:   color.New(color.Bold),
	}
	if IsTerminal(w) && !color.NoColor {
		p.setColor(true)
	} else {
		p.setColor(false)
	}
	return p
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *Printer) setColor(on bool) {
	for _, c := range []*color.Color{p.red, p.yellow, p.green, p.gray, p.bold} {
		if on {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

func (p *Printer) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(p.w, format, a...)
}

func (p *Printer) Println(a ...any) {
	_, _ = fmt.Fprintln(p.w, a...)
}

// PrintError prints err in red.
func (p *Printer) PrintError(err error) {
	_, _ = fmt.Fprintln(p.w, p.red.Sprint("Error: "+err.Error()))
}

// PrintResult prints the mission output line by line. Diagnostic lines are
// highlighted. With verbose set, a summary line follows.
func (p *Printer) PrintResult(res mission.Result, verbose bool) {
	for _, line := range res.Lines() {
		switch {
		case strings.HasPrefix(line, "Error:"):
			line = p.red.Sprint(line)
		case strings.HasPrefix(line, "Warning:"):
			line = p.yellow.Sprint(line)
		}
		_, _ = fmt.Fprintln(p.w, line)
	}

	if verbose {
		_, _ = fmt.Fprintln(p.w, p.gray.Sprint(p.summary(res)))
	}
}

func (p *Printer) summary(res mission.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[mission %d %s in %s", res.MissionID, res.Outcome, res.Duration.Round(time.Millisecond))
	if res.Rearms > 0 {
		fmt.Fprintf(&b, ", %d rearm", res.Rearms)
		if res.Rearms > 1 {
			b.WriteString("s")
		}
	}
	if res.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString("]")
	return b.String()
}

// PrintHistory prints one line per record, most recent first.
func (p *Printer) PrintHistory(records []*history.Record) {
	if len(records) == 0 {
		p.Println("No missions recorded.")
		return
	}

	for _, rec := range records {
		code := firstLine(rec.Code, 48)
		_, _ = fmt.Fprintf(p.w, "%s  %s  %s  %s\n",
			p.gray.Sprint(rec.StartedAt.Local().Format(time.DateTime)),
			p.bold.Sprint(rec.ID[:min(8, len(rec.ID))]),
			p.outcome(rec.Outcome),
			code,
		)
	}
}

// PrintRecord prints a single record with its full code and output.
func (p *Printer) PrintRecord(rec *history.Record) {
	p.Printf("%s %s\n", p.bold.Sprint("ID:"), rec.ID)
	p.Printf("%s %d\n", p.bold.Sprint("Mission:"), rec.MissionID)
	p.Printf("%s %s\n", p.bold.Sprint("Outcome:"), p.outcome(rec.Outcome))
	p.Printf("%s %s\n", p.bold.Sprint("Started:"), rec.StartedAt.Local().Format(time.DateTime))
	p.Printf("%s %s\n", p.bold.Sprint("Duration:"), rec.Duration.Round(time.Millisecond))
	p.Printf("%s\n%s\n", p.bold.Sprint("Code:"), strings.TrimRight(rec.Code, "\n"))
	p.Printf("%s\n", p.bold.Sprint("Output:"))
	p.PrintResult(mission.Result{Output: rec.Output}, false)
}

func (p *Printer) outcome(o mission.Outcome) string {
	s := fmt.Sprintf("%-9s", o)
	switch o {
	case mission.OutcomeCompleted:
		return p.green.Sprint(s)
	case mission.OutcomeCancelled:
		return p.yellow.Sprint(s)
	default:
		return p.red.Sprint(s)
	}
}

func firstLine(s string, width int) string {
	line, _, multi := strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(line); len(r) > width {
		return string(r[:width-1]) + "…"
	}
	if multi {
		return line + " …"
	}
	return line
}
