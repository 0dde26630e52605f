package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Level tags a status line
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

var levelIcons = map[Level]string{
	LevelInfo:    "i",
	LevelSuccess: "✓",
	LevelWarning: "!",
	LevelError:   "✗",
}

// DetectColorSupport checks if f is a terminal that accepts colors.
// NO_COLOR, CLICOLOR and TERM are honoured through the termenv profile.
func DetectColorSupport(f *os.File) bool {
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}

// Printer writes status lines, tables and structured documents
type Printer struct {
	out    io.Writer
	errOut io.Writer
	format Format
	colors map[Level]*color.Color
	header *color.Color
}

// NewPrinter builds a printer. Colors are applied only when colorize is true
// and the format is table.
func NewPrinter(out, errOut io.Writer, format Format, colorize bool) *Printer {
	p := &Printer{
		out:    out,
		errOut: errOut,
		format: format,
		colors: map[Level]*color.Color{
			LevelInfo:    color.New(color.FgCyan),
			LevelSuccess: color.New(color.FgGreen),
			LevelWarning: color.New(color.FgYellow),
			LevelError:   color.New(color.FgRed, color.Bold),
		},
		header: color.New(color.FgHiBlue, color.Bold),
	}
	enabled := colorize && format == FormatTable
	for _, c := range p.colors {
		setColor(c, enabled)
	}
	setColor(p.header, enabled)
	return p
}

func setColor(c *color.Color, enabled bool) {
	if enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
}

// Format returns the output format
func (p *Printer) Format() Format {
	return p.format
}

// Status prints one status line. Structured formats send status lines to
// the error stream so stdout stays parseable.
func (p *Printer) Status(level Level, format string, args ...interface{}) {
	w := p.out
	if p.format != FormatTable || level == LevelError {
		w = p.errOut
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(w, p.colors[level].Sprintf("%s %s", levelIcons[level], msg))
}

func (p *Printer) Info(format string, args ...interface{}) {
	p.Status(LevelInfo, format, args...)
}

func (p *Printer) Success(format string, args ...interface{}) {
	p.Status(LevelSuccess, format, args...)
}

func (p *Printer) Warning(format string, args ...interface{}) {
	p.Status(LevelWarning, format, args...)
}

func (p *Printer) Error(format string, args ...interface{}) {
	p.Status(LevelError, format, args...)
}

// Header prints a section title in table format
func (p *Printer) Header(title string) {
	if p.format != FormatTable {
		return
	}
	fmt.Fprintln(p.out, p.header.Sprint(title))
}

// KeyValues prints aligned "key: value" lines in table format
func (p *Printer) KeyValues(pairs [][2]string) {
	if p.format != FormatTable {
		return
	}
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range pairs {
		fmt.Fprintf(p.out, "  %-*s  %s\n", width+1, kv[0]+":", kv[1])
	}
}

// Table renders t in table format
func (p *Printer) Table(t *Table) {
	if p.format != FormatTable {
		return
	}
	t.header = p.header
	t.RenderTo(p.out)
}
