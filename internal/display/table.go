package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	Corner     string
	Horizontal string
	Vertical   string
}

var (
	ASCIIBorderStyle = BorderStyle{Corner: "+", Horizontal: "-", Vertical: "|"}
	NoBorderStyle    = BorderStyle{}
)

// Table is a simple bordered table. Cells wider than the terminal allows
// are truncated with an ellipsis.
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	header     *color.Color
}

func NewTable(headers ...string) *Table {
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		border:     ASCIIBorderStyle,
		padding:    1,
		maxWidth:   terminalWidth(),
	}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) SetAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

func (t *Table) SetBorder(border BorderStyle) {
	t.border = border
}

// SetMaxWidth caps the rendered width; zero means unlimited
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the table as a string
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.columnWidths()

	var b strings.Builder
	line := t.rule(widths)
	if line != "" {
		b.WriteString(line + "\n")
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true) + "\n")
		if line != "" {
			b.WriteString(line + "\n")
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false) + "\n")
	}
	if line != "" {
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnWidths() []int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	widths := make([]int, n)
	measure := func(cells []string) {
		for i, cell := range cells {
			if w := utf8.RuneCountInString(cell) + t.padding*2; w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	if t.maxWidth <= 0 {
		return widths
	}
	// shrink the widest column until the table fits
	for t.totalWidth(widths) > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= t.padding*2+4 {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := utf8.RuneCountInString(t.border.Vertical) * (len(widths) + 1)
	for _, w := range widths {
		total += w
	}
	return total
}

func (t *Table) rule(widths []int) string {
	if t.border.Horizontal == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(t.border.Corner)
	for _, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w))
		b.WriteString(t.border.Corner)
	}
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, isHeader bool) string {
	var b strings.Builder
	b.WriteString(t.border.Vertical)
	for i, width := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(t.formatCell(cell, width, t.alignments[i], isHeader))
		b.WriteString(t.border.Vertical)
	}
	return strings.TrimRight(b.String(), " ")
}

func (t *Table) formatCell(content string, width int, alignment Alignment, isHeader bool) string {
	contentWidth := width - t.padding*2
	if contentWidth < 0 {
		contentWidth = 0
	}
	if utf8.RuneCountInString(content) > contentWidth {
		runes := []rune(content)
		if contentWidth > 3 {
			content = string(runes[:contentWidth-3]) + "..."
		} else {
			content = string(runes[:contentWidth])
		}
	}

	gap := contentWidth - utf8.RuneCountInString(content)
	if isHeader && t.header != nil {
		content = t.header.Sprint(content)
	}
	left, right := 0, gap
	if alignment == AlignRight && !isHeader {
		left, right = gap, 0
	}
	pad := strings.Repeat(" ", t.padding)
	return pad + strings.Repeat(" ", left) + content + strings.Repeat(" ", right) + pad
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
