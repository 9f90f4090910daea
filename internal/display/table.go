package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Table renders rows under a header with aligned columns. Output is plain
// text; cells wider than the terminal budget are truncated.
type Table struct {
	headers []string
	rows    [][]string
	width   int
}

// NewTable creates a table with the given headers. Column widths adapt to
// the content; the terminal width caps individual cells.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers, width: terminalWidth()}
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 120
}

// AddRow appends one row. Short rows are padded with empty cells.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// RenderTo writes the table.
func (t *Table) RenderTo(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	// One column never eats more than a third of the terminal.
	maxCell := t.width / 3
	if maxCell < 16 {
		maxCell = 16
	}
	for r, row := range t.rows {
		for i, cell := range row {
			cell = Truncate(cell, maxCell)
			t.rows[r][i] = cell
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	writeRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = pad(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	writeRow(t.headers)
	separators := make([]string, len(t.headers))
	for i, width := range widths {
		separators[i] = strings.Repeat("-", width)
	}
	writeRow(separators)
	for _, row := range t.rows {
		writeRow(row)
	}
}

// Render returns the table as a string.
func (t *Table) Render() string {
	var sb strings.Builder
	t.RenderTo(&sb)
	return sb.String()
}

func pad(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}
