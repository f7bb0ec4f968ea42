// Package markdown flattens markdown constructs that XMPP clients render
// poorly. Pipe tables become aligned plain text columns; everything else
// passes through untouched.
package markdown

import (
	"strings"
)

// FlattenTables rewrites markdown pipe tables in text as aligned columns.
// Non-table lines are returned unchanged.
func FlattenTables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string

	for i := 0; i < len(lines); {
		if !isTableRow(lines[i]) || i+1 >= len(lines) || !isSeparatorRow(lines[i+1]) {
			out = append(out, lines[i])
			i++
			continue
		}

		var rows [][]string
		rows = append(rows, splitRow(lines[i]))
		j := i + 2 // skip the separator
		for j < len(lines) && isTableRow(lines[j]) {
			rows = append(rows, splitRow(lines[j]))
			j++
		}
		out = append(out, renderRows(rows)...)
		i = j
	}

	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") && strings.Count(t, "|") >= 2
}

// isSeparatorRow matches the |---|:---:| delimiter line.
func isSeparatorRow(line string) bool {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "|") {
		return false
	}
	seen := false
	for _, cell := range splitRow(t) {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		for _, r := range cell {
			if r != '-' && r != ':' {
				return false
			}
		}
		if strings.Contains(cell, "-") {
			seen = true
		}
	}
	return seen
}

func splitRow(line string) []string {
	t := strings.TrimSpace(line)
	t = strings.TrimPrefix(t, "|")
	t = strings.TrimSuffix(t, "|")
	cells := strings.Split(t, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

// renderRows lays the table out as padded columns with two spaces between
// them.
func renderRows(rows [][]string) []string {
	cols := 0
	for _, r := range rows {
		if len(r) > cols {
			cols = len(r)
		}
	}

	widths := make([]int, cols)
	for _, r := range rows {
		for i, cell := range r {
			if n := len([]rune(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	out := make([]string, 0, len(rows))
	for _, r := range rows {
		var b strings.Builder
		for i, cell := range r {
			b.WriteString(cell)
			if i < len(r)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len([]rune(cell))+2))
			}
		}
		out = append(out, strings.TrimRight(b.String(), " "))
	}
	return out
}
