package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorAccent = lipgloss.Color("#3AA99F")
	colorBorder = lipgloss.Color("#575653")
	colorWarn   = lipgloss.Color("#DA702C")
	colorOK     = lipgloss.Color("#879A39")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numStyle    = cellStyle.Align(lipgloss.Right)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	okStyle     = lipgloss.NewStyle().Foreground(colorOK)
)

// Table is a bordered table for command output. Columns listed in Numeric
// are right-aligned.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
	Numeric []int
}

func (t Table) numeric(col int) bool {
	for _, c := range t.Numeric {
		if c == col {
			return true
		}
	}
	return false
}

// Render draws the table, or a placeholder line when it has no rows.
func (t Table) Render(w io.Writer, empty string) {
	if t.Title != "" {
		fmt.Fprintf(w, "%s\n", titleStyle.Render(t.Title))
	}
	if len(t.Rows) == 0 {
		fmt.Fprintf(w, "  %s\n", empty)
		return
	}
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(t.Headers...).
		Rows(t.Rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case t.numeric(col):
				return numStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, tbl.Render())
}

// formatTokens formats a token count with K/M suffixes.
func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return strconv.Itoa(n)
}

func formatRatio(r float64) string {
	if r == 0 {
		return "-"
	}
	return strconv.FormatFloat(r, 'f', 2, 64) + "x"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return formatTime(time.UnixMilli(ms))
}

func formatWarnings(ws []string) string {
	if len(ws) == 0 {
		return ""
	}
	return warnStyle.Render("warning: " + strings.Join(ws, "; "))
}
