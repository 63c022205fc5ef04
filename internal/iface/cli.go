package iface

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/thyrook/chessnet/internal/training"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
)

const barWidth = 40

// CLI prints human facing output for the command line tools. Structured
// logs go through the logger package; this is only for the terminal.
type CLI struct {
	out   io.Writer
	quiet bool
	color bool
}

// NewCLI creates a CLI writing to stdout. Color is disabled when NO_COLOR
// is set.
func NewCLI(quiet bool) *CLI {
	return NewCLIWriter(os.Stdout, quiet, os.Getenv("NO_COLOR") == "")
}

// NewCLIWriter creates a CLI writing to w.
func NewCLIWriter(w io.Writer, quiet, color bool) *CLI {
	return &CLI{out: w, quiet: quiet, color: color}
}

// Quiet reports whether decorative output is suppressed.
func (c *CLI) Quiet() bool {
	return c.quiet
}

// Colorize wraps text in color codes if color output is enabled
func (c *CLI) Colorize(text string, color string) string {
	if !c.color {
		return text
	}
	return color + text + ColorReset
}

// Println writes a line regardless of quiet mode.
func (c *CLI) Println(a ...any) {
	fmt.Fprintln(c.out, a...)
}

// Printf writes formatted output regardless of quiet mode.
func (c *CLI) Printf(format string, a ...any) {
	fmt.Fprintf(c.out, format, a...)
}

// PrintHeader prints a title followed by a rule
func (c *CLI) PrintHeader(title string) {
	if c.quiet {
		return
	}
	fmt.Fprintln(c.out, c.Colorize(title, ColorBold))
	c.PrintSeparator()
}

// PrintSeparator prints a horizontal rule
func (c *CLI) PrintSeparator() {
	if !c.quiet {
		fmt.Fprintln(c.out, strings.Repeat("━", 60))
	}
}

func (c *CLI) PrintSuccess(message string) {
	if !c.quiet {
		fmt.Fprintln(c.out, c.Colorize("✓ "+message, ColorGreen))
	}
}

func (c *CLI) PrintInfo(message string) {
	if !c.quiet {
		fmt.Fprintln(c.out, c.Colorize("ℹ "+message, ColorBlue))
	}
}

func (c *CLI) PrintWarning(message string) {
	if !c.quiet {
		fmt.Fprintln(c.out, c.Colorize("⚠ Warning: "+message, ColorYellow))
	}
}

// PrintError always prints, quiet or not.
func (c *CLI) PrintError(err error) {
	fmt.Fprintln(c.out, c.Colorize("✗ Error: "+err.Error(), ColorRed))
}

// PrintProgressBar redraws a single progress line. The line is terminated
// once current reaches total.
func (c *CLI) PrintProgressBar(current, total int, label string) {
	if c.quiet || total <= 0 {
		return
	}
	if current > total {
		current = total
	}

	frac := float64(current) / float64(total)
	filled := int(frac * barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(c.out, "\r%s [%s] %d/%d (%.1f%%) ", label, bar, current, total, frac*100)
	if current == total {
		fmt.Fprintln(c.out)
	}
}

// PrintEpoch prints one line per finished epoch. Validation columns are
// only shown when the epoch was validated.
func (c *CLI) PrintEpoch(m training.EpochMetrics, total int) {
	line := fmt.Sprintf("Epoch %d/%d  loss %.4f  acc %.2f%%  pairwise %.2f%%",
		m.Epoch, total, m.Loss, m.Accuracy*100, m.PairwiseAccuracy*100)
	if m.HasValidation() {
		line += fmt.Sprintf("  val loss %.4f  val pairwise %.2f%%", m.ValLoss, m.ValPairwise*100)
	}
	line += fmt.Sprintf("  lr %.6f  %s", m.LearningRate, m.Duration.Round(time.Millisecond))
	if m.Checkpoint != "" {
		line += "  " + c.Colorize("saved", ColorGreen)
	}
	fmt.Fprintln(c.out, line)
}

// PrintTable prints rows under headers with left aligned columns. Cells past
// the header count are dropped.
func (c *CLI) PrintTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(cells []string) {
		var b strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(c.out, strings.TrimRight(b.String(), " "))
	}

	writeRow(headers)
	total := 0
	for _, w := range widths {
		total += w + 2
	}
	fmt.Fprintln(c.out, strings.Repeat("─", total))
	for _, row := range rows {
		writeRow(row)
	}
}

// PrintBox prints lines inside a box with a centered title
func (c *CLI) PrintBox(title string, lines []string) {
	if c.quiet {
		for _, line := range lines {
			fmt.Fprintln(c.out, line)
		}
		return
	}

	maxWidth := len(title)
	for _, line := range lines {
		if len(line) > maxWidth {
			maxWidth = len(line)
		}
	}
	width := maxWidth + 4

	fmt.Fprintln(c.out, "┌"+strings.Repeat("─", width)+"┐")
	padding := (width - len(title)) / 2
	fmt.Fprintf(c.out, "│%s%s%s│\n",
		strings.Repeat(" ", padding),
		c.Colorize(title, ColorBold),
		strings.Repeat(" ", width-padding-len(title)))
	fmt.Fprintln(c.out, "├"+strings.Repeat("─", width)+"┤")
	for _, line := range lines {
		fmt.Fprintf(c.out, "│ %-*s │\n", width-2, line)
	}
	fmt.Fprintln(c.out, "└"+strings.Repeat("─", width)+"┘")
}

// KeyValues formats label/value pairs as aligned "label: value" lines.
func KeyValues(pairs ...string) []string {
	width := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		if len(pairs[i]) > width {
			width = len(pairs[i])
		}
	}
	lines := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		lines = append(lines, fmt.Sprintf("%-*s  %s", width+1, pairs[i]+":", pairs[i+1]))
	}
	return lines
}
