package analyzer

import (
	"fmt"
	"strings"

	"github.com/ppiankov/impactgate/internal/model"
)

const (
	ansiReset = "\033[0m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiCyan  = "\033[36m"
	ansiBold  = "\033[1m"
)

// FormatPlain renders file changes for logs and non-terminal output.
func FormatPlain(changes []model.FileChange) string {
	if len(changes) == 0 {
		return "No changes\n"
	}
	var b strings.Builder
	for _, c := range changes {
		fmt.Fprintf(&b, "%s (%s) +%d -%d\n", c.Path, c.Operation, c.LinesAdded, c.LinesRemoved)
		if c.Diff != "" {
			b.WriteString(c.Diff)
			if !strings.HasSuffix(c.Diff, "\n") {
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// FormatTerminal renders file changes with ANSI colors.
func FormatTerminal(changes []model.FileChange) string {
	if len(changes) == 0 {
		return "No changes\n"
	}
	var b strings.Builder
	for _, c := range changes {
		fmt.Fprintf(&b, "%s%s%s (%s) %s+%d%s %s-%d%s\n",
			ansiBold, c.Path, ansiReset, c.Operation,
			ansiGreen, c.LinesAdded, ansiReset,
			ansiRed, c.LinesRemoved, ansiReset)
		for _, line := range splitLines(c.Diff) {
			line = strings.TrimSuffix(line, "\n")
			switch {
			case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
				b.WriteString(ansiBold + line + ansiReset)
			case strings.HasPrefix(line, "@@"):
				b.WriteString(ansiCyan + line + ansiReset)
			case strings.HasPrefix(line, "+"):
				b.WriteString(ansiGreen + line + ansiReset)
			case strings.HasPrefix(line, "-"):
				b.WriteString(ansiRed + line + ansiReset)
			default:
				b.WriteString(line)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
