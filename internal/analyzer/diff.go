package analyzer

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/ppiankov/impactgate/internal/model"
)

const diffContext = 3

// Operation names recorded on file changes.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
	OpMove   = "move"
)

// noNewline marks a last line without a terminating newline, as git does.
const noNewline = "\n\\ No newline at end of file\n"

// splitLines splits s into newline-terminated lines. An unterminated last
// line carries the noNewline marker, so adding or dropping the final
// newline is a change.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += noNewline
	}
	return lines
}

// UnifiedDiff renders before→after for path and counts changed lines from
// the matcher opcodes, so counts agree with the hunks.
func UnifiedDiff(before, after, path string) (diff string, added, removed int) {
	a, b := splitLines(before), splitLines(after)
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	if added == 0 && removed == 0 {
		return "", 0, 0
	}

	name := strings.TrimPrefix(path, "/")
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  diffContext,
	})
	if err != nil {
		// Rendering into an in-memory buffer does not fail.
		return "", added, removed
	}
	return text, added, removed
}

// RenameDiff is the git-style header for a move.
func RenameDiff(from, to string) string {
	return fmt.Sprintf("rename from %s\nrename to %s\n", from, to)
}

// Summary renders "1 file(s) created, 2 file(s) modified (+5 -3)".
func Summary(changes []model.FileChange) string {
	if len(changes) == 0 {
		return "No changes"
	}
	counts := map[string]int{}
	added, removed := 0, 0
	for _, c := range changes {
		counts[c.Operation]++
		added += c.LinesAdded
		removed += c.LinesRemoved
	}
	var parts []string
	for _, op := range []struct{ key, verb string }{
		{OpCreate, "created"},
		{OpModify, "modified"},
		{OpDelete, "deleted"},
		{OpMove, "moved"},
	} {
		if n := counts[op.key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d file(s) %s", n, op.verb))
		}
	}
	return fmt.Sprintf("%s (+%d -%d)", strings.Join(parts, ", "), added, removed)
}
