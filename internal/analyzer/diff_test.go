package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ppiankov/impactgate/internal/model"
)

func TestUnifiedDiffModify(t *testing.T) {
	diff, added, removed := UnifiedDiff("line1\nline2\nline3\n", "line1\nmodified line\nline3\n", "test.txt")
	assert.Contains(t, diff, "--- a/test.txt")
	assert.Contains(t, diff, "+++ b/test.txt")
	assert.Contains(t, diff, "-line2")
	assert.Contains(t, diff, "+modified line")
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestUnifiedDiffCounts(t *testing.T) {
	tests := []struct {
		name           string
		before, after  string
		added, removed int
	}{
		{"create", "", "hello world\nline 2\n", 2, 0},
		{"modify", "old line\n", "new line\nextra line\n", 2, 1},
		{"delete", "line1\nline2\nline3\n", "", 0, 3},
		{"no trailing newline", "a", "a\nb", 2, 1},
		{"final newline added", "a", "a\n", 1, 1},
		{"unchanged", "same\n", "same\n", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, added, removed := UnifiedDiff(tt.before, tt.after, "f")
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.removed, removed)
		})
	}
}

func TestUnifiedDiffFinalNewline(t *testing.T) {
	diff, added, removed := UnifiedDiff("a", "a\n", "f.txt")
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.Contains(t, diff, "-a\n\\ No newline at end of file\n+a\n")
}

func TestUnifiedDiffUnchangedIsEmpty(t *testing.T) {
	diff, _, _ := UnifiedDiff("x\n", "x\n", "f")
	assert.Empty(t, diff)
}

func TestSummary(t *testing.T) {
	changes := []model.FileChange{
		{Path: "/a.txt", Operation: OpCreate, LinesAdded: 10},
		{Path: "/b.txt", Operation: OpModify, LinesAdded: 5, LinesRemoved: 3},
		{Path: "/c.txt", Operation: OpDelete, LinesRemoved: 20},
	}
	assert.Equal(t, "1 file(s) created, 1 file(s) modified, 1 file(s) deleted (+15 -23)", Summary(changes))
	assert.Equal(t, "No changes", Summary(nil))
}

func TestFormatters(t *testing.T) {
	changes := []model.FileChange{{
		Path: "/test.txt", Operation: OpModify, LinesAdded: 2, LinesRemoved: 1,
		Diff: "--- a/test.txt\n+++ b/test.txt\n-old\n+new",
	}}
	plain := FormatPlain(changes)
	assert.Contains(t, plain, "/test.txt")
	assert.Contains(t, plain, "modify")
	assert.Contains(t, plain, "+2 -1")

	term := FormatTerminal(changes)
	assert.Contains(t, term, ansiGreen)
	assert.Contains(t, term, ansiRed)
}
