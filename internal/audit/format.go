package audit

import (
	"encoding/json"
	"fmt"
	"strings"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 {
		return "No events found.\n"
	}

	var b strings.Builder
	s := result.Summary
	fmt.Fprintf(&b, "Events: %d | %s to %s UTC\n",
		s.Total,
		s.FirstTimestamp.UTC().Format("2006-01-02 15:04:05"),
		s.LastTimestamp.UTC().Format("2006-01-02 15:04:05"))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		fmt.Fprintf(&b, "%-9s %-8s %-22s %-13s %-36s %s\n",
			e.Event.Timestamp.UTC().Format("15:04:05"),
			shortID(e.ActionID),
			e.Event.Type,
			truncate(string(e.ActionType), 13),
			truncate(e.Target, 36),
			strings.TrimSpace(e.Actor+" "+e.Detail))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(s))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatSummary(s ReplaySummary) string {
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(s.Proposed, "proposed")
	add(s.Approved, "approved")
	add(s.AutoApproved, "auto-approved")
	add(s.Rejected, "rejected")
	add(s.TimedOut, "timed out")
	add(s.Executed, "executed")
	add(s.Failed, "failed")
	add(s.Other, "other")

	risk := string(s.MaxRisk)
	if risk == "" {
		risk = "n/a"
	}
	return fmt.Sprintf("Summary: %s | Max risk: %s\n", strings.Join(parts, ", "), risk)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
