// Package scanner flags prompt-injection attempts and risky instructions in
// the free-text parts of an action request.
package scanner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ppiankov/impactgate/internal/model"
)

// Bounds keep scanning predictable on untrusted input.
const (
	DefaultMaxTextChars      = 20000
	DefaultMaxPayloadStrings = 500
	DefaultMaxPayloadDepth   = 32

	maxSnippetChars = 160
)

// Rule is one scanner pattern with a machine-readable reason id.
type Rule struct {
	ReasonID string
	Severity model.RiskLevel
	Message  string
	Pattern  *regexp.Regexp
}

// DefaultRules is the built-in rule set.
var DefaultRules = []Rule{
	{
		ReasonID: "prompt_injection.ignore_instructions",
		Severity: model.RiskCritical,
		Message:  "Instruction override attempt detected",
		Pattern:  regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)\b`),
	},
	{
		ReasonID: "prompt_injection.exfiltrate_system_prompt",
		Severity: model.RiskHigh,
		Message:  "Attempt to reveal protected system/developer prompt",
		Pattern:  regexp.MustCompile(`(?i)\b(reveal|show|print|dump)\s+(the\s+)?(system|developer)\s+(prompt|instructions?)\b`),
	},
	{
		ReasonID: "prompt_injection.bypass_safety_controls",
		Severity: model.RiskHigh,
		Message:  "Attempt to bypass safety controls",
		Pattern:  regexp.MustCompile(`(?i)\b(bypass|disable|override)\s+(safety|guardrails?|polic(y|ies)|restrictions?)\b`),
	},
	{
		ReasonID: "risky_instruction.secret_exfiltration",
		Severity: model.RiskHigh,
		Message:  "Potential secret exfiltration instruction",
		Pattern:  regexp.MustCompile(`(?is)\b(exfiltrat(e|ion)|send|upload|leak)\b.{0,60}\b(api[_\s-]?key|token|secret|credential|password)s?\b`),
	},
	{
		ReasonID: "risky_instruction.remote_script_execution",
		Severity: model.RiskCritical,
		Message:  "Remote script execution pipeline detected",
		Pattern:  regexp.MustCompile(`(?i)\bcurl\b[^\n|]*\|\s*(bash|sh)\b`),
	},
	{
		ReasonID: "risky_instruction.destructive_command",
		Severity: model.RiskCritical,
		Message:  "Destructive command pattern detected",
		Pattern:  regexp.MustCompile(`(?i)\brm\s+-rf\s+/|\b(drop|truncate)\s+table\b`),
	},
}

// Finding is one rule hit.
type Finding struct {
	ReasonID string          `json:"reason_id"`
	Severity model.RiskLevel `json:"severity"`
	Message  string          `json:"message"`
	Field    string          `json:"field"`
	Snippet  string          `json:"snippet"`
}

// Result is the deduplicated set of findings for one request.
type Result struct {
	Findings []Finding `json:"findings"`
}

// MaxSeverity returns the highest severity found, low when clean.
func (r Result) MaxSeverity() model.RiskLevel {
	max := model.RiskLow
	for _, f := range r.Findings {
		max = model.MaxRisk(max, f.Severity)
	}
	return max
}

// ReasonIDs returns the sorted, unique reason ids.
func (r Result) ReasonIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	ids := []string{}
	for _, f := range r.Findings {
		if !seen[f.ReasonID] {
			seen[f.ReasonID] = true
			ids = append(ids, f.ReasonID)
		}
	}
	sort.Strings(ids)
	return ids
}

// RiskFactors renders findings the way preview risk factors read.
func (r Result) RiskFactors() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, fmt.Sprintf("[%s] %s", f.ReasonID, f.Message))
	}
	return out
}

// Scanner applies rules to request text and payload strings.
type Scanner struct {
	rules             []Rule
	maxTextChars      int
	maxPayloadStrings int
	maxPayloadDepth   int
}

// New returns a scanner with the default rules and bounds.
func New() *Scanner {
	return NewWithRules(DefaultRules)
}

// NewWithRules returns a scanner over a custom rule set.
func NewWithRules(rules []Rule) *Scanner {
	return &Scanner{
		rules:             rules,
		maxTextChars:      DefaultMaxTextChars,
		maxPayloadStrings: DefaultMaxPayloadStrings,
		maxPayloadDepth:   DefaultMaxPayloadDepth,
	}
}

// ScanRequest scans description, target, context and every payload string.
func (s *Scanner) ScanRequest(req *model.ActionRequest) Result {
	var findings []Finding
	findings = append(findings, s.ScanText(req.Description, "description")...)
	findings = append(findings, s.ScanText(req.Target, "target")...)
	if req.Context != "" {
		findings = append(findings, s.ScanText(req.Context, "context")...)
	}
	findings = append(findings, s.ScanPayload(req.Payload)...)
	return Result{Findings: dedupe(findings)}
}

// ScanText returns at most one finding per rule for text.
func (s *Scanner) ScanText(text, field string) []Finding {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = truncateRunes(text, s.maxTextChars)

	var out []Finding
	for _, r := range s.rules {
		m := r.Pattern.FindString(text)
		if m == "" {
			continue
		}
		out = append(out, Finding{
			ReasonID: r.ReasonID,
			Severity: r.Severity,
			Message:  r.Message,
			Field:    field,
			Snippet:  truncateRunes(strings.TrimSpace(m), maxSnippetChars),
		})
	}
	return out
}

type frame struct {
	value  any
	prefix string
	depth  int
}

// ScanPayload walks the payload with an explicit stack so hostile nesting
// cannot exhaust the goroutine stack. Map keys are visited in sorted order.
func (s *Scanner) ScanPayload(payload map[string]any) []Finding {
	if len(payload) == 0 {
		return nil
	}
	var out []Finding
	stack := []frame{{value: payload, prefix: "payload"}}
	visited := 0

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s.maxPayloadDepth > 0 && cur.depth > s.maxPayloadDepth {
			continue
		}

		switch v := cur.value.(type) {
		case string:
			out = append(out, s.ScanText(v, cur.prefix)...)
			visited++
			if s.maxPayloadStrings > 0 && visited >= s.maxPayloadStrings {
				return out
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i := len(keys) - 1; i >= 0; i-- {
				stack = append(stack, frame{v[keys[i]], cur.prefix + "." + keys[i], cur.depth + 1})
			}
		case []any:
			for i := len(v) - 1; i >= 0; i-- {
				stack = append(stack, frame{v[i], fmt.Sprintf("%s[%d]", cur.prefix, i), cur.depth + 1})
			}
		case []string:
			for i := len(v) - 1; i >= 0; i-- {
				stack = append(stack, frame{v[i], fmt.Sprintf("%s[%d]", cur.prefix, i), cur.depth + 1})
			}
		}
	}
	return out
}

func dedupe(in []Finding) []Finding {
	type key struct{ reason, field, snippet string }
	seen := make(map[key]bool, len(in))
	out := make([]Finding, 0, len(in))
	for _, f := range in {
		k := key{f.ReasonID, f.Field, strings.ToLower(f.Snippet)}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
