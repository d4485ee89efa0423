package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ppiankov/impactgate/internal/model"
)

// Input is what a policy decides over.
type Input struct {
	ActionType  model.ActionType `json:"action_type"`
	Target      string           `json:"target"`
	RiskLevel   model.RiskLevel  `json:"risk_level"`
	RiskFactors []string         `json:"risk_factors,omitempty"`
}

// InputFor builds the decision input for a request and its preview.
func InputFor(req *model.ActionRequest, p *model.Preview) Input {
	return Input{
		ActionType:  req.ActionType,
		Target:      req.Target,
		RiskLevel:   p.RiskLevel,
		RiskFactors: p.RiskFactors,
	}
}

type compiledRule struct {
	rule  *Rule
	globs []*regexp.Regexp
}

// ordered returns enabled and disabled rules sorted by priority, then by
// specificity (more constrained first), then by declaration order.
func (p *Policy) ordered() []*compiledRule {
	if p.compiled != nil {
		return p.compiled
	}
	out := make([]*compiledRule, 0, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		cr := &compiledRule{rule: r}
		for _, g := range r.PathGlobs {
			cr.globs = append(cr.globs, globRegexp(g))
		}
		out = append(out, cr)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].rule.EffectivePriority(), out[j].rule.EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return out[i].rule.Specificity() > out[j].rule.Specificity()
	})
	return out
}

// Compile precomputes rule order and glob patterns. Parse and the presets
// call it; a Policy built in code is compiled lazily on every Decide.
func (p *Policy) Compile() *Policy {
	p.compiled = nil
	p.compiled = p.ordered()
	return p
}

// Decide returns the verdict of the first matching rule in evaluation order,
// or the policy default. It is a pure function of its arguments.
func Decide(in Input, p *Policy) model.Verdict {
	var trace []string
	for _, cr := range p.ordered() {
		r := cr.rule
		if !r.IsEnabled() {
			trace = append(trace, fmt.Sprintf("skip:%s:disabled", r.ID))
			continue
		}
		if !cr.matches(in) {
			trace = append(trace, fmt.Sprintf("skip:%s:no-match", r.ID))
			continue
		}
		prio := r.EffectivePriority()
		trace = append(trace, fmt.Sprintf("selected:%s:priority=%d:specificity=%d", r.ID, prio, r.Specificity()))
		return model.Verdict{
			Decision:            r.Decision,
			MatchedRuleID:       r.ID,
			MatchedRulePriority: &prio,
			PolicyVersion:       p.Version,
			Trace:               trace,
		}
	}
	def := p.Defaults.Decision
	if def == "" {
		def = model.RequireApproval
	}
	trace = append(trace, fmt.Sprintf("default:%s:no-matching-rules", def))
	return model.Verdict{Decision: def, PolicyVersion: p.Version, Trace: trace}
}

func (cr *compiledRule) matches(in Input) bool {
	r := cr.rule
	if len(r.ActionTypes) > 0 && !containsType(r.ActionTypes, in.ActionType) {
		return false
	}
	if len(cr.globs) > 0 {
		hit := false
		for _, re := range cr.globs {
			if re.MatchString(in.Target) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(r.TargetContains) > 0 && !containsFold([]string{in.Target}, r.TargetContains) {
		return false
	}
	if len(r.RiskFactorsContain) > 0 && !containsFold(in.RiskFactors, r.RiskFactorsContain) {
		return false
	}
	if r.MinRiskLevel != "" && in.RiskLevel.Rank() < r.MinRiskLevel.Rank() {
		return false
	}
	if r.MaxRiskLevel != "" && in.RiskLevel.Rank() > r.MaxRiskLevel.Rank() {
		return false
	}
	return true
}

func containsType(types []model.ActionType, t model.ActionType) bool {
	for _, at := range types {
		if at == t {
			return true
		}
	}
	return false
}

// containsFold reports whether any haystack contains any needle, ignoring case.
func containsFold(haystacks, needles []string) bool {
	for _, h := range haystacks {
		lh := strings.ToLower(h)
		for _, n := range needles {
			if strings.Contains(lh, strings.ToLower(n)) {
				return true
			}
		}
	}
	return false
}

// globRegexp translates a shell glob where * and ? also cross "/" and
// [...] is a character class. An unterminated [ is literal.
func globRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if end == 0 {
				// "[]" is literal.
				b.WriteString(`\[\]`)
				i++
				continue
			}
			class = strings.ReplaceAll(class, `\`, `\\`)
			switch class[0] {
			case '!':
				class = "^" + class[1:]
			case '^':
				class = `\^` + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		default:
			if c >= utf8.RuneSelf {
				b.WriteByte(c)
				continue
			}
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile("^" + regexp.QuoteMeta(glob) + "$")
	}
	return re
}
