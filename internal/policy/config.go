package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/impactgate/internal/model"
)

// DefaultPriority applies to rules that do not set one.
const DefaultPriority = 100

// Defaults is the policy's fallback when no rule matches.
type Defaults struct {
	Decision model.Decision `json:"decision" yaml:"decision"`
}

// Rule is one predicate mapped to a decision. Every non-empty predicate
// must hold for the rule to match.
type Rule struct {
	ID                 string             `json:"id" yaml:"id"`
	Description        string             `json:"description,omitempty" yaml:"description,omitempty"`
	Decision           model.Decision     `json:"decision" yaml:"decision"`
	Priority           *int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled            *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ActionTypes        []model.ActionType `json:"action_types,omitempty" yaml:"action_types,omitempty"`
	PathGlobs          []string           `json:"path_globs,omitempty" yaml:"path_globs,omitempty"`
	TargetContains     []string           `json:"target_contains,omitempty" yaml:"target_contains,omitempty"`
	RiskFactorsContain []string           `json:"risk_factors_contain,omitempty" yaml:"risk_factors_contain,omitempty"`
	MinRiskLevel       model.RiskLevel    `json:"min_risk_level,omitempty" yaml:"min_risk_level,omitempty"`
	MaxRiskLevel       model.RiskLevel    `json:"max_risk_level,omitempty" yaml:"max_risk_level,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EffectivePriority returns the rule priority, applying the default.
func (r *Rule) EffectivePriority() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

// IsEnabled reports whether the rule takes part in evaluation.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Specificity counts constrained predicates. Among rules of equal priority
// the more specific one is evaluated first.
func (r *Rule) Specificity() int {
	n := 0
	for _, set := range []bool{
		len(r.ActionTypes) > 0,
		len(r.PathGlobs) > 0,
		len(r.TargetContains) > 0,
		len(r.RiskFactorsContain) > 0,
		r.MinRiskLevel != "",
		r.MaxRiskLevel != "",
	} {
		if set {
			n++
		}
	}
	return n
}

// Policy is a named, versioned rule set.
type Policy struct {
	Version  string         `json:"version" yaml:"version"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Defaults Defaults       `json:"defaults" yaml:"defaults"`
	Rules    []Rule         `json:"rules" yaml:"rules"`

	// Hash is the sha256 of the document the policy was parsed from.
	Hash string `json:"-" yaml:"-"`

	compiled []*compiledRule
}

// Parse validates a YAML or JSON policy document and returns the policy.
// Any problem is reported as a model.ErrPolicy.
func Parse(data []byte) (*Policy, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, model.PolicyError("policy is not valid YAML or JSON", err)
	}
	if _, ok := generic.(map[string]any); !ok {
		return nil, model.PolicyError("policy document must be an object", nil)
	}
	doc, err := json.Marshal(generic)
	if err != nil {
		return nil, model.PolicyError("policy cannot be represented as JSON", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, model.PolicyError("decode policy", err)
	}
	if p.Defaults.Decision == "" {
		p.Defaults.Decision = model.RequireApproval
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Hash = hashBytes(data)
	return p.Compile(), nil
}

// Load reads a policy file. JSON is a subset of YAML, so both parse.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.PolicyError(fmt.Sprintf("read policy %s", filepath.Base(path)), err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = filepath.Base(path)
	}
	return p, nil
}

// Resolve loads path when set, otherwise the named preset.
func Resolve(path, preset string) (*Policy, error) {
	switch {
	case path != "":
		return Load(path)
	case preset != "":
		return Preset(preset)
	default:
		return nil, model.PolicyError("either a policy file or a preset name is required", nil)
	}
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
