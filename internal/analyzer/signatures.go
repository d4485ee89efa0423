package analyzer

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/impactgate/internal/model"
)

//go:embed signatures.yaml
var defaultSignaturesYAML []byte

// Kind is the closed set of signature variants.
type Kind string

const (
	KindPath       Kind = "path_pattern"
	KindContent    Kind = "content_pattern"
	KindActionType Kind = "action_type"
)

// Signature is one configurable risk rule.
type Signature struct {
	ID          string             `yaml:"id" json:"id"`
	Kind        Kind               `yaml:"kind" json:"kind"`
	Pattern     string             `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	ActionTypes []model.ActionType `yaml:"action_types,omitempty" json:"action_types,omitempty"`
	Level       model.RiskLevel    `yaml:"level" json:"level"`
	Description string             `yaml:"description" json:"description"`

	re *regexp.Regexp
}

// SignatureSet is a compiled, ordered list of signatures.
type SignatureSet struct {
	sigs []Signature
}

type signatureFile struct {
	Signatures []Signature `yaml:"signatures"`
}

// DefaultSignatures returns the built-in set.
func DefaultSignatures() *SignatureSet {
	set, err := ParseSignatures(defaultSignaturesYAML)
	if err != nil {
		panic(fmt.Sprintf("analyzer: built-in signatures: %v", err))
	}
	return set
}

// LoadSignatures reads a signature file. An empty path yields the defaults.
func LoadSignatures(path string) (*SignatureSet, error) {
	if path == "" {
		return DefaultSignatures(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	return ParseSignatures(data)
}

// ParseSignatures compiles a YAML signature document.
func ParseSignatures(data []byte) (*SignatureSet, error) {
	var f signatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse signatures: %w", err)
	}
	return NewSignatureSet(f.Signatures)
}

// NewSignatureSet validates and compiles sigs.
func NewSignatureSet(sigs []Signature) (*SignatureSet, error) {
	seen := make(map[string]bool, len(sigs))
	out := make([]Signature, 0, len(sigs))
	for i, s := range sigs {
		if s.ID == "" {
			return nil, fmt.Errorf("signature %d: id is required", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("signature %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if !s.Level.Valid() {
			return nil, fmt.Errorf("signature %s: invalid level %q", s.ID, s.Level)
		}
		for _, t := range s.ActionTypes {
			if !t.Valid() {
				return nil, fmt.Errorf("signature %s: invalid action type %q", s.ID, t)
			}
		}
		switch s.Kind {
		case KindPath, KindContent:
			if s.Pattern == "" {
				return nil, fmt.Errorf("signature %s: pattern is required", s.ID)
			}
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("signature %s: %w", s.ID, err)
			}
			s.re = re
		case KindActionType:
			if len(s.ActionTypes) == 0 {
				return nil, fmt.Errorf("signature %s: action_types is required", s.ID)
			}
		default:
			return nil, fmt.Errorf("signature %s: unknown kind %q", s.ID, s.Kind)
		}
		out = append(out, s)
	}
	return &SignatureSet{sigs: out}, nil
}

// All returns a copy of the signatures in evaluation order.
func (s *SignatureSet) All() []Signature {
	return append([]Signature(nil), s.sigs...)
}

// subject is what signatures are evaluated against.
type subject struct {
	actionType model.ActionType
	paths      []string
	content    string
}

// hit is one triggered signature.
type hit struct {
	id     string
	level  model.RiskLevel
	factor string
}

func (s *Signature) appliesTo(t model.ActionType) bool {
	if len(s.ActionTypes) == 0 {
		return true
	}
	for _, at := range s.ActionTypes {
		if at == t {
			return true
		}
	}
	return false
}

// match is the single dispatcher over signature kinds.
func (s *Signature) match(sub subject) (hit, bool) {
	if !s.appliesTo(sub.actionType) {
		return hit{}, false
	}
	switch s.Kind {
	case KindPath:
		for _, p := range sub.paths {
			if s.re.MatchString(p) {
				return s.hit(p), true
			}
		}
	case KindContent:
		if m := s.re.FindString(sub.content); m != "" {
			return s.hit(m), true
		}
	case KindActionType:
		return hit{id: s.ID, level: s.Level, factor: s.Description}, true
	}
	return hit{}, false
}

func (s *Signature) hit(evidence string) hit {
	return hit{
		id:     s.ID,
		level:  s.Level,
		factor: fmt.Sprintf("%s: %s", s.Description, clip(evidence, 80)),
	}
}

// match returns every triggered signature in set order.
func (s *SignatureSet) match(sub subject) []hit {
	var hits []hit
	for i := range s.sigs {
		if h, ok := s.sigs[i].match(sub); ok {
			hits = append(hits, h)
		}
	}
	return hits
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
