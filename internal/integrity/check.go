// Package integrity pins MCP tool descriptors by hash. A descriptor is
// hashed over its canonical JSON and accepted only when the hash matches an
// explicit pin or an allowlist entry for the descriptor's name. Rejections
// can be appended to a tamper log.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/impactgate/internal/eventstore"
)

const hashPrefix = "sha256:"

// Policy controls descriptor validation. FailClosed and EnforceAllowlist
// default to true when omitted.
type Policy struct {
	Allowlist        map[string]Pins `json:"allowlist" yaml:"allowlist"`
	FailClosed       *bool           `json:"fail_closed,omitempty" yaml:"fail_closed,omitempty"`
	EnforceAllowlist *bool           `json:"enforce_allowlist,omitempty" yaml:"enforce_allowlist,omitempty"`
}

// Pins is the set of accepted hashes for one descriptor name. In a policy
// file it may be a single string or a list.
type Pins []string

func (p *Pins) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*p = Pins{n.Value}
		return nil
	}
	var list []string
	if err := n.Decode(&list); err != nil {
		return fmt.Errorf("pins must be a string or a list of strings")
	}
	*p = list
	return nil
}

func (p *Policy) failClosed() bool       { return p.FailClosed == nil || *p.FailClosed }
func (p *Policy) enforceAllowlist() bool { return p.EnforceAllowlist == nil || *p.EnforceAllowlist }

// Result is the verdict for one descriptor.
type Result struct {
	Allowed        bool   `json:"allowed"`
	DescriptorName string `json:"descriptor_name,omitempty"`
	DescriptorHash string `json:"descriptor_hash"`
	MatchedPin     string `json:"matched_pin,omitempty"`
	Reason         string `json:"reason"`
}

// NormalizePin validates a pin and returns it as sha256:<lowercase hex>.
// The prefix is optional on input.
func NormalizePin(pin string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(pin))
	v = strings.TrimPrefix(v, hashPrefix)
	if len(v) != 64 || !isHex(v) {
		return "", fmt.Errorf("invalid hash pin %q: expected a 64-character SHA-256 hex digest", pin)
	}
	return hashPrefix + v, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Hash returns sha256:<hex> over the descriptor's canonical JSON.
func Hash(descriptor map[string]any) (string, error) {
	canon, err := eventstore.Canonical(descriptor)
	if err != nil {
		return "", fmt.Errorf("integrity: descriptor is not serializable: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hashPrefix + hex.EncodeToString(sum[:]), nil
}

// ParsePolicy reads a YAML or JSON policy and normalizes every pin.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("integrity: invalid descriptor policy: %w", err)
	}
	if p.Allowlist == nil {
		p.Allowlist = map[string]Pins{}
	}
	normalized := make(map[string]Pins, len(p.Allowlist))
	for name, pins := range p.Allowlist {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("integrity: allowlist descriptor names must be non-empty")
		}
		for _, pin := range pins {
			n, err := NormalizePin(pin)
			if err != nil {
				return nil, fmt.Errorf("integrity: allowlist entry %q: %w", name, err)
			}
			normalized[name] = append(normalized[name], n)
		}
	}
	p.Allowlist = normalized
	return &p, nil
}

// LoadPolicy reads a descriptor policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integrity: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// Check evaluates a descriptor. expected, when non-empty, is an explicit
// pin that must match before the allowlist is consulted. Only a malformed
// expected pin or an unserializable descriptor is an error.
func Check(p *Policy, descriptor map[string]any, expected string) (Result, error) {
	if p == nil {
		p = &Policy{}
	}
	hash, err := Hash(descriptor)
	if err != nil {
		return Result{}, err
	}
	name, _ := descriptor["name"].(string)
	name = strings.TrimSpace(name)
	res := Result{DescriptorName: name, DescriptorHash: hash}

	var pin string
	if expected != "" {
		if pin, err = NormalizePin(expected); err != nil {
			return Result{}, err
		}
		if hash != pin {
			res.Reason = fmt.Sprintf("Hash pin mismatch: expected %s, got %s", pin, hash)
			return res, nil
		}
	}

	if p.enforceAllowlist() {
		if name == "" {
			res.Reason = "Descriptor is missing required 'name'; cannot enforce allowlist"
			return res, nil
		}
		pins := p.Allowlist[name]
		if len(pins) == 0 {
			res.Reason = fmt.Sprintf("No allowlist hash pins configured for descriptor '%s'", name)
			return res, nil
		}
		for _, allowed := range pins {
			if allowed == hash {
				res.Allowed = true
				res.MatchedPin = hash
				res.Reason = fmt.Sprintf("Descriptor hash matched allowlist pin for '%s'", name)
				return res, nil
			}
		}
		sorted := append([]string(nil), pins...)
		sort.Strings(sorted)
		res.Reason = fmt.Sprintf("Descriptor hash mismatch for '%s': expected one of [%s], got %s",
			name, strings.Join(sorted, ", "), hash)
		return res, nil
	}

	switch {
	case pin != "":
		res.Allowed = true
		res.MatchedPin = pin
		res.Reason = "Descriptor hash matched explicit pin"
	case p.failClosed():
		res.Reason = "No integrity pin could be validated (allowlist enforcement disabled and no expected hash provided)"
	default:
		res.Allowed = true
		res.Reason = "Descriptor integrity checks skipped by policy configuration"
	}
	return res, nil
}

// CheckFile evaluates a descriptor stored as a JSON object.
func CheckFile(p *Policy, path, expected string) (Result, error) {
	descriptor, err := ReadDescriptor(path)
	if err != nil {
		return Result{}, err
	}
	return Check(p, descriptor, expected)
}

// ReadDescriptor loads a JSON descriptor file.
func ReadDescriptor(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integrity: read descriptor: %w", err)
	}
	var descriptor map[string]any
	if err := json.Unmarshal(data, &descriptor); err != nil || descriptor == nil {
		return nil, fmt.Errorf("integrity: descriptor file must contain a JSON object")
	}
	return descriptor, nil
}

// TamperEvent records a rejected descriptor.
type TamperEvent struct {
	Timestamp      string `json:"timestamp"`
	Type           string `json:"type"`
	DescriptorName string `json:"descriptor_name,omitempty"`
	DescriptorHash string `json:"descriptor_hash"`
	Reason         string `json:"reason"`
	Hostname       string `json:"hostname,omitempty"`
}

// LogViolation appends a tamper event for a rejected result to the JSONL
// file at path. Allowed results are not logged.
func LogViolation(path string, res Result) error {
	if res.Allowed {
		return nil
	}
	event := TamperEvent{
		Timestamp:      time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:           "descriptor_tamper",
		DescriptorName: res.DescriptorName,
		DescriptorHash: res.DescriptorHash,
		Reason:         res.Reason,
	}
	event.Hostname, _ = os.Hostname()

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("integrity: create tamper log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("integrity: open tamper log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
