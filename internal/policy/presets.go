package policy

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/impactgate/internal/model"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// PresetInfo describes a bundled preset for selection lists.
type PresetInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// PresetNames lists bundled presets in sorted order.
func PresetNames() []string {
	entries, err := presetFS.ReadDir("presets")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// PresetSource returns the embedded document for a preset.
func PresetSource(name string) ([]byte, error) {
	data, err := presetFS.ReadFile("presets/" + name + ".yaml")
	if err != nil {
		return nil, model.PolicyError(
			fmt.Sprintf("unknown preset %q (available: %s)", name, strings.Join(PresetNames(), ", ")), nil)
	}
	return data, nil
}

// Preset parses a bundled preset. Each call returns a fresh copy.
func Preset(name string) (*Policy, error) {
	data, err := PresetSource(name)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("preset %s: %w", name, err)
	}
	return p, nil
}

// Presets returns metadata for every bundled preset.
func Presets() ([]PresetInfo, error) {
	var out []PresetInfo
	for _, name := range PresetNames() {
		p, err := Preset(name)
		if err != nil {
			return nil, err
		}
		info := PresetInfo{ID: name, Name: name, Version: p.Version, Tags: []string{}}
		if s, ok := p.Metadata["title"].(string); ok {
			info.Name = s
		}
		if s, ok := p.Metadata["description"].(string); ok {
			info.Description = s
		}
		if tags, ok := p.Metadata["tags"].([]any); ok {
			for _, t := range tags {
				if s, ok := t.(string); ok {
					info.Tags = append(info.Tags, s)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}
