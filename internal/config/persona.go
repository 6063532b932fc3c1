package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_persona.yaml
var defaultPersonaYAML []byte

// Persona is the bot's identity and the static knowledge injected into
// every prompt.
type Persona struct {
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	SharedFacts  []string `yaml:"shared_facts"`
	Skills       []Skill  `yaml:"skills"`
	Models       []Model  `yaml:"models"`
	DefaultModel string   `yaml:"default_model"`
}

// Skill is a named block of command hints for the classifier.
type Skill struct {
	Name  string `yaml:"name"`
	Hints string `yaml:"hints"`
}

// Model is an entry in the /model menu.
type Model struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoadPersona reads a persona file. An empty path selects the embedded
// default.
func LoadPersona(path string) (Persona, error) {
	data := defaultPersonaYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Persona{}, fmt.Errorf("reading persona %s: %w", path, err)
		}
		data = b
	}
	return parsePersona(data)
}

func parsePersona(data []byte) (Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("parsing persona: %w", err)
	}
	if p.DefaultModel == "" && len(p.Models) > 0 {
		p.DefaultModel = p.Models[0].ID
	}
	if p.DefaultModel == "" {
		return Persona{}, fmt.Errorf("persona has no default_model and no models")
	}
	return p, nil
}

// SkillHints joins every non-empty skill hint with a blank line.
func (p Persona) SkillHints() string {
	var parts []string
	for _, s := range p.Skills {
		if h := strings.TrimSpace(s.Hints); h != "" {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ModelName returns the display name for a model id, or the id itself.
func (p Persona) ModelName(id string) string {
	for _, m := range p.Models {
		if m.ID == id {
			return m.Name
		}
	}
	return id
}
