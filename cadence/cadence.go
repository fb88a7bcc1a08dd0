// Package cadence loads and validates cadence definitions and owns the
// skip-condition predicate registry. Definitions are data: the builtin
// schedules ship in code, additional ones load from YAML files, and the
// engine consumes them through the Library without knowing any offsets.
package cadence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cadencer/models"
)

// SkipPredicate decides whether a step should be bypassed for a lead.
type SkipPredicate func(s *models.LeadCadenceState) bool

// skipRegistry maps skip_when names to predicates. A step's skip_when may
// list several names separated by commas; the step is skipped when any of
// them is true.
var skipRegistry = map[string]SkipPredicate{
	"no_linkedin_url": func(s *models.LeadCadenceState) bool {
		return s.LinkedInURL == ""
	},
	"already_connected": func(s *models.LeadCadenceState) bool {
		return s.LinkedInConnected
	},
	"not_connected": func(s *models.LeadCadenceState) bool {
		return !s.LinkedInConnected
	},
}

// EvaluateSkip evaluates a step's skip condition against a lead. It returns
// the name of the first matching predicate so completion history records
// why the step was bypassed.
func EvaluateSkip(step *models.CadenceStep, state *models.LeadCadenceState) (bool, string) {
	if step.SkipWhen == "" {
		return false, ""
	}
	for _, name := range splitSkipWhen(step.SkipWhen) {
		pred, ok := skipRegistry[name]
		if !ok {
			continue
		}
		if pred(state) {
			return true, name
		}
	}
	return false, ""
}

func splitSkipWhen(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateSkipNames rejects definitions referencing predicates the registry
// does not know; a typo here would silently never skip.
func validateSkipNames(def *models.CadenceDefinition) error {
	for _, step := range def.Steps {
		for _, name := range splitSkipWhen(step.SkipWhen) {
			if _, ok := skipRegistry[name]; !ok {
				return fmt.Errorf("cadence %q step %d: unknown skip condition %q", def.CadenceID, step.StepIndex, name)
			}
		}
	}
	return nil
}

// Library holds the loaded cadence definitions by id.
type Library struct {
	defs map[string]*models.CadenceDefinition
}

// NewLibrary builds a library from the given definitions, validating each.
func NewLibrary(defs ...*models.CadenceDefinition) (*Library, error) {
	lib := &Library{defs: make(map[string]*models.CadenceDefinition, len(defs))}
	for _, def := range defs {
		if err := lib.Add(def); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// Add validates a definition and registers it, rejecting duplicates.
func (l *Library) Add(def *models.CadenceDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := validateSkipNames(def); err != nil {
		return err
	}
	if _, exists := l.defs[def.CadenceID]; exists {
		return fmt.Errorf("duplicate cadence id %q", def.CadenceID)
	}
	l.defs[def.CadenceID] = def
	return nil
}

// Get returns the definition for id, or nil when unknown.
func (l *Library) Get(id string) *models.CadenceDefinition {
	return l.defs[id]
}

// IDs returns the registered cadence ids, sorted.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.defs))
	for id := range l.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile parses a single YAML cadence definition.
func LoadFile(path string) (*models.CadenceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cadence file: %w", err)
	}
	var def models.CadenceDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse cadence file %s: %w", filepath.Base(path), err)
	}
	return &def, nil
}

// LoadDir adds every *.yaml / *.yml definition under dir to the library.
// A missing directory is not an error; operators who only use the builtin
// cadences never create one.
func (l *Library) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cadence dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := l.Add(def); err != nil {
			return err
		}
	}
	return nil
}
