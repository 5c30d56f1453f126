// Package skill implements the Skill Engine (C4): parsing and
// validating versioned, date-effective rule packs, and selecting the
// right version for a target tax year. Documents are plain YAML with
// a metadata/content split (gopkg.in/yaml.v3).
package skill

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/taskcore/internal/task"
)

// Document is the on-disk YAML shape of a skill: a metadata section
// plus the rule content.
type Document struct {
	Metadata struct {
		Name          string    `yaml:"name"`
		Version       string    `yaml:"version"`
		EffectiveDate time.Time `yaml:"effective_date"`
		Tags          []string  `yaml:"tags"`
	} `yaml:"metadata"`
	Content struct {
		Instructions       string   `yaml:"instructions"`
		Examples           []string `yaml:"examples"`
		Constraints        []string `yaml:"constraints"`
		EscalationTriggers []string `yaml:"escalation_triggers"`
	} `yaml:"content"`
}

// ValidationError is one structural problem found in a Document. The
// Engine returns these as a list (dry-run friendly) rather than
// failing on the first one.
type ValidationError struct {
	Field   string
	Problem string
}

func (v ValidationError) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Problem)
}

// Parse decodes a skill YAML document without validating it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse skill yaml: %w", err)
	}
	return &doc, nil
}

// Validate checks a Document against the required-field rules in
// dry-run friendly, returning every problem found rather than stopping at
// the first.
func Validate(doc *Document) []ValidationError {
	var errs []ValidationError
	if doc.Metadata.Name == "" {
		errs = append(errs, ValidationError{"metadata.name", "required"})
	}
	if doc.Metadata.Version == "" {
		errs = append(errs, ValidationError{"metadata.version", "required"})
	}
	if doc.Metadata.EffectiveDate.IsZero() {
		errs = append(errs, ValidationError{"metadata.effective_date", "required and must be a valid date"})
	}
	if doc.Content.Instructions == "" {
		errs = append(errs, ValidationError{"content.instructions", "must not be empty"})
	}
	return errs
}

// ToModel converts a validated Document into the storage model.
func ToModel(doc *Document) *task.Skill {
	return &task.Skill{
		Name:          doc.Metadata.Name,
		Version:       doc.Metadata.Version,
		EffectiveDate: doc.Metadata.EffectiveDate,
		Tags:          doc.Metadata.Tags,
		Content: task.SkillContent{
			Instructions:       doc.Content.Instructions,
			Examples:           doc.Content.Examples,
			Constraints:        doc.Content.Constraints,
			EscalationTriggers: doc.Content.EscalationTriggers,
		},
	}
}

// Dump serializes a skill model back to the YAML document shape, the
// inverse of Parse+ToModel, used by the round-trip property test.
func Dump(sk *task.Skill) ([]byte, error) {
	var doc Document
	doc.Metadata.Name = sk.Name
	doc.Metadata.Version = sk.Version
	doc.Metadata.EffectiveDate = sk.EffectiveDate
	doc.Metadata.Tags = sk.Tags
	doc.Content.Instructions = sk.Content.Instructions
	doc.Content.Examples = sk.Content.Examples
	doc.Content.Constraints = sk.Content.Constraints
	doc.Content.EscalationTriggers = sk.Content.EscalationTriggers
	return yaml.Marshal(&doc)
}

// Backend is the store surface the Engine depends on.
type Backend interface {
	CreateSkill(ctx context.Context, sk *task.Skill) error
	SelectSkill(ctx context.Context, name string, taxYear int) (*task.Skill, error)
	ListSkillVersions(ctx context.Context, name string) ([]*task.Skill, error)
}

// Engine loads, validates, and version-selects skill packs.
type Engine struct {
	store Backend
}

// New builds an Engine over a store backend.
func New(store Backend) *Engine {
	return &Engine{store: store}
}

// LoadAndValidate parses and validates raw YAML, returning validation
// errors without touching the store (a dry-run path for `taskcore
// skill validate`).
func LoadAndValidate(data []byte) (*Document, []ValidationError, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return doc, Validate(doc), nil
}

// Install validates and persists a new skill version.
func (e *Engine) Install(ctx context.Context, data []byte) (*task.Skill, []ValidationError, error) {
	doc, errs, err := LoadAndValidate(data)
	if err != nil {
		return nil, nil, err
	}
	if len(errs) > 0 {
		return nil, errs, nil
	}
	sk := ToModel(doc)
	if err := e.store.CreateSkill(ctx, sk); err != nil {
		return nil, nil, err
	}
	return sk, nil, nil
}

// Select returns the version-selected skill for (name, taxYear). A
// missing skill is reported via the returned bool, not an error:
// absence is non-fatal, a handler can still proceed without it.
func (e *Engine) Select(ctx context.Context, name string, taxYear int) (*task.Skill, bool, error) {
	sk, err := e.store.SelectSkill(ctx, name, taxYear)
	if err != nil {
		if isMissing(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return sk, true, nil
}

// SelectMany resolves a task_type's declared skill names for a tax
// year, omitting any that are absent.
func (e *Engine) SelectMany(ctx context.Context, names []string, taxYear int) ([]*task.Skill, error) {
	var out []*task.Skill
	for _, name := range names {
		sk, found, err := e.Select(ctx, name, taxYear)
		if err != nil {
			return nil, fmt.Errorf("select skill %q: %w", name, err)
		}
		if found {
			out = append(out, sk)
		}
	}
	return out, nil
}
