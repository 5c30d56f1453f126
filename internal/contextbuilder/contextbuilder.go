// Package contextbuilder implements the Context Builder (C6):
// assembling {profile view, documents, skills, prior-year artifact}
// into one AgentContext per task, side-effect free except for reads.
// The budget-calculator split keeps token accounting separate from
// assembly so either half can change without the other.
package contextbuilder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/taskcore/internal/task"
	"github.com/c360studio/taskcore/internal/taskerr"
)

// DocumentRef is metadata about a client document; content is fetched
// lazily by the handler, never by the builder.
type DocumentRef struct {
	ID       string
	Kind     string
	Path     string
	TaxYear  int
	ClientID string
}

// AgentContext is the assembled per-task execution context.
type AgentContext struct {
	ClientID          string
	TaxYear           int
	ProfileView       map[string]map[string]any
	Documents         []DocumentRef
	Skills            []*task.Skill
	PriorYearArtifact *task.Artifact
	Budget            Budget
}

// Budget is the token accounting attached to a built context.
type Budget struct {
	TotalTokens     int
	UsedTokens      int
	RemainingTokens int
}

// ProfileReader is the narrowed Profile Service surface.
type ProfileReader interface {
	View(ctx context.Context, clientID string) (map[string]map[string]any, error)
}

// SkillSelector is the narrowed Skill Engine surface.
type SkillSelector interface {
	SelectMany(ctx context.Context, names []string, taxYear int) ([]*task.Skill, error)
}

// DocumentLister resolves document metadata via the storage facade;
// its internals (blob I/O) are out of scope for this core.
type DocumentLister interface {
	ListDocuments(ctx context.Context, clientID string, taxYear int) ([]DocumentRef, error)
}

// ArtifactLookup resolves the prior-year worksheet artifact.
type ArtifactLookup interface {
	LatestWorksheet(ctx context.Context, clientID string, taxYear int) (*task.Artifact, error)
}

// Request describes what to build context for.
type Request struct {
	ClientID   string
	TaxYear    int
	TaskType   string
	SkillNames []string
	TokenBudget int
}

// Builder assembles AgentContext values.
type Builder struct {
	profiles  ProfileReader
	skills    SkillSelector
	documents DocumentLister
	artifacts ArtifactLookup
	logger    *slog.Logger
}

// New builds a Builder. documents may be nil if the task type needs
// no document corpus (graceful degradation, not an error).
func New(profiles ProfileReader, skills SkillSelector, documents DocumentLister, artifacts ArtifactLookup, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{profiles: profiles, skills: skills, documents: documents, artifacts: artifacts, logger: logger}
}

// ValidateRequest checks the minimal structural requirements of a Request.
func ValidateRequest(req Request) error {
	if req.ClientID == "" {
		return taskerr.New(taskerr.KindValidation, "client_id is required")
	}
	if req.TaxYear == 0 {
		return taskerr.New(taskerr.KindValidation, "tax_year is required")
	}
	return nil
}

// Build assembles the AgentContext for req. An error from the profile
// view, from skill selection, or from the prior-year artifact lookup
// (other than the artifact being absent) fails the build. Document
// listing degrades instead: a missing or failing document lister
// yields an empty document list.
func (b *Builder) Build(ctx context.Context, req Request) (*AgentContext, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	view, err := b.profiles.View(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("build profile view: %w", err)
	}

	var docs []DocumentRef
	if b.documents != nil {
		docs, err = b.documents.ListDocuments(ctx, req.ClientID, req.TaxYear)
		if err != nil {
			b.logger.Warn("document lookup failed, continuing without documents",
				"client_id", req.ClientID, "tax_year", req.TaxYear, "error", err)
			docs = nil
		}
	}

	var skills []*task.Skill
	if len(req.SkillNames) > 0 {
		skills, err = b.skills.SelectMany(ctx, req.SkillNames, req.TaxYear)
		if err != nil {
			return nil, fmt.Errorf("select skills: %w", err)
		}
	}

	var prior *task.Artifact
	if b.artifacts != nil {
		prior, err = b.artifacts.LatestWorksheet(ctx, req.ClientID, req.TaxYear-1)
		if err != nil {
			if !taskerr.Is(err, taskerr.KindMissingResource) {
				return nil, fmt.Errorf("lookup prior-year artifact: %w", err)
			}
			prior = nil
		}
	}

	budget := calculateBudget(req.TokenBudget, view, docs, skills)

	return &AgentContext{
		ClientID:          req.ClientID,
		TaxYear:           req.TaxYear,
		ProfileView:       view,
		Documents:         docs,
		Skills:            skills,
		PriorYearArtifact: prior,
		Budget:            budget,
	}, nil
}

const defaultTokenBudget = 8000

// calculateBudget gives a rough token estimate for the assembled
// context so handlers can decide whether to summarize before calling
// an LLM. It is intentionally simple: ~4 characters per token, no
// exact tokenizer dependency, since the estimate only gates a
// handler-side summarization decision, not a hard LLM request limit.
func calculateBudget(requested int, view map[string]map[string]any, docs []DocumentRef, skills []*task.Skill) Budget {
	total := requested
	if total <= 0 {
		total = defaultTokenBudget
	}

	used := estimateTokens(fmt.Sprintf("%v", view))
	for _, s := range skills {
		used += estimateTokens(s.Content.Instructions)
		for _, ex := range s.Content.Examples {
			used += estimateTokens(ex)
		}
	}
	used += len(docs) * 50 // flat per-document metadata overhead

	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	return Budget{TotalTokens: total, UsedTokens: used, RemainingTokens: remaining}
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
