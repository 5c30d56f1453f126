package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/taskcore/internal/contextbuilder"
	"github.com/c360studio/taskcore/internal/dispatcher"
	"github.com/c360studio/taskcore/internal/llmclient"
	"github.com/c360studio/taskcore/internal/task"
)

// ProgressReporter is the narrowed Progress Bus surface a handler uses
// to report the intermediate stage/percent it has reached mid-execution.
type ProgressReporter interface {
	Publish(ctx context.Context, t *task.Task, stage string, percent int, message string) error
}

// stageCheckpoint names one point in a handler's execution and the
// percent it represents once reached.
type stageCheckpoint struct {
	name    string
	percent int
}

// registerHandlers wires every task_type this core knows how to
// execute. Each handler pairs one skill name with one prompt shape;
// new task types are added here, not by touching the Dispatcher.
func registerHandlers(reg *dispatcher.Registry, llm *llmclient.Client, pb ProgressReporter, logger *slog.Logger) {
	reg.Register("document_extraction", &llmHandler{
		llm:        llm,
		skillNames: []string{"document_extraction"},
		systemPrompt: "You extract structured tax-relevant fields from a client's uploaded " +
			"documents. Respond with a JSON object of field name to extracted value only.",
		progress: pb,
		logger:   logger,
		stages:   []stageCheckpoint{{"scanning", 20}, {"extracting", 60}},
	})
	reg.Register("worksheet_draft", &llmHandler{
		llm:        llm,
		skillNames: []string{"worksheet_preparation"},
		systemPrompt: "You draft a tax worksheet from the client's profile, documents, and " +
			"prior-year worksheet. Respond with a JSON object of line items to computed values only.",
		progress: pb,
		logger:   logger,
		stages:   []stageCheckpoint{{"calculating", 85}, {"generating", 100}},
	})
}

// llmHandler is a dispatcher.Handler that turns an AgentContext into
// one LLM completion and the completion's raw text into a worksheet
// artifact. The prompt carries each skill's instructions and examples;
// skill constraints are not included in it. Escalation triggers are
// checked in Go by matching them against the completion text
// (detectEscalation).
type llmHandler struct {
	llm          *llmclient.Client
	skillNames   []string
	systemPrompt string
	progress     ProgressReporter
	logger       *slog.Logger
	stages       []stageCheckpoint
}

func (h *llmHandler) SkillNames() []string { return h.skillNames }

func (h *llmHandler) Handle(ctx context.Context, t *task.Task, ac *contextbuilder.AgentContext) (dispatcher.Outcome, error) {
	h.reportStage(ctx, t, 0)

	prompt, err := buildPrompt(ac)
	if err != nil {
		return dispatcher.Outcome{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := h.llm.Complete(ctx, llmclient.Request{
		System:    h.systemPrompt,
		Messages:  []llmclient.Message{{Role: "user", Content: prompt}},
		MaxTokens: ac.Budget.RemainingTokens,
	})
	if err != nil {
		return dispatcher.Outcome{}, err
	}

	h.reportStage(ctx, t, 1)

	if escalation := detectEscalation(ac, resp.Content); escalation != "" {
		return dispatcher.Outcome{Escalation: task.NewEscalation(t.ID, escalation, map[string]any{
			"task_type": t.Type,
		})}, nil
	}

	sum := sha256.Sum256([]byte(resp.Content))
	artifact := task.NewArtifact(t.ID, task.ArtifactWorksheet, artifactPath(t), hex.EncodeToString(sum[:]), t.AttemptCount)
	return dispatcher.Outcome{Artifact: artifact}, nil
}

// reportStage publishes the idx'th checkpoint this handler declared.
// A nil reporter or out-of-range index is a no-op: progress reporting
// is best-effort and must never fail the task it describes.
func (h *llmHandler) reportStage(ctx context.Context, t *task.Task, idx int) {
	if h.progress == nil || idx >= len(h.stages) {
		return
	}
	cp := h.stages[idx]
	if err := h.progress.Publish(ctx, t, cp.name, cp.percent, cp.name); err != nil && h.logger != nil {
		h.logger.Warn("progress publish failed", "task_id", t.ID, "stage", cp.name, "error", err)
	}
}

// buildPrompt folds the assembled context into one user message. Real
// skill instructions and examples lead, since they are what most
// directly shapes the model's output.
func buildPrompt(ac *contextbuilder.AgentContext) (string, error) {
	profileJSON, err := json.Marshal(ac.ProfileView)
	if err != nil {
		return "", err
	}

	prompt := ""
	for _, sk := range ac.Skills {
		prompt += sk.Content.Instructions + "\n\n"
		for _, ex := range sk.Content.Examples {
			prompt += "Example:\n" + ex + "\n\n"
		}
	}
	prompt += fmt.Sprintf("Client profile for tax year %d:\n%s\n\n", ac.TaxYear, profileJSON)
	if ac.PriorYearArtifact != nil {
		prompt += "A prior-year worksheet exists at " + ac.PriorYearArtifact.Path + "; use it for continuity checks.\n\n"
	}
	prompt += fmt.Sprintf("%d documents are available for this client and tax year.\n", len(ac.Documents))
	return prompt, nil
}

// detectEscalation checks the skill's own escalation triggers against
// the model's response, a cheap substring match that keeps trigger
// definitions in skill YAML instead of Go.
func detectEscalation(ac *contextbuilder.AgentContext, responseText string) string {
	for _, sk := range ac.Skills {
		for _, trigger := range sk.Content.EscalationTriggers {
			if containsFold(responseText, trigger) {
				return "skill escalation trigger matched: " + trigger
			}
		}
	}
	return ""
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func artifactPath(t *task.Task) string {
	return fmt.Sprintf("artifacts/%s/%s.json", t.ClientID, t.ID)
}
