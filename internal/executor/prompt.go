package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/loomctl/loom/pkg/models"
)

// Digest returns a short stable hash of text, used to reference prompts
// and responses without storing their bodies.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// PromptBundle is the material assembled for one iteration's dispatch.
type PromptBundle struct {
	// Task is the work item being executed.
	Task *models.WorkItem
	// ProjectContext describes the surrounding project.
	ProjectContext string
	// SessionSummary is the carryover from refreshed sessions.
	SessionSummary string
	// PriorDigest references the previous iteration's response.
	PriorDigest string
	// Feedback is the refinement guidance from the last decision.
	Feedback string
	// Rules are collaborator-supplied rules and templates.
	Rules []string
}

// Render produces the prompt text dispatched to the agent.
func (b *PromptBundle) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Task %d: %s\n", b.Task.ID, b.Task.Title)
	fmt.Fprintf(&sb, "Type: %s", b.Task.Type)
	if b.Task.TaskType != "" {
		fmt.Fprintf(&sb, " (%s)", b.Task.TaskType)
	}
	sb.WriteString("\n\n")

	if b.Task.Description != "" {
		sb.WriteString(b.Task.Description)
		sb.WriteString("\n\n")
	}
	if b.ProjectContext != "" {
		sb.WriteString("## Project context\n")
		sb.WriteString(b.ProjectContext)
		sb.WriteString("\n\n")
	}
	if b.SessionSummary != "" {
		sb.WriteString("## Session summary\n")
		sb.WriteString(b.SessionSummary)
		sb.WriteString("\n\n")
	}
	if b.PriorDigest != "" {
		fmt.Fprintf(&sb, "Previous response digest: %s\n", b.PriorDigest)
	}
	if b.Feedback != "" {
		sb.WriteString("## Feedback on your last attempt\n")
		sb.WriteString(b.Feedback)
		sb.WriteString("\n\n")
	}
	if len(b.Rules) > 0 {
		sb.WriteString("## Rules\n")
		for _, r := range b.Rules {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	return sb.String()
}

// ValidateResponse runs the fast structural checks on an agent
// response: non-empty, not truncated mid-fence, and no refusal
// boilerplate in place of work.
func ValidateResponse(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	// An odd number of code fences means the response was cut off.
	if strings.Count(trimmed, "```")%2 != 0 {
		return false
	}
	lower := strings.ToLower(trimmed)
	if len(trimmed) < 200 && (strings.HasPrefix(lower, "i cannot") || strings.HasPrefix(lower, "i can't")) {
		return false
	}
	return true
}

// QualityScore runs the staged quality heuristics over a validated
// response, producing a score in [0..1]. Stages: substance, structure,
// and task-relevance.
func QualityScore(task *models.WorkItem, text string) float64 {
	score := 0.0

	// Substance: enough material to plausibly address the task.
	switch {
	case len(text) >= 800:
		score += 0.4
	case len(text) >= 200:
		score += 0.25
	default:
		score += 0.1
	}

	// Structure: code fences or headings suggest organized output.
	if strings.Contains(text, "```") {
		score += 0.3
	} else if strings.Contains(text, "\n#") || strings.Contains(text, "\n-") {
		score += 0.15
	}

	// Relevance: overlap with the task's title terms.
	lower := strings.ToLower(text)
	terms := strings.Fields(strings.ToLower(task.Title))
	matched := 0
	for _, term := range terms {
		if len(term) >= 4 && strings.Contains(lower, term) {
			matched++
		}
	}
	if len(terms) > 0 {
		score += 0.3 * float64(matched) / float64(len(terms))
	}

	if score > 1 {
		score = 1
	}
	return score
}

// HeuristicConfidence derives the non-LLM confidence signal from the
// validation outcome and quality score.
func HeuristicConfidence(validationOK bool, quality float64) float64 {
	if !validationOK {
		return 0.1
	}
	// Quality carries most of the signal; validation passing adds a floor.
	c := 0.3 + 0.7*quality
	if c > 1 {
		c = 1
	}
	return c
}
