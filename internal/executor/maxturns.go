package executor

import (
	"strings"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/pkg/models"
)

// complexityKeywords raise the heuristic turn estimate when they appear
// in the task text.
var complexityKeywords = []string{
	"refactor", "migrate", "redesign", "rewrite", "architecture",
	"concurrency", "distributed", "integration", "end-to-end",
}

// MaxTurns resolves the adaptive turn budget for a work item. The
// first matching source wins: work-item-type override, task-type
// override, heuristic estimate, configured default. The result is
// clamped to the configured bounds.
func MaxTurns(item *models.WorkItem, cfg config.MaxTurnsConfig) int {
	turns := 0

	if v, ok := cfg.ByWorkItemType[string(item.Type)]; ok && v > 0 {
		turns = v
	} else if v, ok := cfg.ByTaskType[string(item.TaskType)]; ok && v > 0 {
		turns = v
	} else if est := estimateComplexity(item); est > 0 {
		turns = est
	} else {
		turns = cfg.Default
	}

	return clampTurns(turns, cfg)
}

// RetryMaxTurns expands the budget after an exhaustion retry and
// re-clamps it.
func RetryMaxTurns(base int, cfg config.MaxTurnsConfig) int {
	multiplier := cfg.RetryMultiplier
	if multiplier <= 1 {
		multiplier = 3.0
	}
	return clampTurns(int(float64(base)*multiplier), cfg)
}

func clampTurns(turns int, cfg config.MaxTurnsConfig) int {
	min, max := cfg.Min, cfg.Max
	if min <= 0 {
		min = 3
	}
	if max <= 0 {
		max = 150
	}
	if turns < min {
		return min
	}
	if turns > max {
		return max
	}
	return turns
}

// estimateComplexity derives a turn estimate from the task text:
// complexity keywords, file mentions, and description length. Returns 0
// when the text offers no signal.
func estimateComplexity(item *models.WorkItem) int {
	text := strings.ToLower(item.Title + " " + item.Description)
	if strings.TrimSpace(text) == "" {
		return 0
	}

	score := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(text, kw) {
			score += 10
		}
	}

	// Every distinct file mention suggests a unit of work.
	for _, word := range strings.Fields(text) {
		if strings.ContainsRune(word, '.') && !strings.HasSuffix(word, ".") {
			switch {
			case strings.HasSuffix(word, ".go"), strings.HasSuffix(word, ".json"),
				strings.HasSuffix(word, ".yaml"), strings.HasSuffix(word, ".yml"),
				strings.HasSuffix(word, ".md"), strings.HasSuffix(word, ".sql"):
				score += 3
			}
		}
	}

	if len(item.Description) > 500 {
		score += 10
	}

	if score == 0 {
		return 0
	}
	return score + 10
}
