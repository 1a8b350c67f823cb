// Package executor drives one task from picked-up to a terminal
// outcome: it assembles prompts, dispatches to the agent, records
// iterations and the token ledger, scores responses, and applies the
// decision engine's verdict each turn.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/agentapi"
	"github.com/loomctl/loom/internal/breakpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/decision"
	"github.com/loomctl/loom/internal/errkind"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/llm"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/window"
	"github.com/loomctl/loom/pkg/models"
)

// metadata key flagging that the last execution exhausted its turns.
const metaTurnExhausted = "turn_exhausted"

// iterationRetryBudget bounds retry_iteration decisions per execution.
const iterationRetryBudget = 2

// confidence ensemble weights: heuristic 0.4, supervising LLM 0.6.
const (
	heuristicWeight = 0.4
	llmWeight       = 0.6
)

// Result is the terminal outcome of one task execution.
type Result struct {
	// Outcome classifies how the execution ended.
	Outcome models.Outcome
	// Iterations is how many prompt/response rounds ran.
	Iterations int
	// Quality is the final quality score.
	Quality float64
	// SessionID is the session the last iteration ran in.
	SessionID string
	// Assessment is set when turn exhaustion triggered deliverable
	// assessment.
	Assessment *Assessment
	// BreakpointID is the raised breakpoint's handle, when blocked.
	BreakpointID int64
}

// Executor runs the per-task execution loop.
type Executor struct {
	db          *store.DB
	agent       agentapi.Agent
	supervisor  llm.Supervisor
	windows     *window.Manager
	breakpoints *breakpoint.Manager
	execCfg     config.ExecutionConfig
	thresholds  config.ThresholdsConfig
	timeouts    config.TimeoutsConfig
	bus         *events.Bus
	debug       *logging.DebugLogger
	workDir     string
}

// Params collects the executor's collaborators and configuration.
type Params struct {
	DB          *store.DB
	Agent       agentapi.Agent
	Supervisor  llm.Supervisor
	Windows     *window.Manager
	Breakpoints *breakpoint.Manager
	Execution   config.ExecutionConfig
	Thresholds  config.ThresholdsConfig
	Timeouts    config.TimeoutsConfig
	Bus         *events.Bus
	Debug       *logging.DebugLogger
	WorkDir     string
}

// New creates an Executor.
func New(p Params) *Executor {
	return &Executor{
		db:          p.DB,
		agent:       p.Agent,
		supervisor:  p.Supervisor,
		windows:     p.Windows,
		breakpoints: p.Breakpoints,
		execCfg:     p.Execution,
		thresholds:  p.Thresholds,
		timeouts:    p.Timeouts,
		bus:         p.Bus,
		debug:       p.Debug,
		workDir:     p.WorkDir,
	}
}

// Execute drives one running task to a terminal outcome inside the
// given session. The caller (the runner) feeds the result back to the
// scheduler; Execute itself transitions status only when escalating a
// breakpoint.
func (e *Executor) Execute(ctx context.Context, task *models.WorkItem, session *models.Session) (*Result, error) {
	maxTurns := MaxTurns(task, e.execCfg.MaxTurns)
	if exhausted, _ := task.Metadata[metaTurnExhausted].(bool); exhausted {
		maxTurns = RetryMaxTurns(maxTurns, e.execCfg.MaxTurns)
	}

	e.debug.Log("[executor] task %d: starting (max_turns=%d, session=%s)",
		task.ID, maxTurns, session.ID)

	// Watch the work dir so deliverables count even when the response
	// never names them.
	var watcher *Watcher
	if e.workDir != "" {
		w, err := WatchWorkDir(e.workDir)
		if err != nil {
			e.debug.Log("[executor] task %d: file watch unavailable, relying on response extraction: %v",
				task.ID, err)
		} else {
			watcher = w
			defer watcher.Close()
		}
	}

	bundle := &PromptBundle{Task: task}
	bundle.SessionSummary = session.Summary
	retryBudget := iterationRetryBudget
	var filesSeen []string
	var lastQuality float64

	for i := 1; i <= maxTurns; i++ {
		// Cooperative cancellation between iterations.
		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(ctx.Err(), errkind.Cancelled, "executor",
				"task %d cancelled before iteration %d", task.ID, i)
		default:
		}

		// Window check; refresh carries a summary into a successor.
		current, err := e.windows.ActiveSession(session.ProjectID)
		if err == nil && current.ID == session.ID {
			zone := e.windows.ZoneOf(current.Utilization())
			if e.windows.ShouldRefresh(zone) {
				successor, err := e.windows.Refresh(ctx, session.ID)
				if err != nil {
					return nil, err
				}
				session = successor
				bundle.SessionSummary = successor.Summary
			}
		}

		prompt := bundle.Render()
		promptDigest := Digest(prompt)

		iteration := &models.Iteration{
			TaskID:       task.ID,
			SessionID:    session.ID,
			Index:        i,
			PromptDigest: promptDigest,
			StartedAt:    time.Now().UTC(),
		}
		err = e.db.Update(func(tx *store.Tx) error {
			return tx.CreateIteration(iteration)
		})
		if err != nil {
			return nil, err
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, e.agentTimeout())
		resp, err := e.agent.Send(dispatchCtx, agentapi.Request{
			Prompt:         prompt,
			Context:        bundle.SessionSummary,
			IdempotencyKey: uuid.NewString(),
		})
		cancel()
		if err != nil {
			return nil, err
		}

		if _, err := e.windows.AddIterationTokens(session.ID, resp.Tokens); err != nil {
			return nil, err
		}

		validationOK := ValidateResponse(resp.Text)
		quality := 0.0
		if validationOK {
			quality = QualityScore(task, resp.Text)
		}
		confidence := e.confidence(ctx, task, resp.Text, validationOK, quality)
		lastQuality = quality

		act := decision.Decide(decision.Signals{
			ValidationOK: validationOK,
			Quality:      quality,
			Confidence:   confidence,
			Iteration:    i,
			MaxTurns:     maxTurns,
			RetryBudget:  retryBudget,
		}, e.thresholds)

		iteration.ResponseDigest = Digest(resp.Text)
		iteration.Tokens = resp.Tokens
		iteration.ValidationOK = validationOK
		iteration.Quality = quality
		iteration.Confidence = confidence
		iteration.Decision = string(act)
		err = e.db.Update(func(tx *store.Tx) error {
			return tx.FinishIteration(iteration)
		})
		if err != nil {
			return nil, err
		}

		e.bus.Emit(events.Event{
			Type:      events.EventIterationRecorded,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			SessionID: session.ID,
			Payload:   map[string]any{"index": i, "decision": string(act)},
		})
		e.debug.Log("[executor] task %d iteration %d: validated=%v quality=%.2f confidence=%.2f -> %s",
			task.ID, i, validationOK, quality, confidence, act)

		filesSeen = mergeFiles(filesSeen, ExtractFilePaths(resp.Text))

		switch act {
		case decision.Complete:
			e.clearExhaustionFlag(task)
			return &Result{
				Outcome:    models.OutcomeSuccess,
				Iterations: i,
				Quality:    quality,
				SessionID:  session.ID,
			}, nil

		case decision.EscalateBreakpoint:
			reason := fmt.Sprintf("confidence %.2f below threshold at iteration %d", confidence, i)
			if !validationOK {
				reason = fmt.Sprintf("validation failed with no retry budget at iteration %d", i)
			}
			bp, err := e.breakpoints.Raise(task.ID, reason)
			if err != nil {
				return nil, err
			}
			return &Result{
				Outcome:      models.OutcomeBlocked,
				Iterations:   i,
				Quality:      quality,
				SessionID:    session.ID,
				BreakpointID: bp.ID,
			}, nil

		case decision.RetryIteration:
			retryBudget--
			bundle.Feedback = "The previous response failed structural validation. Produce a complete, well-formed response."
			bundle.PriorDigest = iteration.ResponseDigest

		case decision.RefineAndContinue:
			bundle.Feedback = fmt.Sprintf(
				"Quality %.2f and confidence %.2f did not meet the completion bar. Address gaps and continue.",
				quality, confidence)
			bundle.PriorDigest = iteration.ResponseDigest

		case decision.AssessDeliverables:
			// Budget exhausted; fall through to assessment below.
		}

		if act == decision.AssessDeliverables {
			break
		}
	}

	// Turn exhaustion: classify by what was actually delivered.
	if watcher != nil {
		filesSeen = mergeFiles(filesSeen, watcher.Files())
	}
	assessment := AssessDeliverables(e.workDir, filesSeen)
	e.markExhaustion(task)
	e.debug.Log("[executor] task %d: exhausted %d turns, assessment quality=%.2f outcome=%s",
		task.ID, maxTurns, assessment.Quality, assessment.Outcome)

	return &Result{
		Outcome:    assessment.Outcome,
		Iterations: maxTurns,
		Quality:    maxFloat(assessment.Quality, lastQuality),
		SessionID:  session.ID,
		Assessment: &assessment,
	}, nil
}

func (e *Executor) agentTimeout() time.Duration {
	if d := e.timeouts.Agent(); d > 0 {
		return d
	}
	return 2 * time.Hour
}

// confidence blends the heuristic signal with the supervising LLM's
// assessment. When the supervisor is unavailable or fails, the
// heuristic stands alone and the degradation is logged.
func (e *Executor) confidence(ctx context.Context, task *models.WorkItem, text string, validationOK bool, quality float64) float64 {
	heuristic := HeuristicConfidence(validationOK, quality)

	if e.supervisor == nil || !e.supervisor.Available() {
		return heuristic
	}

	prompt := fmt.Sprintf(
		"Rate from 0.0 to 1.0 how confident you are that this response completes the task %q. Reply with only the number.\n\n%s",
		task.Title, truncate(text, 4000))
	reply, err := e.supervisor.Generate(ctx, prompt, llm.Options{MaxTokens: 8, Timeout: e.timeouts.LLM()})
	if err != nil {
		e.debug.Log("[executor] task %d: confidence supervisor degraded to heuristic: %v", task.ID, err)
		return heuristic
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil || score < 0 || score > 1 {
		e.debug.Log("[executor] task %d: unparseable confidence %q, using heuristic", task.ID, reply)
		return heuristic
	}
	return heuristicWeight*heuristic + llmWeight*score
}

func (e *Executor) markExhaustion(task *models.WorkItem) {
	err := e.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(task.ID)
		if err != nil {
			return err
		}
		if item.Metadata == nil {
			item.Metadata = models.Metadata{}
		}
		item.Metadata[metaTurnExhausted] = true
		return tx.UpdateWorkItem(item)
	})
	if err != nil {
		e.debug.Log("[executor] task %d: record turn exhaustion: %v", task.ID, err)
	}
}

func (e *Executor) clearExhaustionFlag(task *models.WorkItem) {
	if _, ok := task.Metadata[metaTurnExhausted]; !ok {
		return
	}
	err := e.db.Update(func(tx *store.Tx) error {
		item, err := tx.GetWorkItem(task.ID)
		if err != nil {
			return err
		}
		delete(item.Metadata, metaTurnExhausted)
		return tx.UpdateWorkItem(item)
	})
	if err != nil {
		e.debug.Log("[executor] task %d: clear turn exhaustion: %v", task.ID, err)
	}
}

var filePathPattern = regexp.MustCompile(`[\w./-]+\.(go|json|yaml|yml|md|sql|sh|toml)\b`)

// ExtractFilePaths pulls plausible file paths out of a response so
// deliverable assessment knows what to inspect.
func ExtractFilePaths(text string) []string {
	matches := filePathPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		m = strings.TrimPrefix(m, "./")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func mergeFiles(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, f := range have {
		seen[f] = true
	}
	for _, f := range add {
		if !seen[f] {
			seen[f] = true
			have = append(have, f)
		}
	}
	return have
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
