package decompose

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"vibe/internal/domain"
	"vibe/internal/llm"
	"vibe/internal/research"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const (
	defaultMaxDepth     = 5
	defaultMaxLeaves    = 500
	defaultMaxWallClock = 120 * time.Second
)

// EngineConfig bounds one decomposition run.
type EngineConfig struct {
	MaxDepth     int
	MaxLeaves    int
	MaxWallClock time.Duration
	// LLMRetry governs decomposition calls: parse errors and transient
	// provider failures are retried with exponential backoff.
	LLMRetry verr.RetryConfig
}

// DefaultEngineConfig returns the documented caps.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxDepth:     defaultMaxDepth,
		MaxLeaves:    defaultMaxLeaves,
		MaxWallClock: defaultMaxWallClock,
		LLMRetry: verr.RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    1 * time.Second,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.25,
		},
	}
}

// Observer receives per-node progress while the engine runs.
type Observer func(result NodeResult, leavesSoFar int)

// Outcome is what one engine run produced.
type Outcome struct {
	Leaves []Draft
	// Partial is set when a cap (leaves or wall clock) stopped the run early.
	Partial bool
}

// Engine turns a root task into atomic leaves grouped by functional area.
type Engine struct {
	atomicity *AtomicityDetector
	trigger   *ResearchDetector
	provider  research.Provider
	client    llm.Client
	cfg       EngineConfig
	logger    logging.Logger
}

// NewEngine wires the decomposition pipeline.
func NewEngine(client llm.Client, atomicity *AtomicityDetector, trigger *ResearchDetector, provider research.Provider, cfg EngineConfig, logger logging.Logger) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxLeaves <= 0 {
		cfg.MaxLeaves = defaultMaxLeaves
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = defaultMaxWallClock
	}
	if provider == nil {
		provider = research.Nop{}
	}
	return &Engine{
		atomicity: atomicity,
		trigger:   trigger,
		provider:  provider,
		client:    client,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// Decompose runs the recursive pipeline. Cancellation is cooperative: the
// context is checked before every atomicity decision. On a cap the engine
// returns the leaves found so far with Partial set rather than failing.
func (e *Engine) Decompose(ctx context.Context, root Draft, pctx ProjectContext, observe Observer) (Outcome, error) {
	if observe == nil {
		observe = func(NodeResult, int) {}
	}
	deadline := time.Now().Add(e.cfg.MaxWallClock)

	var leaves []Draft
	outcome, err := e.walk(ctx, root, pctx, 0, deadline, &leaves, observe)
	if err != nil {
		return Outcome{Leaves: leaves}, err
	}
	return Outcome{Leaves: leaves, Partial: outcome}, nil
}

// walk returns whether a cap was hit.
func (e *Engine) walk(ctx context.Context, task Draft, pctx ProjectContext, depth int, deadline time.Time, leaves *[]Draft, observe Observer) (bool, error) {
	// Cooperative cancellation point, once per node.
	if err := ctx.Err(); err != nil {
		return false, verr.Wrap(err, verr.KindCancelled, "decomposition cancelled at %q", task.Title)
	}
	if len(*leaves) >= e.cfg.MaxLeaves {
		e.logger.Warn("Leaf cap (%d) reached, returning partial tree", e.cfg.MaxLeaves)
		return true, nil
	}
	if time.Now().After(deadline) {
		e.logger.Warn("Wall-clock cap reached, returning partial tree")
		return true, nil
	}
	if depth >= e.cfg.MaxDepth {
		e.logger.Debug("Depth guard at %d for %q, keeping as leaf", depth, task.Title)
		*leaves = append(*leaves, normalizeLeaf(task))
		return false, nil
	}

	verdict, err := e.atomicity.Analyze(ctx, task, pctx)
	if err != nil {
		return false, err
	}
	observe(NodeResult{
		Title:      task.Title,
		Depth:      depth,
		IsAtomic:   verdict.IsAtomic,
		Confidence: verdict.Confidence,
		Reasoning:  verdict.Reasoning,
	}, len(*leaves))

	if verdict.IsAtomic {
		if verdict.EstimatedHours > 0 {
			task.EstimatedHours = verdict.EstimatedHours
		}
		*leaves = append(*leaves, normalizeLeaf(task))
		return false, nil
	}

	if decision := e.trigger.Evaluate(task.Title, task, pctx); decision.ShouldTriggerResearch {
		pctx = e.enrich(ctx, task, pctx, decision)
	}

	subtasks, err := e.llmDecompose(ctx, task, pctx, false)
	if err != nil {
		return false, err
	}
	subtasks, err = e.normalize(ctx, task, pctx, subtasks)
	if err != nil {
		return false, err
	}

	for _, sub := range subtasks {
		capped, err := e.walk(ctx, sub, pctx, depth+1, deadline, leaves, observe)
		if err != nil {
			return false, err
		}
		if capped {
			return true, nil
		}
	}
	return false, nil
}

// enrich runs a research pass and folds the context back into pctx. Research
// failures degrade: decomposition continues without the extra context.
func (e *Engine) enrich(ctx context.Context, task Draft, pctx ProjectContext, decision ResearchDecision) ProjectContext {
	query := fmt.Sprintf("%s (%s)", task.Title, decision.PrimaryReason)
	notes, err := e.provider.Research(ctx, query, decision.RecommendedScope)
	if err != nil {
		e.logger.Warn("Research pass failed for %q: %v", task.Title, err)
		return pctx
	}
	if strings.TrimSpace(notes) != "" {
		pctx.ResearchNotes = append(pctx.ResearchNotes, notes)
	}
	return pctx
}

// subtaskDoc is the schema the decomposition completion must satisfy.
type subtaskDoc struct {
	Subtasks []Draft `json:"subtasks"`
}

const decomposeSchema = `{
  "type": "object",
  "required": ["subtasks"],
  "properties": {
    "subtasks": {
      "type": "array",
      "minItems": 2,
      "maxItems": 8,
      "items": {
        "type": "object",
        "required": ["title", "description", "type", "priority", "estimated_hours", "functional_area", "acceptance_criteria"],
        "properties": {
          "title": {"type": "string"},
          "description": {"type": "string"},
          "type": {"type": "string"},
          "priority": {"type": "string"},
          "estimated_hours": {"type": "number"},
          "functional_area": {"type": "string"},
          "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
          "file_paths": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

func (e *Engine) llmDecompose(ctx context.Context, task Draft, pctx ProjectContext, tighter bool) ([]Draft, error) {
	prompt := buildDecomposePrompt(task, pctx, tighter)

	doc, err := verr.RetryWithResult(ctx, e.cfg.LLMRetry, func(ctx context.Context) (subtaskDoc, error) {
		raw, err := e.client.Complete(ctx, llm.Request{Prompt: prompt, Schema: decomposeSchema})
		if err != nil {
			return subtaskDoc{}, err
		}
		var parsed subtaskDoc
		if err := llm.UnmarshalCompletion(raw, &parsed); err != nil {
			return subtaskDoc{}, err
		}
		if len(parsed.Subtasks) == 0 {
			return subtaskDoc{}, verr.New(verr.KindParse, "decomposition produced no subtasks")
		}
		return parsed, nil
	}, e.logger)
	if err != nil {
		return nil, err
	}
	return doc.Subtasks, nil
}

// normalize applies the anti-scaffolding rules: every subtask gets a
// functional area from the closed vocabulary, compound titles are split and
// re-enqueued, and out-of-range estimates get one tighter retry.
func (e *Engine) normalize(ctx context.Context, parent Draft, pctx ProjectContext, subtasks []Draft) ([]Draft, error) {
	var out []Draft
	retried := false

	for _, sub := range subtasks {
		sub.FunctionalArea = domain.NormalizeFunctionalArea(string(sub.FunctionalArea))
		if sub.Type == "" || !sub.Type.IsValid() {
			sub.Type = parent.Type
		}
		if sub.Priority == "" || !sub.Priority.IsValid() {
			sub.Priority = parent.Priority
		}

		if domain.HasCompoundConnective(sub.Title) {
			first, second := splitCompoundTitle(sub.Title)
			half := sub.EstimatedHours / 2
			for _, title := range []string{first, second} {
				piece := sub
				piece.Title = title
				piece.EstimatedHours = half
				out = append(out, piece)
			}
			continue
		}

		if (sub.EstimatedHours <= 0 || sub.EstimatedHours > domain.MaxAtomicHours) && !retried {
			// One tighter re-ask for the whole batch; further misses just
			// recurse as non-atomic nodes.
			retried = true
			refined, err := e.llmDecompose(ctx, sub, pctx, true)
			if err == nil && len(refined) > 0 {
				out = append(out, refined...)
				continue
			}
			if err != nil {
				e.logger.Debug("Tighter decomposition retry failed for %q: %v", sub.Title, err)
			}
		}
		out = append(out, sub)
	}
	return out, nil
}

var connectiveSplitRe = regexp.MustCompile(`(?i)\s*\b(and|or|then)\b\s*`)

// splitCompoundTitle breaks a title at its first connective.
func splitCompoundTitle(title string) (string, string) {
	loc := connectiveSplitRe.FindStringIndex(title)
	if loc == nil {
		half := len(title) / 2
		return strings.TrimSpace(title[:half]), strings.TrimSpace(title[half:])
	}
	first := strings.TrimSpace(title[:loc[0]])
	second := strings.TrimSpace(title[loc[1]:])
	if first == "" {
		first = second
	}
	if second == "" {
		second = first
	}
	return first, second
}

func buildDecomposePrompt(task Draft, pctx ProjectContext, tighter bool) string {
	var b strings.Builder
	b.WriteString("Split the following development task into 2-6 subtasks.\n")
	b.WriteString("Each subtask needs: title (no 'and'/'or'/'then'), description, type, priority, ")
	b.WriteString("estimated_hours, functional_area, exactly one acceptance criterion, optional file_paths.\n")
	fmt.Fprintf(&b, "Allowed functional areas: %s.\n", joinAreas())
	if tighter {
		b.WriteString("Every estimate MUST be at most 0.17 hours (about ten minutes). Split further if needed.\n")
	}
	fmt.Fprintf(&b, "\nTask: %s\n%s\n", task.Title, task.Description)
	if len(pctx.ResearchNotes) > 0 {
		fmt.Fprintf(&b, "\nContext:\n%s\n", strings.Join(pctx.ResearchNotes, "\n"))
	}
	b.WriteString("\nRespond with JSON only.")
	return b.String()
}

func joinAreas() string {
	names := make([]string, len(domain.FunctionalAreas))
	for i, area := range domain.FunctionalAreas {
		names[i] = string(area)
	}
	return strings.Join(names, ", ")
}

// normalizeLeaf clamps a leaf draft into atom shape.
func normalizeLeaf(task Draft) Draft {
	task.FunctionalArea = domain.NormalizeFunctionalArea(string(task.FunctionalArea))
	if task.EstimatedHours <= 0 || task.EstimatedHours > domain.MaxAtomicHours {
		task.EstimatedHours = domain.MaxAtomicHours
	}
	if len(task.AcceptanceCriteria) == 0 {
		task.AcceptanceCriteria = []string{task.Title + " is implemented and verified"}
	} else if len(task.AcceptanceCriteria) > 1 {
		task.AcceptanceCriteria = task.AcceptanceCriteria[:1]
	}
	if task.Type == "" || !task.Type.IsValid() {
		task.Type = domain.TaskTypeDevelopment
	}
	if task.Priority == "" || !task.Priority.IsValid() {
		task.Priority = domain.PriorityMedium
	}
	return task
}
