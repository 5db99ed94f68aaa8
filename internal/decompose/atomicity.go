package decompose

import (
	"context"
	"fmt"
	"strings"

	"vibe/internal/domain"
	"vibe/internal/llm"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

// maxAtomFilePaths bounds how many files a single atom may touch.
const maxAtomFilePaths = 3

// AtomicityResult is the detector's verdict on one task.
type AtomicityResult struct {
	IsAtomic       bool    `json:"is_atomic"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	EstimatedHours float64 `json:"estimated_hours"`
}

// AtomicityDetector classifies a task as atomic or decomposable. Cheap
// heuristics decide the clear cases; the LLM breaks ties.
type AtomicityDetector struct {
	client        llm.Client
	minConfidence float64
	logger        logging.Logger
}

// NewAtomicityDetector builds a detector around the given completion client.
func NewAtomicityDetector(client llm.Client, minConfidence float64, logger logging.Logger) *AtomicityDetector {
	return &AtomicityDetector{
		client:        client,
		minConfidence: minConfidence,
		logger:        logging.OrNop(logger),
	}
}

// Analyze returns the atomicity verdict for draft within pctx.
func (d *AtomicityDetector) Analyze(ctx context.Context, draft Draft, pctx ProjectContext) (AtomicityResult, error) {
	verdict, decisive := d.heuristicVerdict(draft)
	if decisive {
		return verdict, nil
	}

	result, err := d.llmVerdict(ctx, draft, pctx)
	if err != nil {
		if verr.IsKind(err, verr.KindCancelled) {
			return AtomicityResult{}, err
		}
		// Parse or provider failure: fall back to the heuristic verdict at
		// reduced confidence rather than failing the whole node.
		d.logger.Warn("Atomicity LLM verdict unavailable for %q, using heuristics: %v", draft.Title, err)
		verdict.Confidence = 0.5
		return verdict, nil
	}
	return result, nil
}

// heuristicVerdict evaluates the four structural signals. The second return
// is false when the signals disagree and the LLM should break the tie.
func (d *AtomicityDetector) heuristicVerdict(draft Draft) (AtomicityResult, bool) {
	hoursOK := draft.EstimatedHours > 0 && draft.EstimatedHours <= domain.MaxAtomicHours
	singleCriterion := len(draft.AcceptanceCriteria) == 1
	noConnective := !domain.HasCompoundConnective(draft.Title)
	boundedFiles := len(draft.FilePaths) <= maxAtomFilePaths

	signals := 0
	for _, ok := range []bool{hoursOK, singleCriterion, noConnective, boundedFiles} {
		if ok {
			signals++
		}
	}

	switch {
	case signals == 4:
		return AtomicityResult{
			IsAtomic:       true,
			Confidence:     0.9,
			Reasoning:      "all heuristics agree: bounded estimate, single criterion, simple title, few files",
			EstimatedHours: draft.EstimatedHours,
		}, true
	case !noConnective || draft.EstimatedHours > 4*domain.MaxAtomicHours:
		return AtomicityResult{
			IsAtomic:       false,
			Confidence:     0.9,
			Reasoning:      "compound title or estimate far above the atom bound",
			EstimatedHours: draft.EstimatedHours,
		}, true
	default:
		// Indeterminate: lean towards the majority but let the LLM decide.
		return AtomicityResult{
			IsAtomic:       signals >= 3,
			Confidence:     0.5,
			Reasoning:      "heuristics indeterminate",
			EstimatedHours: draft.EstimatedHours,
		}, false
	}
}

const atomicitySchema = `{
  "type": "object",
  "required": ["is_atomic", "confidence", "reasoning", "estimated_hours"],
  "properties": {
    "is_atomic": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "estimated_hours": {"type": "number", "exclusiveMinimum": 0}
  }
}`

func (d *AtomicityDetector) llmVerdict(ctx context.Context, draft Draft, pctx ProjectContext) (AtomicityResult, error) {
	prompt := buildAtomicityPrompt(draft, pctx)
	raw, err := d.client.Complete(ctx, llm.Request{
		Prompt: prompt,
		Schema: atomicitySchema,
	})
	if err != nil {
		return AtomicityResult{}, err
	}

	var result AtomicityResult
	if err := llm.UnmarshalCompletion(raw, &result); err != nil {
		return AtomicityResult{}, err
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return AtomicityResult{}, verr.New(verr.KindParse, "atomicity confidence %g outside [0,1]", result.Confidence)
	}
	if result.EstimatedHours <= 0 {
		result.EstimatedHours = draft.EstimatedHours
	}
	if result.Confidence < d.minConfidence {
		d.logger.Debug("Atomicity verdict for %q below confidence floor (%.2f < %.2f)", draft.Title, result.Confidence, d.minConfidence)
	}
	return result, nil
}

func buildAtomicityPrompt(draft Draft, pctx ProjectContext) string {
	var b strings.Builder
	b.WriteString("Judge whether the following development task is atomic: completable in 5-10 minutes, ")
	b.WriteString("a single acceptance criterion, no bundled sub-steps.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", draft.Title)
	fmt.Fprintf(&b, "Description: %s\n", draft.Description)
	fmt.Fprintf(&b, "Estimated hours: %.3f\n", draft.EstimatedHours)
	fmt.Fprintf(&b, "Acceptance criteria (%d): %s\n", len(draft.AcceptanceCriteria), strings.Join(draft.AcceptanceCriteria, "; "))
	if len(draft.FilePaths) > 0 {
		fmt.Fprintf(&b, "Touched files: %s\n", strings.Join(draft.FilePaths, ", "))
	}
	if len(pctx.Languages) > 0 {
		fmt.Fprintf(&b, "Project languages: %s\n", strings.Join(pctx.Languages, ", "))
	}
	b.WriteString("\nRespond with JSON only.")
	return b.String()
}
