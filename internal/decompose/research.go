package decompose

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"vibe/internal/research"
	"vibe/internal/shared/logging"
)

const (
	defaultDecisionCacheSize = 512
	defaultDecisionCacheTTL  = 10 * time.Minute
	complexityThreshold      = 0.4
	knowledgeGapFileFloor    = 5
	knowledgeGapRelevance    = 0.5
)

// ResearchReason names the trigger that decided a research pass.
type ResearchReason string

const (
	ReasonProjectType       ResearchReason = "project_type"
	ReasonTaskComplexity    ResearchReason = "task_complexity"
	ReasonKnowledgeGap      ResearchReason = "knowledge_gap"
	ReasonDomainSpecific    ResearchReason = "domain_specific"
	ReasonSufficientContext ResearchReason = "sufficient_context"
)

// ConditionEval records one evaluated trigger for diagnostics.
type ConditionEval struct {
	Reason    ResearchReason `json:"reason"`
	Triggered bool           `json:"triggered"`
	Detail    string         `json:"detail,omitempty"`
}

// ResearchDecision is the detector's verdict on whether to research first.
type ResearchDecision struct {
	ShouldTriggerResearch bool            `json:"should_trigger_research"`
	PrimaryReason         ResearchReason  `json:"primary_reason"`
	Confidence            float64         `json:"confidence"`
	RecommendedScope      research.Scope  `json:"recommended_scope"`
	EvaluatedConditions   []ConditionEval `json:"evaluated_conditions"`
}

// architecturalIndicators raise the complexity score when present in a task.
var architecturalIndicators = []string{
	"microservice", "distributed", "blockchain", "event-driven", "sharding",
	"consensus", "real-time", "streaming", "federation", "multi-region",
	"machine learning", "neural", "kubernetes", "service mesh",
}

// specializedDomains map language/framework hints to domains that warrant a
// targeted research pass.
var specializedDomains = []string{
	"blockchain", "solidity", "tensorflow", "pytorch", "ml", "cuda",
	"embedded", "rtos", "fpga", "webassembly", "unity", "webgl",
}

// ResearchDetector decides whether decomposition needs a research pass first.
// Decisions are cached per (task, project) so re-visiting a node during
// recursion doesn't re-evaluate.
type ResearchDetector struct {
	cache  *expirable.LRU[string, ResearchDecision]
	logger logging.Logger

	mu            sync.Mutex
	evalCount     int64
	totalEvalTime time.Duration
}

// NewResearchDetector builds a detector with the given decision-cache TTL.
func NewResearchDetector(cacheTTL time.Duration, logger logging.Logger) *ResearchDetector {
	if cacheTTL <= 0 {
		cacheTTL = defaultDecisionCacheTTL
	}
	return &ResearchDetector{
		cache:  expirable.NewLRU[string, ResearchDecision](defaultDecisionCacheSize, nil, cacheTTL),
		logger: logging.OrNop(logger),
	}
}

// Evaluate runs the priority-ordered triggers for the task.
func (d *ResearchDetector) Evaluate(taskID string, draft Draft, pctx ProjectContext) ResearchDecision {
	key := taskID + "/" + pctx.ProjectID
	if cached, ok := d.cache.Get(key); ok {
		return cached
	}

	start := time.Now()
	decision := d.evaluate(draft, pctx)
	d.cache.Add(key, decision)

	d.mu.Lock()
	d.evalCount++
	d.totalEvalTime += time.Since(start)
	d.mu.Unlock()

	return decision
}

func (d *ResearchDetector) evaluate(draft Draft, pctx ProjectContext) ResearchDecision {
	var evaluated []ConditionEval

	// 1. Greenfield project: nothing to read, research deeply.
	greenfield := pctx.TotalFiles == 0
	evaluated = append(evaluated, ConditionEval{Reason: ReasonProjectType, Triggered: greenfield})
	if greenfield {
		return ResearchDecision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonProjectType,
			Confidence:            0.95,
			RecommendedScope:      research.Scope{Depth: research.DepthDeep, EstimatedQueries: 8},
			EvaluatedConditions:   evaluated,
		}
	}

	// 2. Architecturally complex task.
	score, hits := complexityScore(draft)
	complex := score > complexityThreshold
	evaluated = append(evaluated, ConditionEval{
		Reason: ReasonTaskComplexity, Triggered: complex,
		Detail: strings.Join(hits, ","),
	})
	if complex {
		return ResearchDecision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonTaskComplexity,
			Confidence:            0.8,
			RecommendedScope:      research.Scope{Depth: research.DepthModerate, EstimatedQueries: 5},
			EvaluatedConditions:   evaluated,
		}
	}

	// 3. Too little or too irrelevant context.
	gap := pctx.TotalFiles < knowledgeGapFileFloor || pctx.AvgRelevance < knowledgeGapRelevance
	evaluated = append(evaluated, ConditionEval{Reason: ReasonKnowledgeGap, Triggered: gap})
	if gap {
		return ResearchDecision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonKnowledgeGap,
			Confidence:            0.7,
			RecommendedScope:      research.Scope{Depth: research.DepthModerate, EstimatedQueries: 4},
			EvaluatedConditions:   evaluated,
		}
	}

	// 4. Specialized domain inferred from the stack.
	domainHit := specializedDomain(pctx)
	evaluated = append(evaluated, ConditionEval{Reason: ReasonDomainSpecific, Triggered: domainHit != "", Detail: domainHit})
	if domainHit != "" {
		return ResearchDecision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonDomainSpecific,
			Confidence:            0.75,
			RecommendedScope:      research.Scope{Depth: research.DepthTargeted, EstimatedQueries: 3},
			EvaluatedConditions:   evaluated,
		}
	}

	evaluated = append(evaluated, ConditionEval{Reason: ReasonSufficientContext, Triggered: true})
	return ResearchDecision{
		ShouldTriggerResearch: false,
		PrimaryReason:         ReasonSufficientContext,
		Confidence:            0.9,
		EvaluatedConditions:   evaluated,
	}
}

// Stats reports how many evaluations ran and their average duration.
func (d *ResearchDetector) Stats() (count int64, avg time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evalCount == 0 {
		return 0, 0
	}
	return d.evalCount, d.totalEvalTime / time.Duration(d.evalCount)
}

func complexityScore(draft Draft) (float64, []string) {
	text := strings.ToLower(draft.Title + " " + draft.Description)
	var hits []string
	for _, indicator := range architecturalIndicators {
		if strings.Contains(text, indicator) {
			hits = append(hits, indicator)
		}
	}
	// Each indicator contributes 0.25; two or more clear the threshold.
	score := float64(len(hits)) * 0.25
	if score > 1 {
		score = 1
	}
	return score, hits
}

func specializedDomain(pctx ProjectContext) string {
	for _, candidate := range append(append([]string{}, pctx.Languages...), pctx.Frameworks...) {
		lowered := strings.ToLower(candidate)
		for _, dom := range specializedDomains {
			if strings.Contains(lowered, dom) {
				return dom
			}
		}
	}
	return ""
}
