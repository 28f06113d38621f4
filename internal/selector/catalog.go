// Package selector picks a (provider, model) pair for a task from a static
// capability catalog.
package selector

import "github.com/modelmux/modelmux/internal/types"

// Tier is a model capability tier.
type Tier int

// Capability tiers
const (
	TierBasic Tier = iota + 1
	TierStandard
	TierAdvanced
	TierExpert
)

// ModelInfo is the static capability record for one model. The catalog is
// populated once and never mutated.
type ModelInfo struct {
	Name            string
	Provider        string
	Capability      Tier
	ContextWindow   int
	CostTier        int // 1 cheapest .. 5 priciest
	SpeedTier       int // 1 fastest .. 5 slowest
	QualityTier     int // 1 lowest .. 5 highest
	Strengths       map[types.TaskType]bool
	MaxOutputTokens int
}

// Catalog is a read-only lookup table keyed by model name.
type Catalog struct {
	models map[string]ModelInfo
}

// NewCatalog builds a catalog from model records.
func NewCatalog(models []ModelInfo) *Catalog {
	m := make(map[string]ModelInfo, len(models))
	for _, info := range models {
		m[info.Name] = info
	}
	return &Catalog{models: m}
}

// Get returns the record for a model name.
func (c *Catalog) Get(name string) (ModelInfo, bool) {
	info, ok := c.models[name]
	return info, ok
}

// All returns every record in the catalog.
func (c *Catalog) All() []ModelInfo {
	out := make([]ModelInfo, 0, len(c.models))
	for _, info := range c.models {
		out = append(out, info)
	}
	return out
}

func strengths(tasks ...types.TaskType) map[types.TaskType]bool {
	m := make(map[types.TaskType]bool, len(tasks))
	for _, t := range tasks {
		m[t] = true
	}
	return m
}

// DefaultCatalog returns the built-in capability table.
func DefaultCatalog() *Catalog {
	return NewCatalog([]ModelInfo{
		{
			Name:            "gpt-4o",
			Provider:        "openai",
			Capability:      TierExpert,
			ContextWindow:   128000,
			CostTier:        4,
			SpeedTier:       3,
			QualityTier:     5,
			Strengths:       strengths(types.TaskCodeGeneration, types.TaskReasoning, types.TaskMath, types.TaskDataAnalysis),
			MaxOutputTokens: 16384,
		},
		{
			Name:            "gpt-4o-mini",
			Provider:        "openai",
			Capability:      TierStandard,
			ContextWindow:   128000,
			CostTier:        1,
			SpeedTier:       1,
			QualityTier:     3,
			Strengths:       strengths(types.TaskConversation, types.TaskSummarization, types.TaskQA),
			MaxOutputTokens: 16384,
		},
		{
			Name:            "claude-sonnet-4",
			Provider:        "anthropic",
			Capability:      TierExpert,
			ContextWindow:   200000,
			CostTier:        4,
			SpeedTier:       3,
			QualityTier:     5,
			Strengths:       strengths(types.TaskCodeGeneration, types.TaskCreativeWriting, types.TaskReasoning, types.TaskSummarization),
			MaxOutputTokens: 8192,
		},
		{
			Name:            "claude-haiku-4",
			Provider:        "anthropic",
			Capability:      TierStandard,
			ContextWindow:   200000,
			CostTier:        2,
			SpeedTier:       1,
			QualityTier:     3,
			Strengths:       strengths(types.TaskConversation, types.TaskTranslation, types.TaskQA),
			MaxOutputTokens: 8192,
		},
		{
			Name:            "llama-3-70b",
			Provider:        "local",
			Capability:      TierAdvanced,
			ContextWindow:   8192,
			CostTier:        1,
			SpeedTier:       4,
			QualityTier:     4,
			Strengths:       strengths(types.TaskGeneral, types.TaskConversation),
			MaxOutputTokens: 4096,
		},
	})
}
