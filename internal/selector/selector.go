package selector

import (
	"sort"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/types"
)

// Scoring weights and bonuses.
const (
	capabilityPoints   = 30
	strengthPoints     = 25
	qualityMultiplier  = 5
	optimizePoints     = 5
	hugeContextBonus   = 10
	largeContextBonus  = 5
	hugeContextWindow  = 100000
	largeContextWindow = 32000
)

// Criteria constrains a selection.
type Criteria struct {
	TaskType      types.TaskType
	ContextLength int
	OptimizeCost  bool
	OptimizeSpeed bool
	MinQuality    int
}

// Choice is a scored (provider, model) selection.
type Choice struct {
	Provider string
	Model    string
	Score    float64
}

// Selector scores catalog models against the configured providers.
type Selector struct {
	catalog    *Catalog
	enabled    map[string]bool
	serves     map[string]map[string]bool // provider → model → served
	priorities map[string]int
}

// New builds a Selector from the catalog and provider configuration.
func New(catalog *Catalog, providers []config.ProviderConfig) *Selector {
	s := &Selector{
		catalog:    catalog,
		enabled:    make(map[string]bool),
		serves:     make(map[string]map[string]bool),
		priorities: make(map[string]int),
	}
	for i := range providers {
		p := &providers[i]
		if !p.Enabled {
			continue
		}
		s.enabled[p.Name] = true
		s.priorities[p.Name] = p.Priority
		models := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			models[m] = true
		}
		s.serves[p.Name] = models
	}
	return s
}

// available reports whether any enabled provider serves the model.
func (s *Selector) available(info ModelInfo) bool {
	return s.enabled[info.Provider] && s.serves[info.Provider][info.Name]
}

// ModelLimit returns the context window for a model, false if uncataloged.
func (s *Selector) ModelLimit(model string) (int, bool) {
	info, ok := s.catalog.Get(model)
	if !ok {
		return 0, false
	}
	return info.ContextWindow, true
}

// Select picks the best catalog model for the criteria. It returns a
// *types.SelectionError when no candidate survives filtering; it never
// falls back silently to an arbitrary model.
func (s *Selector) Select(c Criteria) (Choice, error) {
	type candidate struct {
		info  ModelInfo
		score float64
	}
	var candidates []candidate

	for _, info := range s.catalog.All() {
		if !s.available(info) {
			continue
		}
		if info.ContextWindow < c.ContextLength {
			continue
		}
		if info.QualityTier < c.MinQuality {
			continue
		}
		candidates = append(candidates, candidate{info: info, score: s.score(info, c)})
	}

	if len(candidates) == 0 {
		return Choice{}, &types.SelectionError{
			TaskType:      c.TaskType,
			ContextLength: c.ContextLength,
			Reason:        "no configured model passes the capability filters",
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].score != candidates[b].score {
			return candidates[a].score > candidates[b].score
		}
		return s.priorities[candidates[a].info.Provider] > s.priorities[candidates[b].info.Provider]
	})

	best := candidates[0]
	return Choice{
		Provider: best.info.Provider,
		Model:    best.info.Name,
		Score:    best.score,
	}, nil
}

// score rates one model against the criteria.
func (s *Selector) score(info ModelInfo, c Criteria) float64 {
	score := 0.0

	required := requiredTier(c.TaskType.Complexity())
	if info.Capability >= required {
		score += capabilityPoints
	} else {
		score += capabilityPoints * float64(info.Capability) / float64(required)
	}

	if info.Strengths[c.TaskType] {
		score += strengthPoints
	}

	score += float64(info.QualityTier) * qualityMultiplier

	if c.OptimizeCost {
		score += float64(6-info.CostTier) * optimizePoints
	}
	if c.OptimizeSpeed {
		score += float64(6-info.SpeedTier) * optimizePoints
	}

	switch {
	case info.ContextWindow >= hugeContextWindow:
		score += hugeContextBonus
	case info.ContextWindow >= largeContextWindow:
		score += largeContextBonus
	}

	return score
}

// requiredTier maps a 1-5 task complexity to the capability tier that
// earns full marks.
func requiredTier(complexity int) Tier {
	switch {
	case complexity <= 1:
		return TierBasic
	case complexity <= 3:
		return TierStandard
	case complexity == 4:
		return TierAdvanced
	default:
		return TierExpert
	}
}
