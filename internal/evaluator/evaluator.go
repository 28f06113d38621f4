// Package evaluator scores completed responses on heuristic quality
// dimensions weighted by task type.
package evaluator

import (
	"regexp"
	"strings"

	"github.com/modelmux/modelmux/internal/types"
)

// Evaluation is the scoring result for one response.
type Evaluation struct {
	Overall    float64            `json:"overall"`
	Dimensions map[string]float64 `json:"dimensions"`
	Issues     []string           `json:"issues,omitempty"`
	Strengths  []string           `json:"strengths,omitempty"`
}

// Dimension names.
const (
	DimRelevance    = "relevance"
	DimCompleteness = "completeness"
	DimAccuracy     = "accuracy"
	DimClarity      = "clarity"
	DimCoherence    = "coherence"
	DimCreativity   = "creativity"
)

// minLengths is the task-specific minimum response length in characters.
var minLengths = map[types.TaskType]int{
	types.TaskCodeGeneration:  100,
	types.TaskDataAnalysis:    150,
	types.TaskConversation:    10,
	types.TaskSummarization:   50,
	types.TaskTranslation:     5,
	types.TaskCreativeWriting: 150,
	types.TaskQA:              20,
	types.TaskReasoning:       100,
	types.TaskMath:            30,
	types.TaskGeneral:         20,
}

// weights per task type; unlisted dimensions get the default weight.
var taskWeights = map[types.TaskType]map[string]float64{
	types.TaskCodeGeneration: {
		DimAccuracy: 0.35, DimCompleteness: 0.25, DimRelevance: 0.2, DimClarity: 0.1, DimCoherence: 0.1,
	},
	types.TaskMath: {
		DimAccuracy: 0.4, DimCompleteness: 0.25, DimRelevance: 0.15, DimClarity: 0.1, DimCoherence: 0.1,
	},
	types.TaskReasoning: {
		DimAccuracy: 0.3, DimCoherence: 0.25, DimCompleteness: 0.2, DimRelevance: 0.15, DimClarity: 0.1,
	},
	types.TaskCreativeWriting: {
		DimCreativity: 0.3, DimCoherence: 0.25, DimClarity: 0.2, DimCompleteness: 0.15, DimRelevance: 0.1,
	},
}

var defaultWeights = map[string]float64{
	DimRelevance: 0.25, DimCompleteness: 0.25, DimAccuracy: 0.2, DimClarity: 0.15, DimCoherence: 0.15,
}

var (
	hedgingPhrases = []string{
		"i'm not sure", "i am not sure", "i think", "possibly", "it might be",
		"i believe", "probably", "i cannot be certain", "hard to say",
	}
	apologyPhrases = []string{
		"i apologize", "i'm sorry", "i am sorry", "sorry,",
	}
	truncationMarkers = []string{
		"to be continued", "...", "[continued]", "[truncated]",
	}
	directAnswerOpeners = []string{
		"yes", "no", "the answer", "to do this", "you can", "here's", "here is",
	}
	connectives = []string{
		"however", "therefore", "because", "consequently", "first", "second",
		"finally", "moreover", "in addition", "as a result",
	}

	sentenceSplit = regexp.MustCompile(`[.!?]+\s+`)
	mathNotation  = regexp.MustCompile(`[=+\-*/^]|\\frac|\\sum|\d+\s*[+\-*/]\s*\d+`)
)

// Evaluator scores responses. Stateless; safe for concurrent use.
type Evaluator struct{}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate scores the response text against the originating request.
func (e *Evaluator) Evaluate(req *types.Request, text string) Evaluation {
	dims := map[string]float64{
		DimRelevance:    e.relevance(req, text),
		DimCompleteness: e.completeness(req.TaskType, text),
		DimAccuracy:     e.accuracy(req.TaskType, text),
		DimClarity:      e.clarity(text),
		DimCoherence:    e.coherence(text),
	}
	if req.TaskType == types.TaskCreativeWriting {
		dims[DimCreativity] = e.creativity(text)
	}

	weights, ok := taskWeights[req.TaskType]
	if !ok {
		weights = defaultWeights
	}

	overall := 0.0
	totalWeight := 0.0
	for dim, score := range dims {
		w, ok := weights[dim]
		if !ok {
			continue
		}
		overall += score * w
		totalWeight += w
	}
	if totalWeight > 0 {
		overall /= totalWeight
	}

	ev := Evaluation{
		Overall:    clamp(overall),
		Dimensions: dims,
	}
	ev.Issues, ev.Strengths = e.annotate(req.TaskType, text, dims)
	return ev
}

// relevance measures keyword overlap between the last user turn and the
// response, boosted when the response opens with a direct answer.
func (e *Evaluator) relevance(req *types.Request, text string) float64 {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			lastUser = req.Messages[i].Content
			break
		}
	}
	if lastUser == "" {
		return 0.5
	}

	keywords := significantWords(lastUser)
	if len(keywords) == 0 {
		return 0.5
	}

	lowered := strings.ToLower(text)
	hits := 0
	for word := range keywords {
		if strings.Contains(lowered, word) {
			hits++
		}
	}
	score := float64(hits) / float64(len(keywords))

	trimmed := strings.ToLower(strings.TrimSpace(text))
	for _, opener := range directAnswerOpeners {
		if strings.HasPrefix(trimmed, opener) {
			score += 0.2
			break
		}
	}
	return clamp(score)
}

// completeness penalizes truncation markers and too-short responses.
func (e *Evaluator) completeness(task types.TaskType, text string) float64 {
	score := 1.0
	lowered := strings.ToLower(text)

	for _, marker := range truncationMarkers {
		if strings.HasSuffix(strings.TrimSpace(lowered), marker) {
			score -= 0.3
			break
		}
	}
	if strings.Contains(lowered, "to be continued") {
		score -= 0.3
	}

	min := minLengths[task]
	if min == 0 {
		min = minLengths[types.TaskGeneral]
	}
	switch {
	case len(text) < min/2:
		score -= 0.5
	case len(text) < min:
		score -= 0.25
	}
	return clamp(score)
}

// accuracy penalizes hedging and apologies, and rewards structural
// evidence for code and math tasks.
func (e *Evaluator) accuracy(task types.TaskType, text string) float64 {
	score := 0.8
	lowered := strings.ToLower(text)

	hedges := 0
	for _, phrase := range hedgingPhrases {
		hedges += strings.Count(lowered, phrase)
	}
	score -= 0.1 * float64(hedges)

	apologies := 0
	for _, phrase := range apologyPhrases {
		apologies += strings.Count(lowered, phrase)
	}
	if apologies > 1 {
		score -= 0.15 * float64(apologies-1)
	}

	switch task {
	case types.TaskCodeGeneration:
		if strings.Contains(text, "```") {
			score += 0.2
		}
	case types.TaskMath, types.TaskDataAnalysis:
		if mathNotation.MatchString(text) {
			score += 0.2
		}
	}
	return clamp(score)
}

// clarity rewards moderate sentence length, formatting, and capitalization.
func (e *Evaluator) clarity(text string) float64 {
	score := 0.5

	sentences := sentenceSplit.Split(text, -1)
	var lengths []int
	for _, s := range sentences {
		if n := len(strings.Fields(s)); n > 0 {
			lengths = append(lengths, n)
		}
	}
	if len(lengths) > 0 {
		total := 0
		for _, n := range lengths {
			total += n
		}
		avg := float64(total) / float64(len(lengths))
		if avg >= 15 && avg <= 25 {
			score += 0.2
		} else if avg > 40 {
			score -= 0.1
		}
	}

	if strings.Contains(text, "\n") {
		score += 0.15
	}

	trimmed := strings.TrimSpace(text)
	if trimmed != "" && trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
		score += 0.15
	}
	return clamp(score)
}

// coherence rewards logical connectives in moderation and paragraph breaks.
func (e *Evaluator) coherence(text string) float64 {
	score := 0.6
	lowered := strings.ToLower(text)

	found := 0
	for _, c := range connectives {
		found += strings.Count(lowered, c)
	}
	words := len(strings.Fields(text))
	switch {
	case found == 0 && words > 100:
		score -= 0.1
	case found > 0 && words > 0 && float64(found)/float64(words) < 0.05:
		score += 0.2
	case found > 0:
		score += 0.05 // connectives present but dense
	}

	if strings.Contains(text, "\n\n") {
		score += 0.2
	}
	return clamp(score)
}

// creativity rewards vocabulary diversity for creative-writing tasks.
func (e *Evaluator) creativity(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[strings.Trim(w, ".,!?;:\"'")] = true
	}
	diversity := float64(len(unique)) / float64(len(words))
	return clamp(diversity * 1.5)
}

// annotate derives human-readable issues and strengths.
func (e *Evaluator) annotate(task types.TaskType, text string, dims map[string]float64) (issues, strengths []string) {
	if hasRepeatedSentences(text) {
		issues = append(issues, "contains repetitive content")
	}
	min := minLengths[task]
	if min == 0 {
		min = minLengths[types.TaskGeneral]
	}
	if len(text) < min {
		issues = append(issues, "response is very short")
	}
	if dims[DimAccuracy] < 0.5 {
		issues = append(issues, "heavy hedging or apologies suggest low confidence")
	}
	if dims[DimRelevance] < 0.3 {
		issues = append(issues, "response may not address the question")
	}

	if strings.Contains(text, "```") {
		strengths = append(strengths, "includes code examples")
	}
	if strings.Contains(text, "\n\n") {
		strengths = append(strengths, "well structured with paragraphs")
	}
	if dims[DimRelevance] > 0.7 {
		strengths = append(strengths, "directly addresses the question")
	}
	return issues, strengths
}

// hasRepeatedSentences reports whether any normalized sentence appears
// more than once.
func hasRepeatedSentences(text string) bool {
	sentences := sentenceSplit.Split(text, -1)
	seen := make(map[string]bool)
	for _, s := range sentences {
		norm := strings.ToLower(strings.TrimSpace(s))
		if len(norm) < 20 {
			continue
		}
		if seen[norm] {
			return true
		}
		seen[norm] = true
	}
	return false
}

// significantWords extracts lowercase words longer than 3 characters.
func significantWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
