package graph

import (
	"strings"
	"time"

	"github.com/trapias/memoria/internal/types"
)

// Keyword tables used to infer a relation type from two pieces of free
// text, in English and Italian. Matching is substring-based on lowercased
// content, mirroring a lightweight heuristic classifier rather than any
// trained model.
var (
	fixKeywords = []string{
		"fix", "fixed", "soluzione", "risolto", "resolved", "solved",
		"solution", "workaround", "patch", "corrected", "remedy",
	}
	problemKeywords = []string{
		"bug", "errore", "error", "problema", "problem", "issue",
		"crash", "fail", "broken", "not working", "exception", "traceback",
	}
	causalKeywords = []string{
		"decision", "decisione", "choose", "decided", "caused", "leads to",
		"results in", "because", "therefore", "consequently", "implemented",
	}
	resultKeywords = []string{
		"result", "outcome", "consequence", "effect", "impact",
		"resulted", "caused by", "due to",
	}
	opposeKeywords = []string{
		"however", "but", "although", "instead", "contrary",
		"tuttavia", "invece", "contrario", "wrong", "incorrect",
		"disagree", "conflict", "contradicts",
	}
	supportKeywords = []string{
		"confirms", "supports", "validates", "correct", "agree",
		"conferma", "supporta", "corretto", "consistent", "aligns with",
	}
	supersedeKeywords = []string{
		"update", "new version", "replace", "deprecated", "obsolete",
		"aggiornamento", "nuova versione", "sostituisce", "superseded",
		"outdated", "old version", "previous version",
	}
	partOfKeywords = []string{"part of", "parte di", "belongs to", "component of", "section of"}
	derivesKeywords = []string{"derived", "deriva", "based on", "extended from", "consolidated"}
)

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// candidatePayload is the subset of a memory's content the classifier and
// confidence scorer need, independent of whether it came from a types.Point
// or a types.Memory.
type candidatePayload struct {
	Content    string
	Tags       []string
	Kind       types.Kind
	Project    string
	CreatedAt  time.Time
}

// InferRelationType applies the keyword heuristics to a (source, target)
// pair, returning the most specific relation type the content supports,
// falling back to RelationRelated when nothing matches.
func InferRelationType(source, target candidatePayload) types.RelationType {
	sourceContent := strings.ToLower(source.Content)
	targetContent := strings.ToLower(target.Content)

	sourceHasFix := containsAny(sourceContent, fixKeywords)
	targetHasProblem := containsAny(targetContent, problemKeywords)
	if sourceHasFix && targetHasProblem {
		return types.RelationFixes
	}
	targetHasFix := containsAny(targetContent, fixKeywords)
	sourceHasProblem := containsAny(sourceContent, problemKeywords)
	if sourceHasProblem && targetHasFix {
		return types.RelationFixes
	}

	sourceHasCausal := containsAny(sourceContent, causalKeywords)
	targetHasResult := containsAny(targetContent, resultKeywords)
	if sourceHasCausal && targetHasResult {
		return types.RelationCauses
	}
	if sourceHasCausal {
		return types.RelationCauses
	}

	if containsAny(sourceContent, opposeKeywords) || containsAny(targetContent, opposeKeywords) {
		return types.RelationOpposes
	}
	if containsAny(sourceContent, supportKeywords) || containsAny(targetContent, supportKeywords) {
		return types.RelationSupports
	}
	if containsAny(sourceContent, supersedeKeywords) || containsAny(targetContent, supersedeKeywords) {
		return types.RelationSupersedes
	}
	if containsAny(sourceContent, partOfKeywords) {
		return types.RelationPartOf
	}
	if containsAny(sourceContent, derivesKeywords) {
		return types.RelationDerives
	}

	if !source.CreatedAt.IsZero() && !target.CreatedAt.IsZero() {
		diff := source.CreatedAt.Sub(target.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		sharedTags := sharedTagCount(source.Tags, target.Tags) > 0
		if diff < time.Hour && sharedTags && source.CreatedAt.After(target.CreatedAt) {
			return types.RelationFollows
		}
		if diff < 30*time.Minute && source.CreatedAt.After(target.CreatedAt) {
			return types.RelationFollows
		}
	}

	return types.RelationRelated
}

func sharedTagCount(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	count := 0
	for _, t := range b {
		if set[t] {
			count++
		}
	}
	return count
}

// CalculateConfidence adjusts a raw vector similarity score with boosts for
// a specific (non-generic) relation type, shared tags, matching kind, and
// matching project, rounding the result to three decimal places.
func CalculateConfidence(baseScore float64, source, target candidatePayload, relType types.RelationType) float64 {
	confidence := baseScore

	if relType != types.RelationRelated {
		confidence = min1(confidence * 1.1)
	}

	shared := sharedTagCount(source.Tags, target.Tags)
	if shared > 0 {
		boost := float64(shared) * 0.03
		if boost > 0.15 {
			boost = 0.15
		}
		confidence = min1(confidence + boost)
	}

	if source.Kind != "" && target.Kind != "" && source.Kind == target.Kind {
		confidence = min1(confidence + 0.02)
	}

	if source.Project != "" && target.Project != "" && source.Project == target.Project {
		confidence = min1(confidence + 0.15)
	}

	return round3(confidence)
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

// ExplainSuggestion produces a short human-readable reason for a suggested
// relation, noting shared tags and same-project context where relevant.
func ExplainSuggestion(source, target candidatePayload, relType types.RelationType) string {
	shared := sharedTagCount(source.Tags, target.Tags)
	sameProject := source.Project != "" && target.Project != "" && source.Project == target.Project

	projectNote := ""
	if sameProject {
		projectNote = " (same project: " + source.Project + ")"
	}

	switch relType {
	case types.RelationFixes:
		return "Appears to be a solution to a problem" + projectNote
	case types.RelationCauses:
		return "Contains a decision or action leading to consequences" + projectNote
	case types.RelationFollows:
		return "Subsequent event in the same context" + projectNote
	case types.RelationOpposes:
		return "Contains potentially contradicting information" + projectNote
	case types.RelationSupports:
		return "Contains supporting or confirming information" + projectNote
	case types.RelationSupersedes:
		return "Appears to be an updated version" + projectNote
	case types.RelationDerives:
		return "Derived or consolidated content" + projectNote
	case types.RelationPartOf:
		return "Appears to be a component of a larger concept" + projectNote
	default:
		note := "Similar content"
		if shared > 0 {
			note += ", shares tags"
		}
		return note + projectNote
	}
}
