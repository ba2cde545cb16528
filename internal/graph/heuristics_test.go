package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trapias/memoria/internal/types"
)

func TestInferRelationTypeFixes(t *testing.T) {
	source := candidatePayload{Content: "Fixed the login bug with a patch"}
	target := candidatePayload{Content: "Getting an error when the app crashes on login"}
	assert.Equal(t, types.RelationFixes, InferRelationType(source, target))
}

func TestInferRelationTypeCauses(t *testing.T) {
	source := candidatePayload{Content: "We decided to switch databases because of scaling issues"}
	target := candidatePayload{Content: "Some unrelated note"}
	assert.Equal(t, types.RelationCauses, InferRelationType(source, target))
}

func TestInferRelationTypeOpposes(t *testing.T) {
	source := candidatePayload{Content: "However this contradicts the earlier finding"}
	target := candidatePayload{Content: "Plain note"}
	assert.Equal(t, types.RelationOpposes, InferRelationType(source, target))
}

func TestInferRelationTypeDefaultsToRelated(t *testing.T) {
	source := candidatePayload{Content: "Just a note about lunch"}
	target := candidatePayload{Content: "Another unrelated note"}
	assert.Equal(t, types.RelationRelated, InferRelationType(source, target))
}

func TestInferRelationTypeFollowsOnCloseTimestampsAndSharedTags(t *testing.T) {
	now := time.Now()
	source := candidatePayload{Content: "next step", Tags: []string{"deploy"}, CreatedAt: now}
	target := candidatePayload{Content: "previous step", Tags: []string{"deploy"}, CreatedAt: now.Add(-10 * time.Minute)}
	assert.Equal(t, types.RelationFollows, InferRelationType(source, target))
}

func TestCalculateConfidenceBoostsForSpecificTypeAndSharedContext(t *testing.T) {
	source := candidatePayload{Tags: []string{"bug", "auth"}, Kind: types.KindEpisodic, Project: "memoria"}
	target := candidatePayload{Tags: []string{"bug", "auth"}, Kind: types.KindEpisodic, Project: "memoria"}

	base := CalculateConfidence(0.5, source, target, types.RelationRelated)
	specific := CalculateConfidence(0.5, source, target, types.RelationFixes)
	assert.Greater(t, specific, base)
}

func TestCalculateConfidenceNeverExceedsOne(t *testing.T) {
	source := candidatePayload{Tags: []string{"a", "b", "c", "d", "e"}, Kind: types.KindSemantic, Project: "p"}
	target := candidatePayload{Tags: []string{"a", "b", "c", "d", "e"}, Kind: types.KindSemantic, Project: "p"}
	confidence := CalculateConfidence(0.99, source, target, types.RelationFixes)
	assert.LessOrEqual(t, confidence, 1.0)
}

func TestExplainSuggestionNotesSameProject(t *testing.T) {
	source := candidatePayload{Project: "memoria"}
	target := candidatePayload{Project: "memoria"}
	reason := ExplainSuggestion(source, target, types.RelationFixes)
	assert.Contains(t, reason, "same project")
}
