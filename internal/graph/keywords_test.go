package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapias/memoria/internal/types"
)

func TestLoadKeywordOverridesReplacesOnlyListedTables(t *testing.T) {
	origFix := fixKeywords
	origProblem := problemKeywords
	t.Cleanup(func() {
		fixKeywords = origFix
		problemKeywords = origProblem
	})

	path := filepath.Join(t.TempDir(), "keywords.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fix:\n  - remediated\n"), 0o600))

	require.NoError(t, LoadKeywordOverrides(path))
	assert.Equal(t, []string{"remediated"}, fixKeywords)
	assert.Equal(t, origProblem, problemKeywords)

	got := InferRelationType(
		candidatePayload{Content: "remediated the outage"},
		candidatePayload{Content: "error during deploy"},
	)
	assert.Equal(t, types.RelationFixes, got)
}

func TestLoadKeywordOverridesRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fix: {not: a list"), 0o600))
	assert.Error(t, LoadKeywordOverrides(path))
}
