package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQdrantFilterNilOrEmptyMatchesEverything(t *testing.T) {
	assert.Nil(t, BuildQdrantFilter(nil))
	assert.Nil(t, BuildQdrantFilter(&Filter{}))
}

func TestBuildQdrantFilterScalarCondition(t *testing.T) {
	f := BuildQdrantFilter(&Filter{Conditions: []FilterCondition{{Key: "memory_type", Value: "episodic"}}})
	require.NotNil(t, f)
	require.Len(t, f.Must, 1)
	field := f.Must[0].GetField()
	require.NotNil(t, field)
	assert.Equal(t, "memory_type", field.Key)
	assert.Equal(t, "episodic", field.Match.GetKeyword())
}

func TestPayloadFieldKeyTranslation(t *testing.T) {
	assert.Equal(t, "content", payloadFieldKey("__text_match"))
	assert.Equal(t, "parent_id", payloadFieldKey("parent_id"))
	assert.Equal(t, "meta_project", payloadFieldKey("project"))
}

func TestBuildQdrantFilterListConditionIsAnyOf(t *testing.T) {
	f := BuildQdrantFilter(&Filter{Conditions: []FilterCondition{{Key: "tags", Values: []any{"bug", "fix"}}}})
	require.NotNil(t, f)
	field := f.Must[0].GetField()
	kws := field.Match.GetKeywords()
	require.NotNil(t, kws)
	assert.ElementsMatch(t, []string{"bug", "fix"}, kws.Strings)
}

func TestBuildQdrantFilterRangeCondition(t *testing.T) {
	gte := 0.5
	f := BuildQdrantFilter(&Filter{Conditions: []FilterCondition{{Key: "importance", Range: &RangeCondition{Gte: &gte}}}})
	require.NotNil(t, f)
	rng := f.Must[0].GetField().Range
	require.NotNil(t, rng)
	assert.Equal(t, gte, rng.GetGte())
}

func TestBuildQdrantFilterTimeRangeConvertsToUnixSeconds(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := BuildQdrantFilter(&Filter{Conditions: []FilterCondition{{Key: "created_at", Range: &RangeCondition{GteTime: &ts}}}})
	require.NotNil(t, f)
	rng := f.Must[0].GetField().Range
	require.NotNil(t, rng)
	assert.Equal(t, float64(ts.Unix()), rng.GetGte())
}

func TestBuildQdrantFilterTextMatchRequiresEveryToken(t *testing.T) {
	f := BuildQdrantFilter(&Filter{Conditions: []FilterCondition{{Key: "content", TextMatch: "crash startup"}}})
	require.NotNil(t, f)
	require.Len(t, f.Must, 2)
	for _, cond := range f.Must {
		field := cond.GetField()
		require.NotNil(t, field)
		assert.Equal(t, "content", field.Key)
		assert.NotEmpty(t, field.Match.GetText())
	}
}

func TestBuildQdrantFilterConditionsAreAndedAcrossKeys(t *testing.T) {
	f := BuildQdrantFilter(&Filter{Conditions: []FilterCondition{
		{Key: "tags", Values: []any{"bug"}},
		{Key: "project", Value: "memoria"},
	}})
	require.NotNil(t, f)
	require.Len(t, f.Must, 2)
	assert.Equal(t, "meta_project", f.Must[1].GetField().Key)
}

func TestScalarConditionFallsBackForUnsupportedType(t *testing.T) {
	cond := scalarCondition("weird", 3.14)
	assert.Equal(t, "", cond.GetField().Match.GetKeyword())
}
