package storage

import (
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// BuildQdrantFilter translates a backend-neutral Filter into a Qdrant
// Filter. Every condition is AND-ed together (Must); a nil or empty Filter
// returns a nil *qdrant.Filter, meaning "match everything".
func BuildQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil || len(f.Conditions) == 0 {
		return nil
	}

	conditions := make([]*qdrant.Condition, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		key := payloadFieldKey(c.Key)
		switch {
		case c.TextMatch != "":
			conditions = append(conditions, textMatchConditions(key, c.TextMatch)...)
		case c.Range != nil:
			conditions = append(conditions, rangeCondition(key, c.Range))
		case len(c.Values) > 0:
			conditions = append(conditions, listCondition(key, c.Values))
		case c.Value != nil:
			conditions = append(conditions, scalarCondition(key, c.Value))
		}
	}

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}

// knownPayloadFields is the fixed payload vocabulary pointPayload writes;
// everything else lives under the meta_ prefix.
var knownPayloadFields = map[string]bool{
	"content": true, "full_content": true, "memory_type": true,
	"parent_id": true, "is_chunk": true, "chunk_index": true, "chunk_count": true,
	"tags": true, "importance": true, "access_count": true, "has_relations": true,
	"created_at": true, "updated_at": true, "accessed_at": true,
}

// payloadFieldKey maps a backend-neutral filter key to the Qdrant payload
// field it is stored under: the __text_match pseudo-key targets the
// text-indexed content field, and open metadata keys get the meta_ prefix.
func payloadFieldKey(key string) string {
	if key == "" || key == "__text_match" {
		return "content"
	}
	if knownPayloadFields[key] {
		return key
	}
	return "meta_" + key
}

func scalarCondition(key string, value any) *qdrant.Condition {
	var match *qdrant.Match
	switch v := value.(type) {
	case string:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case bool:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	case int:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	default:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: ""}}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: match},
		},
	}
}

// listCondition matches when the field (itself a list payload, e.g. tags)
// contains any of values: OR within the field, AND across conditions.
func listCondition(key string, values []any) *qdrant.Condition {
	strs := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			strs = append(strs, s)
		}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: strs}},
				},
			},
		},
	}
}

func rangeCondition(key string, r *RangeCondition) *qdrant.Condition {
	rng := &qdrant.Range{}
	if r.Gte != nil {
		rng.Gte = r.Gte
	}
	if r.Lte != nil {
		rng.Lte = r.Lte
	}
	if r.GteTime != nil {
		v := float64(r.GteTime.Unix())
		rng.Gte = &v
	}
	if r.LteTime != nil {
		v := float64(r.LteTime.Unix())
		rng.Lte = &v
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Range: rng},
		},
	}
}

// textMatchConditions implements __text_match: text is tokenized on
// whitespace and every token must independently match the text-indexed field,
// giving AND semantics across tokens rather than substring search.
func textMatchConditions(key, text string) []*qdrant.Condition {
	tokens := strings.Fields(text)
	conditions := make([]*qdrant.Condition, 0, len(tokens))
	for _, tok := range tokens {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Text{Text: tok},
					},
				},
			},
		})
	}
	return conditions
}
