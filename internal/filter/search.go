package filter

// ClauseKind is the kind of a search clause.
type ClauseKind string

// Clause kinds.
const (
	ClauseMatch ClauseKind = "match"
	ClauseTerm  ClauseKind = "term"
	ClauseRange ClauseKind = "range"
)

// FuzzinessAuto is the edit distance policy used for match clauses.
const FuzzinessAuto = "AUTO"

// Clause is one conjunct of a search query. Match clauses carry Value as the
// analyzed text; term clauses carry the exact value; range clauses carry
// inclusive Gte/Lte bounds (either may be nil).
type Clause struct {
	Kind  ClauseKind
	Field string
	Value interface{}
	Gte   interface{}
	Lte   interface{}
}

// SortField orders search hits by a document field.
type SortField struct {
	Field string
	Desc  bool
}

// SearchQuery is the search-engine half of a translation.
type SearchQuery struct {
	Clauses []Clause
	Sort    []SortField
	From    int
	Size    int
}

// Query returns the query DSL fragment: a bool query of the clauses, or
// match_all when there are none. Match clauses score (must); the rest filter.
func (q SearchQuery) Query() map[string]interface{} {
	if len(q.Clauses) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	var must, filters []interface{}
	for _, c := range q.Clauses {
		switch c.Kind {
		case ClauseMatch:
			must = append(must, map[string]interface{}{
				"match": map[string]interface{}{
					c.Field: map[string]interface{}{
						"query":     c.Value,
						"operator":  "and",
						"fuzziness": FuzzinessAuto,
					},
				},
			})
		case ClauseTerm:
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{c.Field: c.Value},
			})
		case ClauseRange:
			bounds := map[string]interface{}{}
			if c.Gte != nil {
				bounds["gte"] = c.Gte
			}
			if c.Lte != nil {
				bounds["lte"] = c.Lte
			}
			filters = append(filters, map[string]interface{}{
				"range": map[string]interface{}{c.Field: bounds},
			})
		}
	}

	boolQuery := map[string]interface{}{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	return map[string]interface{}{"bool": boolQuery}
}

// SortDSL returns the sort array of the query DSL.
func (q SearchQuery) SortDSL() []interface{} {
	out := make([]interface{}, 0, len(q.Sort))
	for _, s := range q.Sort {
		order := Asc
		if s.Desc {
			order = Desc
		}
		out = append(out, map[string]interface{}{s.Field: map[string]interface{}{"order": order}})
	}
	return out
}

// Body returns the complete search request document.
func (q SearchQuery) Body() map[string]interface{} {
	return map[string]interface{}{
		"query":            q.Query(),
		"sort":             q.SortDSL(),
		"from":             q.From,
		"size":             q.Size,
		"track_total_hits": true,
	}
}

// StatsAggregation is the aggregation name used by StatsBody.
const StatsAggregation = "stats"

// StatsBody returns an extended-statistics aggregation request over field for
// the documents matching the query.
func (q SearchQuery) StatsBody(field string) map[string]interface{} {
	return map[string]interface{}{
		"query":            q.Query(),
		"size":             0,
		"track_total_hits": true,
		"aggs": map[string]interface{}{
			StatsAggregation: map[string]interface{}{
				"extended_stats": map[string]interface{}{"field": field},
			},
		},
	}
}
