// Package filter translates one logical filter/sort/pagination request into a
// parameterized relational query and an equivalent search-engine query.
package filter

import "time"

// Filter is a set of optional predicate slots. A nil slot adds no constraint.
// Money bounds are whole currency units.
type Filter struct {
	// substring, case-insensitive
	Company  *string `json:"company,omitempty"`
	Location *string `json:"location,omitempty"`
	JobTitle *string `json:"jobTitle,omitempty"`

	// exact match
	Level               *string `json:"level,omitempty"`
	Industry            *string `json:"industry,omitempty"`
	Currency            *string `json:"currency,omitempty"`
	CompensationBracket *string `json:"compensationBracket,omitempty"`
	ExperienceBracket   *string `json:"experienceBracket,omitempty"`

	// inclusive ranges
	MinBaseSalary        *int64     `json:"minBaseSalary,omitempty"`
	MaxBaseSalary        *int64     `json:"maxBaseSalary,omitempty"`
	MinTotalCompensation *int64     `json:"minTotalCompensation,omitempty"`
	MaxTotalCompensation *int64     `json:"maxTotalCompensation,omitempty"`
	MinYearsExperience   *float64   `json:"minYearsExperience,omitempty"`
	MaxYearsExperience   *float64   `json:"maxYearsExperience,omitempty"`
	SubmittedAfter       *time.Time `json:"submittedAfter,omitempty"`
	SubmittedBefore      *time.Time `json:"submittedBefore,omitempty"`

	Remote *bool `json:"remote,omitempty"`
}

// HasFuzzySlots reports whether the filter uses substring slots, whose search
// translation is fuzzy and therefore not byte-identical to the relational one.
func (f Filter) HasFuzzySlots() bool {
	return f.Company != nil || f.Location != nil || f.JobTitle != nil
}

// Sort directions.
const (
	Asc  = "asc"
	Desc = "desc"
)

// Sort names one allow-listed field and a direction.
type Sort struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// Pagination is an offset/limit window.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// String returns a pointer to s, for building filters.
func String(s string) *string { return &s }
