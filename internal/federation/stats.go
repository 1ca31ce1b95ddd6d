package federation

import (
	"math"

	"github.com/davidschrooten/compsync/internal/record"
	"github.com/davidschrooten/compsync/internal/relational"
	"github.com/davidschrooten/compsync/internal/search"
)

// Stats field names as reported in ApproximateFields.
const (
	FieldAverageSalary = "averageSalary"
	FieldMedianSalary  = "medianSalary"
	FieldMinSalary     = "minSalary"
	FieldMaxSalary     = "maxSalary"
)

// Stats is the canonical base salary statistics record. Money is in whole
// currency units rounded to two decimals.
type Stats struct {
	Count         int64   `json:"count"`
	AverageSalary float64 `json:"averageSalary"`
	MedianSalary  float64 `json:"medianSalary"`
	MinSalary     float64 `json:"minSalary"`
	MaxSalary     float64 `json:"maxSalary"`
	// ApproximateFields lists fields that are estimates rather than exact.
	ApproximateFields []string `json:"approximateFields,omitempty"`
}

// StatsSource is the store-specific aggregate shape: FromSearch or
// FromRelational.
type StatsSource interface {
	isStatsSource()
}

// FromSearch wraps an extended-statistics aggregation. It has no median.
type FromSearch struct {
	Stats search.ApproxStats
}

// FromRelational wraps exact statistics including the median.
type FromRelational struct {
	Stats relational.ExactStats
}

func (FromSearch) isStatsSource()     {}
func (FromRelational) isStatsSource() {}

// Reconcile maps either aggregate shape into canonical Stats. The search
// shape substitutes the mean for the median and flags it approximate.
func Reconcile(src StatsSource) Stats {
	switch s := src.(type) {
	case FromSearch:
		out := Stats{Count: s.Stats.Count}
		if s.Stats.Valued == 0 {
			return out
		}
		out.AverageSalary = units(s.Stats.Avg)
		out.MedianSalary = units(s.Stats.Avg)
		out.MinSalary = units(s.Stats.Min)
		out.MaxSalary = units(s.Stats.Max)
		out.ApproximateFields = []string{FieldMedianSalary}
		return out
	case FromRelational:
		return Stats{
			Count:         s.Stats.Count,
			AverageSalary: unitsOrZero(s.Stats.Average),
			MedianSalary:  unitsOrZero(s.Stats.Median),
			MinSalary:     unitsOrZero(s.Stats.Minimum),
			MaxSalary:     unitsOrZero(s.Stats.Maximum),
		}
	default:
		return Stats{}
	}
}

// units converts minor units to whole units rounded to two decimals.
func units(cents float64) float64 {
	return math.Round(cents/record.CentsPerUnit*100) / 100
}

func unitsOrZero(cents *float64) float64 {
	if cents == nil {
		return 0
	}
	return units(*cents)
}
