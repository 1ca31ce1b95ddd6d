package search

import (
	"context"
	"errors"
	"math"

	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/record"
)

// ErrIndexNotFound is returned when an operation runs before EnsureIndex.
var ErrIndexNotFound = errors.New("search index not found")

// Store defines the search-store operations used by the sync engine and the
// query router. Implementations are key-addressed: writing the same document
// twice leaves the store in the same state as writing it once.
type Store interface {
	// Index management
	EnsureIndex(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Refresh(ctx context.Context) error

	// Document operations
	BulkIndex(ctx context.Context, docs []record.SearchDocument) (*BulkResult, error)
	Upsert(ctx context.Context, doc record.SearchDocument, waitVisible bool) error
	Delete(ctx context.Context, id string, waitVisible bool) error

	// Search operations
	Search(ctx context.Context, q filter.SearchQuery) (*Result, error)
	Stats(ctx context.Context, q filter.SearchQuery, field string) (*ApproxStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Result is one page of search hits.
type Result struct {
	Docs  []record.SearchDocument `json:"docs"`
	Total int64                   `json:"total"`
}

// ItemError describes one rejected document in a bulk write.
type ItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports the per-document outcome of a bulk write.
type BulkResult struct {
	Indexed int         `json:"indexed"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// ApproxStats is the extended-statistics shape a search engine returns. It has
// no quantiles.
type ApproxStats struct {
	Count  int64   `json:"count"`
	Valued int64   `json:"valued"`
	Sum    float64 `json:"sum"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stdDev"`
}

// statsAccumulator builds ApproxStats from individual values.
type statsAccumulator struct {
	stats ApproxStats
	sumSq float64
}

func (a *statsAccumulator) add(v float64) {
	if a.stats.Valued == 0 || v < a.stats.Min {
		a.stats.Min = v
	}
	if a.stats.Valued == 0 || v > a.stats.Max {
		a.stats.Max = v
	}
	a.stats.Valued++
	a.stats.Sum += v
	a.sumSq += v * v
}

func (a *statsAccumulator) result(count int64) *ApproxStats {
	s := a.stats
	s.Count = count
	if s.Valued > 0 {
		n := float64(s.Valued)
		s.Avg = s.Sum / n
		variance := a.sumSq/n - s.Avg*s.Avg
		if variance > 0 {
			s.StdDev = math.Sqrt(variance)
		}
	}
	return &s
}
