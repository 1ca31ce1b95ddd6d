// Package federation answers queries from the search store first and falls
// back to the relational store, tagging every answer with its provenance.
package federation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/metrics"
	"github.com/davidschrooten/compsync/internal/record"
	"github.com/davidschrooten/compsync/internal/relational"
	"github.com/davidschrooten/compsync/internal/search"
)

// ErrRelationalUnavailable is returned when the relational store fails while
// answering a query.
var ErrRelationalUnavailable = errors.New("relational store unavailable")

// Provenance names the store that produced a result.
type Provenance string

// Provenance values.
const (
	ProvenanceSearch     Provenance = "search"
	ProvenanceRelational Provenance = "relational"
)

const (
	opQuery     = "query"
	opAggregate = "aggregate"
)

// SearchStore is the read side of the search store used by the router.
type SearchStore interface {
	Search(ctx context.Context, q filter.SearchQuery) (*search.Result, error)
	Stats(ctx context.Context, q filter.SearchQuery, field string) (*search.ApproxStats, error)
}

// RelationalStore is the read side of the relational store used by the router.
type RelationalStore interface {
	Query(ctx context.Context, q filter.RelationalQuery) (*relational.Page, error)
	Stats(ctx context.Context, q filter.RelationalQuery, column string) (*relational.ExactStats, error)
}

// Result is one page of rows in the search document shape.
type Result struct {
	Rows       []record.SearchDocument `json:"rows"`
	TotalCount int64                   `json:"totalCount"`
	Provenance Provenance              `json:"provenance"`
	Warnings   []string                `json:"warnings,omitempty"`
}

// StatsResult is canonical base salary statistics with provenance.
type StatsResult struct {
	Stats      Stats      `json:"stats"`
	Provenance Provenance `json:"provenance"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// Router executes translated queries against the search store, falling back
// to the relational store.
type Router struct {
	search     SearchStore
	relational RelationalStore
	translator *filter.Translator
	cfg        config.FederationConfig
	logger     *zap.Logger
}

// NewRouter creates a router over both stores.
func NewRouter(searchStore SearchStore, relationalStore RelationalStore, cfg config.FederationConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		search:     searchStore,
		relational: relationalStore,
		translator: filter.NewTranslator(filter.Options{
			DefaultLimit: cfg.DefaultLimit,
			MaxLimit:     cfg.MaxLimit,
		}, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// Query returns one page of matching rows. A search error, a disabled
// fallback or (when configured) an empty search page routes the request to
// the relational store.
func (r *Router) Query(ctx context.Context, f filter.Filter, s filter.Sort, p filter.Pagination) (*Result, error) {
	tr := r.translator.Translate(f, s, p)

	if r.cfg.FallbackEnabled {
		res, err := r.search.Search(ctx, tr.Search)
		switch {
		case err != nil:
			r.fallback(opQuery, "error", err)
		case len(res.Docs) == 0 && r.cfg.EmptyResultFallback:
			r.fallback(opQuery, "empty", nil)
		default:
			metrics.QueriesTotal.WithLabelValues(opQuery, string(ProvenanceSearch)).Inc()
			return &Result{
				Rows:       res.Docs,
				TotalCount: res.Total,
				Provenance: ProvenanceSearch,
				Warnings:   tr.Warnings,
			}, nil
		}
	} else {
		metrics.FallbacksTotal.WithLabelValues(opQuery, "disabled").Inc()
	}

	page, err := r.relational.Query(ctx, tr.Relational)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelationalUnavailable, err)
	}
	metrics.QueriesTotal.WithLabelValues(opQuery, string(ProvenanceRelational)).Inc()
	return &Result{
		Rows:       record.TransformAll(page.Records),
		TotalCount: page.Total,
		Provenance: ProvenanceRelational,
		Warnings:   tr.Warnings,
	}, nil
}

// Aggregate returns base salary statistics for the matching rows. A clean
// search answer, including a zero count, is final.
func (r *Router) Aggregate(ctx context.Context, f filter.Filter) (*StatsResult, error) {
	tr := r.translator.Translate(f, filter.Sort{}, filter.Pagination{})

	if r.cfg.FallbackEnabled {
		approx, err := r.search.Stats(ctx, tr.Search, record.FieldBaseSalary)
		if err == nil {
			metrics.QueriesTotal.WithLabelValues(opAggregate, string(ProvenanceSearch)).Inc()
			return &StatsResult{
				Stats:      Reconcile(FromSearch{Stats: *approx}),
				Provenance: ProvenanceSearch,
				Warnings:   tr.Warnings,
			}, nil
		}
		r.fallback(opAggregate, "error", err)
	} else {
		metrics.FallbacksTotal.WithLabelValues(opAggregate, "disabled").Inc()
	}

	exact, err := r.relational.Stats(ctx, tr.Relational, filter.ColumnBaseSalary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelationalUnavailable, err)
	}
	metrics.QueriesTotal.WithLabelValues(opAggregate, string(ProvenanceRelational)).Inc()
	return &StatsResult{
		Stats:      Reconcile(FromRelational{Stats: *exact}),
		Provenance: ProvenanceRelational,
		Warnings:   tr.Warnings,
	}, nil
}

func (r *Router) fallback(op, reason string, err error) {
	metrics.FallbacksTotal.WithLabelValues(op, reason).Inc()
	fields := []zap.Field{zap.String("operation", op), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
		r.logger.Warn("Search store failed, falling back to relational store", fields...)
		return
	}
	r.logger.Debug("Search store returned no rows, falling back to relational store", fields...)
}
