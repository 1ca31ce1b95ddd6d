// Package elastic implements the search store on Elasticsearch.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/record"
	"github.com/davidschrooten/compsync/internal/search"
)

const refreshWaitFor = "wait_for"

// Store is a search.Store backed by one Elasticsearch index.
type Store struct {
	es      *elasticsearch.Client
	index   string
	timeout time.Duration
	refresh bool
	logger  *zap.Logger
}

var _ search.Store = (*Store)(nil)

// New creates an Elasticsearch client for the configured addresses.
func New(cfg config.SearchConfig, logger *zap.Logger) (*Store, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return NewWithClient(es, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(es *elasticsearch.Client, cfg config.SearchConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		es:      es,
		index:   cfg.IndexName,
		timeout: cfg.RequestTimeout,
		refresh: cfg.RefreshWait,
		logger:  logger,
	}
}

// Mapping returns the index mapping for search documents.
func Mapping() map[string]interface{} {
	properties := make(map[string]interface{}, len(record.FieldTypes))
	for name, kind := range record.FieldTypes {
		var field map[string]interface{}
		switch kind {
		case record.TypeKeyword:
			field = map[string]interface{}{"type": "keyword"}
		case record.TypeNumeric:
			field = map[string]interface{}{"type": "double"}
		case record.TypeDate:
			field = map[string]interface{}{"type": "date"}
		case record.TypeBoolean:
			field = map[string]interface{}{"type": "boolean"}
		default:
			field = map[string]interface{}{"type": "text", "analyzer": "standard"}
		}
		properties[name] = field
	}
	return map[string]interface{}{
		"dynamic":    false,
		"properties": properties,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureIndex creates the index with its mapping, or updates the mapping in
// place when the index already exists.
func (s *Store) EnsureIndex(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", s.index, err)
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		body, err := encode(Mapping())
		if err != nil {
			return err
		}
		res, err := s.es.Indices.PutMapping([]string{s.index}, body, s.es.Indices.PutMapping.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to update mapping of %s: %w", s.index, err)
		}
		return checkResponse(res, "put mapping")
	case http.StatusNotFound:
		body, err := encode(map[string]interface{}{"mappings": Mapping()})
		if err != nil {
			return err
		}
		res, err := s.es.Indices.Create(s.index, s.es.Indices.Create.WithBody(body), s.es.Indices.Create.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", s.index, err)
		}
		if err := checkResponse(res, "create index"); err != nil {
			return err
		}
		s.logger.Info("Created search index", zap.String("index", s.index))
		return nil
	default:
		return fmt.Errorf("unexpected status %d checking index %s", res.StatusCode, s.index)
	}
}

// Count returns the number of documents in the index.
func (s *Store) Count(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.es.Count(s.es.Count.WithIndex(s.index), s.es.Count.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("count request failed: %w", err)
	}
	var body struct {
		Count int64 `json:"count"`
	}
	if err := decodeResponse(res, "count", &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// Refresh makes all prior writes searchable.
func (s *Store) Refresh(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.es.Indices.Refresh(s.es.Indices.Refresh.WithIndex(s.index), s.es.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	return checkResponse(res, "refresh")
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkIndex writes documents with one bulk request keyed by document id.
// Rejected items are reported in the result; a failed request is an error.
func (s *Store) BulkIndex(ctx context.Context, docs []record.SearchDocument) (*search.BulkResult, error) {
	if len(docs) == 0 {
		return &search.BulkResult{}, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		meta := map[string]interface{}{"index": map[string]interface{}{"_id": doc.ID}}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.es.Bulk(&buf, s.es.Bulk.WithIndex(s.index), s.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk request failed: %w", err)
	}
	var body bulkResponse
	if err := decodeResponse(res, "bulk", &body); err != nil {
		return nil, err
	}

	result := &search.BulkResult{}
	for _, item := range body.Items {
		for _, op := range item {
			if op.Error == nil && op.Status < 300 {
				result.Indexed++
				continue
			}
			reason := http.StatusText(op.Status)
			if op.Error != nil {
				reason = op.Error.Type + ": " + op.Error.Reason
			}
			result.Failed++
			result.Errors = append(result.Errors, search.ItemError{ID: op.ID, Reason: reason})
		}
	}
	return result, nil
}

// Upsert indexes one document by id, optionally waiting until it is
// searchable.
func (s *Store) Upsert(ctx context.Context, doc record.SearchDocument, waitVisible bool) error {
	body, err := encode(doc)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := []func(*esapi.IndexRequest){
		s.es.Index.WithDocumentID(doc.ID),
		s.es.Index.WithContext(ctx),
	}
	if waitVisible && s.refresh {
		opts = append(opts, s.es.Index.WithRefresh(refreshWaitFor))
	}

	res, err := s.es.Index(s.index, body, opts...)
	if err != nil {
		return fmt.Errorf("index request failed: %w", err)
	}
	return checkResponse(res, "index")
}

// Delete removes a document by id. A missing document is not an error.
func (s *Store) Delete(ctx context.Context, id string, waitVisible bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := []func(*esapi.DeleteRequest){s.es.Delete.WithContext(ctx)}
	if waitVisible && s.refresh {
		opts = append(opts, s.es.Delete.WithRefresh(refreshWaitFor))
	}

	res, err := s.es.Delete(s.index, id, opts...)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	return checkResponse(res, "delete")
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source record.SearchDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]extendedStats `json:"aggregations"`
}

type extendedStats struct {
	Count  int64    `json:"count"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Avg    *float64 `json:"avg"`
	Sum    float64  `json:"sum"`
	StdDev *float64 `json:"std_deviation"`
}

func (s *Store) search(ctx context.Context, body map[string]interface{}) (*searchResponse, error) {
	buf, err := encode(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	var out searchResponse
	if err := decodeResponse(res, "search", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs the query and returns one page of documents.
func (s *Store) Search(ctx context.Context, q filter.SearchQuery) (*search.Result, error) {
	res, err := s.search(ctx, q.Body())
	if err != nil {
		return nil, err
	}

	docs := make([]record.SearchDocument, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return &search.Result{Docs: docs, Total: res.Hits.Total.Value}, nil
}

// Stats runs an extended_stats aggregation over field.
func (s *Store) Stats(ctx context.Context, q filter.SearchQuery, field string) (*search.ApproxStats, error) {
	res, err := s.search(ctx, q.StatsBody(field))
	if err != nil {
		return nil, err
	}

	agg, ok := res.Aggregations[filter.StatsAggregation]
	if !ok {
		return nil, fmt.Errorf("search response has no %s aggregation", filter.StatsAggregation)
	}
	return &search.ApproxStats{
		Count:  res.Hits.Total.Value,
		Valued: agg.Count,
		Sum:    agg.Sum,
		Avg:    value(agg.Avg),
		Min:    value(agg.Min),
		Max:    value(agg.Max),
		StdDev: value(agg.StdDev),
	}, nil
}

// Ping checks that the cluster answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return checkResponse(res, "ping")
}

// Close is a no-op; the client holds no long-lived resources.
func (s *Store) Close() error {
	return nil
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func encode(v interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return &buf, nil
}

func checkResponse(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s error [%s]: %s", op, res.Status(), body)
	}
	return nil
}

func decodeResponse(res *esapi.Response, op string, out interface{}) error {
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s error [%s]: %s", op, res.Status(), body)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
