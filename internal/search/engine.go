package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/record"
)

// sourceField stores the JSON document so hits decode without depending on
// per-field stored representations.
const sourceField = "source"

// statsPageSize bounds each page read while computing statistics.
const statsPageSize = 1000

// Engine is an embedded bleve search store. An empty index path keeps the
// index in memory.
type Engine struct {
	index     bleve.Index
	indexPath string
	indexName string
	mutex     sync.RWMutex
	logger    *zap.Logger
}

var _ Store = (*Engine)(nil)

// NewEngine creates a new bleve-backed search store
func NewEngine(cfg config.SearchConfig, logger *zap.Logger) (*Engine, error) {
	if cfg.IndexPath != "" {
		if err := os.MkdirAll(cfg.IndexPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		indexPath: cfg.IndexPath,
		indexName: cfg.IndexName,
		logger:    logger,
	}, nil
}

// EnsureIndex opens the index or creates it with the fixed document mapping.
// Bleve cannot alter the mapping of an existing index; an existing index is
// reused as is.
func (e *Engine) EnsureIndex(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.index != nil {
		return nil
	}

	indexMapping := createMapping()

	if e.indexPath == "" {
		index, err := bleve.NewMemOnly(indexMapping)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", e.indexName, err)
		}
		e.index = index
		return nil
	}

	indexPath := filepath.Join(e.indexPath, e.indexName)

	// Try to open existing index first
	index, err := bleve.Open(indexPath)
	if err != nil {
		index, err = bleve.New(indexPath, indexMapping)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", e.indexName, err)
		}
		e.logger.Info("Created search index", zap.String("index", e.indexName), zap.String("path", indexPath))
	} else {
		e.logger.Info("Opened existing search index", zap.String("index", e.indexName), zap.String("path", indexPath))
	}

	e.index = index
	return nil
}

func (e *Engine) getIndex() (bleve.Index, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if e.index == nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, e.indexName)
	}
	return e.index, nil
}

// BulkIndex writes all documents in one batch. Documents that cannot be
// added to the batch are reported per item; a failed batch commit is
// returned as an error.
func (e *Engine) BulkIndex(ctx context.Context, docs []record.SearchDocument) (*BulkResult, error) {
	index, err := e.getIndex()
	if err != nil {
		return nil, err
	}

	result := &BulkResult{}
	batch := index.NewBatch()
	for _, doc := range docs {
		fields, err := indexFields(doc)
		if err == nil {
			err = batch.Index(doc.ID, fields)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Indexed++
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to execute batch: %w", err)
	}

	return result, nil
}

// Upsert indexes a single document. Bleve writes are visible on return.
func (e *Engine) Upsert(ctx context.Context, doc record.SearchDocument, waitVisible bool) error {
	index, err := e.getIndex()
	if err != nil {
		return err
	}

	fields, err := indexFields(doc)
	if err != nil {
		return err
	}
	return index.Index(doc.ID, fields)
}

// Delete removes a document. Deleting a missing id is not an error.
func (e *Engine) Delete(ctx context.Context, id string, waitVisible bool) error {
	index, err := e.getIndex()
	if err != nil {
		return err
	}
	return index.Delete(id)
}

// Search performs a search query
func (e *Engine) Search(ctx context.Context, q filter.SearchQuery) (*Result, error) {
	index, err := e.getIndex()
	if err != nil {
		return nil, err
	}

	bleveQuery, err := convertQuery(q)
	if err != nil {
		return nil, fmt.Errorf("failed to convert query: %w", err)
	}

	searchReq := bleve.NewSearchRequestOptions(bleveQuery, q.Size, q.From, false)
	searchReq.Fields = []string{sourceField}
	searchReq.SortBy(sortOrder(q.Sort))

	searchResult, err := index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	docs, err := decodeHits(searchResult)
	if err != nil {
		return nil, err
	}
	return &Result{Docs: docs, Total: int64(searchResult.Total)}, nil
}

// Stats computes extended statistics of a numeric field over every matching
// document by paging through the hits.
func (e *Engine) Stats(ctx context.Context, q filter.SearchQuery, field string) (*ApproxStats, error) {
	index, err := e.getIndex()
	if err != nil {
		return nil, err
	}

	bleveQuery, err := convertQuery(q)
	if err != nil {
		return nil, fmt.Errorf("failed to convert query: %w", err)
	}

	var acc statsAccumulator
	var total uint64
	for from := 0; ; from += statsPageSize {
		searchReq := bleve.NewSearchRequestOptions(bleveQuery, statsPageSize, from, false)
		searchReq.Fields = []string{sourceField}
		searchReq.SortBy([]string{"_id"})

		searchResult, err := index.SearchInContext(ctx, searchReq)
		if err != nil {
			return nil, fmt.Errorf("stats search failed: %w", err)
		}
		total = searchResult.Total

		docs, err := decodeHits(searchResult)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if v, ok := doc.Fields()[field].(float64); ok {
				acc.add(v)
			}
		}
		if len(docs) < statsPageSize {
			break
		}
	}

	return acc.result(int64(total)), nil
}

// Count returns the number of indexed documents.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	index, err := e.getIndex()
	if err != nil {
		return 0, err
	}
	n, err := index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to get document count: %w", err)
	}
	return int64(n), nil
}

// Refresh is a no-op: bleve batches are searchable once committed.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err := e.getIndex()
	return err
}

// Ping reports whether the index is open and readable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.Count(ctx)
	return err
}

// Close closes the index
func (e *Engine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.index == nil {
		return nil
	}
	if err := e.index.Close(); err != nil {
		return fmt.Errorf("failed to close index %s: %w", e.indexName, err)
	}
	e.index = nil
	return nil
}

// createMapping builds the fixed document mapping shared with the
// Elasticsearch store.
func createMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = "standard"

	doc := bleve.NewDocumentStaticMapping()
	for name, kind := range record.FieldTypes {
		doc.AddFieldMappingsAt(name, createFieldMapping(kind))
	}

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.IncludeTermVectors = false
	source.DocValues = false
	doc.AddFieldMappingsAt(sourceField, source)

	indexMapping.DefaultMapping = doc
	return indexMapping
}

// createFieldMapping creates a field mapping for a document field type
func createFieldMapping(kind string) *mapping.FieldMapping {
	var fieldMapping *mapping.FieldMapping

	switch kind {
	case record.TypeKeyword:
		fieldMapping = bleve.NewKeywordFieldMapping()
	case record.TypeNumeric:
		fieldMapping = bleve.NewNumericFieldMapping()
	case record.TypeDate:
		fieldMapping = bleve.NewDateTimeFieldMapping()
	case record.TypeBoolean:
		fieldMapping = bleve.NewBooleanFieldMapping()
	default:
		fieldMapping = bleve.NewTextFieldMapping()
		fieldMapping.Analyzer = "standard"
	}

	fieldMapping.Store = false
	return fieldMapping
}

func indexFields(doc record.SearchDocument) (map[string]interface{}, error) {
	source, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	fields := doc.Fields()
	fields[sourceField] = string(source)
	return fields, nil
}

func decodeHits(result *bleve.SearchResult) ([]record.SearchDocument, error) {
	docs := make([]record.SearchDocument, 0, len(result.Hits))
	for _, hit := range result.Hits {
		raw, ok := hit.Fields[sourceField].(string)
		if !ok {
			return nil, fmt.Errorf("document %s has no stored source", hit.ID)
		}
		var doc record.SearchDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", hit.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// convertQuery converts the search half of a translation to a bleve query
func convertQuery(q filter.SearchQuery) (query.Query, error) {
	if len(q.Clauses) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}

	conjuncts := make([]query.Query, 0, len(q.Clauses))
	for _, c := range q.Clauses {
		var (
			sub query.Query
			err error
		)
		switch c.Kind {
		case filter.ClauseMatch:
			sub, err = convertMatchQuery(c)
		case filter.ClauseTerm:
			sub, err = convertTermQuery(c)
		case filter.ClauseRange:
			sub, err = convertRangeQuery(c)
		default:
			err = fmt.Errorf("unsupported clause kind %q", c.Kind)
		}
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, sub)
	}
	return bleve.NewConjunctionQuery(conjuncts...), nil
}

// convertMatchQuery converts analyzed, fuzzy text matches
func convertMatchQuery(c filter.Clause) (query.Query, error) {
	text, ok := c.Value.(string)
	if !ok {
		return nil, fmt.Errorf("match on %s needs text, got %T", c.Field, c.Value)
	}
	matchQuery := bleve.NewMatchQuery(text)
	matchQuery.SetField(c.Field)
	matchQuery.SetFuzziness(1)
	matchQuery.SetOperator(query.MatchQueryOperatorAnd)
	return matchQuery, nil
}

// convertTermQuery converts exact keyword and boolean matches
func convertTermQuery(c filter.Clause) (query.Query, error) {
	switch v := c.Value.(type) {
	case string:
		termQuery := bleve.NewTermQuery(v)
		termQuery.SetField(c.Field)
		return termQuery, nil
	case bool:
		boolQuery := bleve.NewBoolFieldQuery(v)
		boolQuery.SetField(c.Field)
		return boolQuery, nil
	default:
		return nil, fmt.Errorf("term on %s has unsupported value %T", c.Field, c.Value)
	}
}

// convertRangeQuery converts inclusive numeric and date ranges
func convertRangeQuery(c filter.Clause) (query.Query, error) {
	inclusive := true

	if isTime(c.Gte) || isTime(c.Lte) {
		var start, end time.Time
		if t, ok := c.Gte.(time.Time); ok {
			start = t
		}
		if t, ok := c.Lte.(time.Time); ok {
			end = t
		}
		dateQuery := bleve.NewDateRangeInclusiveQuery(start, end, &inclusive, &inclusive)
		dateQuery.SetField(c.Field)
		return dateQuery, nil
	}

	lo, err := toFloat(c.Gte)
	if err != nil {
		return nil, fmt.Errorf("range on %s: %w", c.Field, err)
	}
	hi, err := toFloat(c.Lte)
	if err != nil {
		return nil, fmt.Errorf("range on %s: %w", c.Field, err)
	}
	numericQuery := bleve.NewNumericRangeInclusiveQuery(lo, hi, &inclusive, &inclusive)
	numericQuery.SetField(c.Field)
	return numericQuery, nil
}

func isTime(v interface{}) bool {
	_, ok := v.(time.Time)
	return ok
}

func toFloat(v interface{}) (*float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case float64:
		f = n
	default:
		return nil, fmt.Errorf("unsupported bound type %T", v)
	}
	return &f, nil
}

// sortOrder converts sort fields to bleve sort strings ("-field" is descending)
func sortOrder(fields []filter.SortField) []string {
	if len(fields) == 0 {
		return []string{"_id"}
	}
	order := make([]string, 0, len(fields))
	for _, s := range fields {
		if s.Desc {
			order = append(order, "-"+s.Field)
		} else {
			order = append(order, s.Field)
		}
	}
	return order
}
