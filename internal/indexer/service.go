// Package indexer keeps the search store in step with the relational store:
// a windowed bulk sync for the full table and a subscriber applying change
// events one at a time.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/changefeed"
	"github.com/davidschrooten/compsync/internal/metrics"
	"github.com/davidschrooten/compsync/internal/record"
	"github.com/davidschrooten/compsync/internal/relational"
	"github.com/davidschrooten/compsync/internal/search"
	syncstate "github.com/davidschrooten/compsync/internal/sync"
)

// Errors
var (
	ErrSyncInProgress = errors.New("bulk sync already in progress")
	ErrNoChangeSource = errors.New("no change source configured")
)

const stateSaveInterval = 30 * time.Second

// WindowReport is the outcome of one bulk sync window. Size is the number of
// rows read, or the expected number when the read failed.
type WindowReport struct {
	Index     int    `json:"index"`
	Offset    int    `json:"offset"`
	Size      int    `json:"size"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Attempts  int    `json:"attempts"`
	Err       string `json:"error,omitempty"`
}

// SyncReport is the outcome of a bulk sync run.
type SyncReport struct {
	syncstate.Report
	Windows []WindowReport `json:"windows"`
}

// Health reports store reachability.
type Health struct {
	Relational bool `json:"relational"`
	Search     bool `json:"search"`
}

// Service manages bulk sync and change capture
type Service struct {
	relational RelationalSource
	search     search.Store
	source     changefeed.Source
	state      *syncstate.StateManager
	cfg        config.SyncConfig
	logger     *zap.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	running atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewService creates a new indexer service and ensures the search index
// exists. source may be nil when change capture is not used.
func NewService(ctx context.Context, rel RelationalSource, store search.Store, source changefeed.Source, state *syncstate.StateManager, cfg config.SyncConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 1
	}

	if err := store.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure search index: %w", err)
	}

	return &Service{
		relational: rel,
		search:     store,
		source:     source,
		state:      state,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepContext,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins background work: periodic state saving, change capture and,
// when configured, the startup bulk sync. Change capture starts first so
// mutations made during the bulk sync are not missed.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting indexer service")

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.state.StartPeriodicSave(stateSaveInterval, s.stopCh, &s.wg)

	if s.source != nil {
		if err := s.StartChangeCapture(runCtx); err != nil {
			return err
		}
	}

	if s.cfg.OnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.SyncAll(runCtx); err != nil && runCtx.Err() == nil {
				s.logger.Error("Startup sync failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop cancels background work and waits for it to finish
func (s *Service) Stop() {
	s.once.Do(func() {
		s.logger.Info("Stopping indexer service")

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		close(s.stopCh)
		s.wg.Wait()

		if err := s.state.Save(); err != nil {
			s.logger.Error("Failed to save sync state during shutdown", zap.Error(err))
		}
		s.logger.Info("Indexer service stopped")
	})
}

// TriggerSync starts a bulk sync in the background.
func (s *Service) TriggerSync() error {
	if s.running.Load() {
		return ErrSyncInProgress
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.SyncAll(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
			s.logger.Error("Triggered sync failed", zap.Error(err))
		}
	}()
	return nil
}

// Status returns the persisted sync state and whether a run is active.
func (s *Service) Status() (syncstate.IndexState, bool) {
	return s.state.Snapshot(), s.running.Load()
}

// HealthCheck pings both stores.
func (s *Service) HealthCheck(ctx context.Context) Health {
	var h Health
	if err := s.relational.Ping(ctx); err != nil {
		s.logger.Warn("Relational store health check failed", zap.Error(err))
	} else {
		h.Relational = true
	}
	if err := s.search.Ping(ctx); err != nil {
		s.logger.Warn("Search store health check failed", zap.Error(err))
	} else {
		h.Search = true
	}
	return h
}

// SyncAll copies every relational row into the search store in primary-key
// ordered windows. Window failures are counted, not fatal; the returned error
// is reserved for failures that prevent the run itself.
func (s *Service) SyncAll(ctx context.Context) (*SyncReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	report := &SyncReport{Report: syncstate.Report{RunID: uuid.NewString(), StartedAt: started.UTC()}}
	logger := s.logger.With(zap.String("runId", report.RunID))

	total, err := s.relational.CountRecords(ctx)
	if err != nil {
		s.failRun(logger, err)
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	report.Total = total
	s.state.BeginRun(total)

	logger.Info("Starting bulk sync",
		zap.Int64("total", total),
		zap.Int("windowSize", s.cfg.WindowSize))

	for offset, index := 0, 0; int64(offset) < total; index++ {
		if err := ctx.Err(); err != nil {
			s.failRun(logger, err)
			return nil, err
		}

		win := s.syncWindow(ctx, logger, index, offset, total)
		report.Windows = append(report.Windows, win)
		report.Processed += win.Processed
		report.Failed += win.Failed
		s.state.RecordWindow(win.Processed, win.Failed)
		metrics.SyncDocumentsTotal.WithLabelValues("indexed").Add(float64(win.Processed))
		metrics.SyncDocumentsTotal.WithLabelValues("failed").Add(float64(win.Failed))

		if win.Size < s.cfg.WindowSize {
			break
		}
		offset += s.cfg.WindowSize
	}
	report.WindowCount = len(report.Windows)

	if err := s.search.Refresh(ctx); err != nil {
		logger.Warn("Failed to refresh search index", zap.Error(err))
	}
	if s.cfg.Verify {
		s.verify(ctx, logger, report)
	}

	report.FinishedAt = time.Now().UTC()
	metrics.SyncRunDuration.Observe(time.Since(started).Seconds())

	if err := s.state.FinishRun(report.Report); err != nil {
		logger.Warn("Failed to persist sync report", zap.Error(err))
	}

	logger.Info("Bulk sync completed",
		zap.Int64("total", report.Total),
		zap.Int64("processed", report.Processed),
		zap.Int64("failed", report.Failed),
		zap.Int("windows", report.WindowCount),
		zap.Duration("duration", time.Since(started)))

	return report, nil
}

func (s *Service) syncWindow(ctx context.Context, logger *zap.Logger, index, offset int, total int64) WindowReport {
	win := WindowReport{Index: index, Offset: offset}

	expected := s.cfg.WindowSize
	if remaining := total - int64(offset); remaining < int64(expected) {
		expected = int(remaining)
	}

	rows, err := s.relational.ListWindow(ctx, offset, s.cfg.WindowSize)
	if err != nil {
		win.Size = expected
		win.Failed = int64(expected)
		win.Err = err.Error()
		metrics.SyncWindowsTotal.WithLabelValues("read_failed").Inc()
		logger.Warn("Failed to read sync window", zap.Int("window", index), zap.Int("offset", offset), zap.Error(err))
		return win
	}

	win.Size = len(rows)
	if len(rows) == 0 {
		metrics.SyncWindowsTotal.WithLabelValues("empty").Inc()
		return win
	}
	docs := record.TransformAll(rows)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryCeiling; attempt++ {
		win.Attempts = attempt
		if attempt > 1 {
			metrics.SyncRetriesTotal.Inc()
		}

		res, err := s.search.BulkIndex(ctx, docs)
		if err == nil {
			win.Processed = int64(res.Indexed)
			win.Failed = int64(res.Failed)
			for _, itemErr := range res.Errors {
				logger.Debug("Document rejected by search store", zap.String("id", itemErr.ID), zap.String("reason", itemErr.Reason))
			}
			outcome := "ok"
			if res.Failed > 0 {
				outcome = "partial"
				logger.Warn("Sync window partially failed", zap.Int("window", index), zap.Int("failed", res.Failed))
			}
			metrics.SyncWindowsTotal.WithLabelValues(outcome).Inc()
			return win
		}

		lastErr = err
		logger.Warn("Bulk write failed",
			zap.Int("window", index),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", s.cfg.RetryCeiling),
			zap.Error(err))

		if attempt < s.cfg.RetryCeiling {
			if err := s.sleep(ctx, s.cfg.BackoffBase*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	win.Failed = int64(len(docs))
	win.Err = lastErr.Error()
	metrics.SyncWindowsTotal.WithLabelValues("failed").Inc()
	logger.Error("Sync window failed", zap.Int("window", index), zap.Int("offset", offset), zap.Int("attempts", win.Attempts), zap.Error(lastErr))
	return win
}

func (s *Service) verify(ctx context.Context, logger *zap.Logger, report *SyncReport) {
	count, err := s.search.Count(ctx)
	if err != nil {
		logger.Warn("Failed to count search documents", zap.Error(err))
		return
	}
	report.SearchCount = count
	report.Verified = count == report.Total
	if !report.Verified {
		logger.Warn("Search document count does not match relational row count",
			zap.Int64("relational", report.Total),
			zap.Int64("search", count))
	}
}

func (s *Service) failRun(logger *zap.Logger, cause error) {
	logger.Error("Bulk sync aborted", zap.Error(cause))
	if err := s.state.FailRun(cause); err != nil {
		logger.Warn("Failed to persist sync state", zap.Error(err))
	}
}

// StartChangeCapture subscribes to the change source and applies events in
// arrival order until ctx ends.
func (s *Service) StartChangeCapture(ctx context.Context) error {
	if s.source == nil {
		return ErrNoChangeSource
	}

	events, err := s.source.Listen(ctx)
	if err != nil {
		return fmt.Errorf("failed to start change capture: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Change capture started")
		for ev := range events {
			s.handleChange(ctx, ev)
		}
		s.logger.Info("Change capture stopped")
	}()
	return nil
}

func (s *Service) handleChange(ctx context.Context, ev changefeed.Event) {
	err := s.ApplyChange(ctx, ev)
	outcome := "applied"
	if err != nil {
		outcome = "failed"
		s.logger.Error("Dropping change event",
			zap.String("operation", string(ev.Operation)),
			zap.String("key", ev.Key),
			zap.Error(err))
	}
	metrics.ChangeEventsTotal.WithLabelValues(string(ev.Operation), outcome).Inc()
	s.state.RecordChange(err == nil, time.Now())
}

// ApplyChange applies one change event to the search store. Inserts and
// updates upsert the transformed row and wait for visibility; deletes remove
// the document by key, and a missing document counts as success.
func (s *Service) ApplyChange(ctx context.Context, ev changefeed.Event) error {
	switch ev.Operation {
	case changefeed.OperationInsert, changefeed.OperationUpdate:
		row := ev.Row
		if row == nil {
			rec, err := s.relational.Get(ctx, ev.Key)
			if errors.Is(err, relational.ErrNotFound) {
				// Deleted before we got to it
				return s.deleteDocument(ctx, ev.Key)
			}
			if err != nil {
				return fmt.Errorf("failed to read record %s: %w", ev.Key, err)
			}
			row = rec
		}
		if err := s.search.Upsert(ctx, record.Transform(*row), true); err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", ev.Key, err)
		}
		return nil
	case changefeed.OperationDelete:
		return s.deleteDocument(ctx, ev.Key)
	default:
		return fmt.Errorf("unknown change operation %q", ev.Operation)
	}
}

func (s *Service) deleteDocument(ctx context.Context, key string) error {
	if err := s.search.Delete(ctx, key, true); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
