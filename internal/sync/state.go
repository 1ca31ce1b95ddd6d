package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the bulk sync status of the index.
type Status string

// Sync statuses
const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// Report summarizes one bulk sync run.
type Report struct {
	RunID       string    `json:"runId"`
	Total       int64     `json:"total"`
	Processed   int64     `json:"processed"`
	Failed      int64     `json:"failed"`
	WindowCount int       `json:"windowCount"`
	SearchCount int64     `json:"searchCount"`
	Verified    bool      `json:"verified"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// IndexState represents the sync state of the search index
type IndexState struct {
	IndexName        string    `json:"indexName"`
	Status           Status    `json:"status"`
	Progress         string    `json:"progress"`
	TotalRecords     int64     `json:"totalRecords"`
	DocumentsIndexed int64     `json:"documentsIndexed"`
	DocumentsFailed  int64     `json:"documentsFailed"`
	LastRun          *Report   `json:"lastRun,omitempty"`
	LastSyncTime     time.Time `json:"lastSyncTime"`
	LastError        string    `json:"lastError,omitempty"`
	// Change capture
	ChangeCheckpoint int64     `json:"changeCheckpoint"`
	ChangesApplied   int64     `json:"changesApplied"`
	ChangesFailed    int64     `json:"changesFailed"`
	LastChangeTime   time.Time `json:"lastChangeTime"`
}

// SyncState is the persisted document
type SyncState struct {
	Index     IndexState `json:"index"`
	LastSaved time.Time  `json:"lastSaved"`
}

// StateManager handles loading and saving sync state. An empty file path
// keeps the state in memory only.
type StateManager struct {
	filePath string
	state    *SyncState
	mutex    sync.RWMutex
	logger   *zap.Logger
}

// NewStateManager creates a new sync state manager
func NewStateManager(filePath, indexName string, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		filePath: filePath,
		state: &SyncState{
			Index: IndexState{IndexName: indexName, Status: StatusIdle},
		},
		logger: logger,
	}
}

// Load loads the sync state from disk. State recorded for a different index
// name is discarded.
func (sm *StateManager) Load() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(sm.filePath)
	if os.IsNotExist(err) {
		sm.logger.Info("Sync state file not found, starting fresh", zap.String("path", sm.filePath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sync state file: %w", err)
	}

	var loaded SyncState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse sync state file: %w", err)
	}

	if loaded.Index.IndexName != sm.state.Index.IndexName {
		sm.logger.Warn("Sync state belongs to another index, starting fresh",
			zap.String("stored", loaded.Index.IndexName), zap.String("configured", sm.state.Index.IndexName))
		return nil
	}

	// A run cannot still be in progress after a restart
	loaded.Index.Status = StatusIdle
	sm.state = &loaded
	sm.logger.Info("Loaded sync state",
		zap.String("path", sm.filePath),
		zap.Int64("changeCheckpoint", loaded.Index.ChangeCheckpoint))
	return nil
}

// Save saves the current sync state to disk
func (sm *StateManager) Save() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.filePath == "" {
		return nil
	}

	sm.state.LastSaved = time.Now()

	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	// Write to temporary file first
	tempFile := sm.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp sync state file: %w", err)
	}

	// Atomic move
	if err := os.Rename(tempFile, sm.filePath); err != nil {
		return fmt.Errorf("failed to move sync state file: %w", err)
	}

	return nil
}

// Snapshot returns a copy of the index state
func (sm *StateManager) Snapshot() IndexState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	state := sm.state.Index
	if state.LastRun != nil {
		run := *state.LastRun
		state.LastRun = &run
	}
	return state
}

// BeginRun marks a bulk sync as started and resets its counters
func (sm *StateManager) BeginRun(total int64) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.Index.Status = StatusInProgress
	sm.state.Index.TotalRecords = total
	sm.state.Index.DocumentsIndexed = 0
	sm.state.Index.DocumentsFailed = 0
	sm.state.Index.Progress = progress(0, total)
}

// RecordWindow adds the outcome of one window to the running counters
func (sm *StateManager) RecordWindow(indexed, failed int64) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.Index.DocumentsIndexed += indexed
	sm.state.Index.DocumentsFailed += failed
	done := sm.state.Index.DocumentsIndexed + sm.state.Index.DocumentsFailed
	sm.state.Index.Progress = progress(done, sm.state.Index.TotalRecords)
}

// FinishRun stores the run report, marks the index idle and saves
func (sm *StateManager) FinishRun(report Report) error {
	sm.mutex.Lock()
	sm.state.Index.Status = StatusIdle
	sm.state.Index.Progress = "100%"
	sm.state.Index.LastRun = &report
	sm.state.Index.LastSyncTime = report.FinishedAt
	sm.state.Index.LastError = ""
	sm.mutex.Unlock()

	return sm.Save()
}

// FailRun marks a bulk sync that could not run to completion
func (sm *StateManager) FailRun(cause error) error {
	sm.mutex.Lock()
	sm.state.Index.Status = StatusFailed
	sm.state.Index.LastError = cause.Error()
	sm.mutex.Unlock()

	return sm.Save()
}

// ChangeCheckpoint returns the id of the last consumed change log entry
func (sm *StateManager) ChangeCheckpoint() int64 {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.state.Index.ChangeCheckpoint
}

// SetChangeCheckpoint advances the change log checkpoint. It never moves
// backwards.
func (sm *StateManager) SetChangeCheckpoint(id int64) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if id > sm.state.Index.ChangeCheckpoint {
		sm.state.Index.ChangeCheckpoint = id
	}
}

// RecordChange counts one applied or dropped change event
func (sm *StateManager) RecordChange(applied bool, at time.Time) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if applied {
		sm.state.Index.ChangesApplied++
	} else {
		sm.state.Index.ChangesFailed++
	}
	sm.state.Index.LastChangeTime = at
}

// StartPeriodicSave starts a goroutine that periodically saves state
func (sm *StateManager) StartPeriodicSave(interval time.Duration, stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sm.Save(); err != nil {
				sm.logger.Error("Failed to save sync state", zap.Error(err))
			}
		case <-stopCh:
			// Final save before stopping
			if err := sm.Save(); err != nil {
				sm.logger.Error("Failed to save sync state on shutdown", zap.Error(err))
			}
			return
		}
	}
}

func progress(done, total int64) string {
	if total <= 0 {
		return "100%"
	}
	if done > total {
		done = total
	}
	return fmt.Sprintf("%d%%", done*100/total)
}
