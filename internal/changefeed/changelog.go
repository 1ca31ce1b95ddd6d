package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/record"
	"github.com/davidschrooten/compsync/internal/relational"
)

// ChangeTable is the trigger-maintained change log.
const ChangeTable = "compensation_changes"

const logFunction = "compensation_records_log"

// Change is one entry of the change log. Only the key is logged; the row
// is read back when the entry is consumed.
type Change struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Operation string    `gorm:"type:varchar(16);not null"`
	RecordKey string    `gorm:"type:varchar(64);not null"`
	ChangedAt time.Time `gorm:"not null"`
}

// TableName pins the table name used by the triggers.
func (Change) TableName() string {
	return ChangeTable
}

// RowLoader reads the current version of a record.
type RowLoader interface {
	Get(ctx context.Context, id string) (*record.CompensationRecord, error)
}

// CheckpointStore persists the id of the last consumed change log entry.
type CheckpointStore interface {
	ChangeCheckpoint() int64
	SetChangeCheckpoint(id int64)
}

// ChangeLogSource polls the change log for entries after the checkpoint.
// Entries are delivered in log order and pruned once consumed.
type ChangeLogSource struct {
	db          *gorm.DB
	driver      string
	loader      RowLoader
	checkpoints CheckpointStore
	batch       int
	interval    time.Duration
	logger      *zap.Logger
}

// NewChangeLogSource creates a polling change source.
func NewChangeLogSource(db *gorm.DB, driver string, loader RowLoader, checkpoints CheckpointStore, cfg config.SyncConfig, logger *zap.Logger) *ChangeLogSource {
	if logger == nil {
		logger = zap.NewNop()
	}

	batch := cfg.ChangeBuffer
	if batch <= 0 {
		batch = 1
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &ChangeLogSource{
		db:          db,
		driver:      driver,
		loader:      loader,
		checkpoints: checkpoints,
		batch:       batch,
		interval:    interval,
		logger:      logger.With(zap.String("table", ChangeTable)),
	}
}

// Setup creates the change log table and the triggers feeding it.
func (s *ChangeLogSource) Setup(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Change{}); err != nil {
		return fmt.Errorf("failed to migrate change log: %w", err)
	}

	statements, err := changeLogInstallSQL(s.driver)
	if err != nil {
		return err
	}
	if err := execAll(ctx, s.db, statements); err != nil {
		return fmt.Errorf("failed to install change log triggers: %w", err)
	}

	s.logger.Info("Installed change log triggers", zap.String("driver", s.driver))
	return nil
}

// Teardown removes the triggers. The change log table is kept.
func (s *ChangeLogSource) Teardown(ctx context.Context) error {
	statements, err := changeLogRemoveSQL(s.driver)
	if err != nil {
		return err
	}
	if err := execAll(ctx, s.db, statements); err != nil {
		return fmt.Errorf("failed to remove change log triggers: %w", err)
	}
	return nil
}

// Listen starts the poller and delivers events until ctx ends.
func (s *ChangeLogSource) Listen(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, s.batch)
	go s.run(ctx, events)
	return events, nil
}

func (s *ChangeLogSource) run(ctx context.Context, events chan<- Event) {
	defer close(events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Started change log poller",
		zap.Duration("interval", s.interval),
		zap.Int64("checkpoint", s.checkpoints.ChangeCheckpoint()))

	for {
		s.drain(ctx, events)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain polls until the log is caught up.
func (s *ChangeLogSource) drain(ctx context.Context, events chan<- Event) {
	for {
		n, err := s.poll(ctx, events)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Failed to poll change log", zap.Error(err))
			}
			return
		}
		if n < s.batch {
			return
		}
	}
}

// poll delivers one batch of entries after the checkpoint and returns the
// number of entries consumed. The checkpoint advances once an event is handed
// to the channel.
func (s *ChangeLogSource) poll(ctx context.Context, events chan<- Event) (int, error) {
	var changes []Change
	err := s.db.WithContext(ctx).
		Where("id > ?", s.checkpoints.ChangeCheckpoint()).
		Order("id ASC").
		Limit(s.batch).
		Find(&changes).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read change log: %w", err)
	}

	for _, change := range changes {
		ev := Event{Operation: Operation(change.Operation), Key: change.RecordKey}

		if ev.Operation != OperationDelete {
			rec, err := s.loader.Get(ctx, change.RecordKey)
			if errors.Is(err, relational.ErrNotFound) {
				// Deleted since; its own delete entry follows.
				s.logger.Debug("Changed row no longer exists, skipping",
					zap.Int64("change", change.ID), zap.String("key", change.RecordKey))
				s.checkpoints.SetChangeCheckpoint(change.ID)
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("failed to read changed row %s: %w", change.RecordKey, err)
			}
			ev.Row = rec
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		s.checkpoints.SetChangeCheckpoint(change.ID)
	}

	if len(changes) > 0 {
		err := s.db.WithContext(ctx).
			Where("id <= ?", s.checkpoints.ChangeCheckpoint()).
			Delete(&Change{}).Error
		if err != nil {
			s.logger.Warn("Failed to prune change log", zap.Error(err))
		}
	}

	return len(changes), nil
}

func changeLogInstallSQL(driver string) ([]string, error) {
	switch driver {
	case config.DriverSQLite:
		statements := make([]string, 0, 3)
		for _, op := range []Operation{OperationInsert, OperationUpdate, OperationDelete} {
			row := "NEW"
			if op == OperationDelete {
				row = "OLD"
			}
			statements = append(statements, fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_%[2]s AFTER %[3]s ON %[4]s
BEGIN
	INSERT INTO %[5]s (operation, record_key, changed_at) VALUES ('%[2]s', %[6]s.id, CURRENT_TIMESTAMP);
END`, logFunction, op, sqlVerb(op), record.TableName, ChangeTable, row))
		}
		return statements, nil
	case config.DriverPostgres:
		return []string{
			fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		INSERT INTO %[2]s (operation, record_key, changed_at) VALUES ('delete', OLD.id, now());
	ELSE
		INSERT INTO %[2]s (operation, record_key, changed_at) VALUES (lower(TG_OP), NEW.id, now());
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`, logFunction, ChangeTable),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, logFunction, record.TableName),
			fmt.Sprintf(`CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[2]s FOR EACH ROW EXECUTE FUNCTION %[1]s()`,
				logFunction, record.TableName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported change log driver: %s", driver)
	}
}

func changeLogRemoveSQL(driver string) ([]string, error) {
	switch driver {
	case config.DriverSQLite:
		statements := make([]string, 0, 3)
		for _, op := range []Operation{OperationInsert, OperationUpdate, OperationDelete} {
			statements = append(statements, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_%s`, logFunction, op))
		}
		return statements, nil
	case config.DriverPostgres:
		return []string{
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, logFunction, record.TableName),
			fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, logFunction),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported change log driver: %s", driver)
	}
}

func sqlVerb(op Operation) string {
	switch op {
	case OperationInsert:
		return "INSERT"
	case OperationUpdate:
		return "UPDATE"
	default:
		return "DELETE"
	}
}
