// Package relational is the store of record for compensation records. It
// runs on PostgreSQL in production and SQLite locally, both through GORM.
package relational

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/record"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps a GORM connection pool.
type Store struct {
	db     *gorm.DB
	driver string
	logger *zap.Logger
}

// Page is one page of query results with the total match count.
type Page struct {
	Records []record.CompensationRecord
	Total   int64
}

// ExactStats are computed by the relational store over every matching row.
// Values are in the column's stored unit; nil means no row had a value.
type ExactStats struct {
	Count   int64
	Valued  int64
	Average *float64
	Minimum *float64
	Maximum *float64
	Median  *float64
}

// Open connects to the configured database and applies pool settings.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection pool: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == config.DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("Connected to relational store", zap.String("driver", cfg.Driver))

	store := &Store{db: db, driver: cfg.Driver, logger: logger}
	if cfg.AutoMigrate {
		if err := store.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// DB returns the underlying GORM handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Migrate creates or extends the compensation_records table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&record.CompensationRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CountRecords returns the number of rows in the table.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&record.CompensationRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// ListWindow reads one window of rows in primary-key order.
func (s *Store) ListWindow(ctx context.Context, offset, limit int) ([]record.CompensationRecord, error) {
	var recs []record.CompensationRecord
	err := s.db.WithContext(ctx).
		Order(filter.ColumnID + " ASC").
		Offset(offset).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read window at offset %d: %w", offset, err)
	}
	return recs, nil
}

// Get reads one record by primary key.
func (s *Store) Get(ctx context.Context, id string) (*record.CompensationRecord, error) {
	var rec record.CompensationRecord
	err := s.db.WithContext(ctx).Where(filter.ColumnID+" = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return &rec, nil
}

// Save inserts or updates records by primary key.
func (s *Store) Save(ctx context.Context, recs ...*record.CompensationRecord) error {
	for _, rec := range recs {
		if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
			return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Delete removes a record by primary key.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where(filter.ColumnID+" = ?", id).Delete(&record.CompensationRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// Query runs a translated query and returns the page and total match count.
func (s *Store) Query(ctx context.Context, q filter.RelationalQuery) (*Page, error) {
	db := s.db.WithContext(ctx)

	var total int64
	countSQL, countArgs := q.CountSQL()
	if err := db.Raw(countSQL, countArgs...).Scan(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}

	recs := []record.CompensationRecord{}
	selectSQL, selectArgs := q.SelectSQL()
	if err := db.Raw(selectSQL, selectArgs...).Scan(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	return &Page{Records: recs, Total: total}, nil
}

type statsRow struct {
	Count   int64
	Valued  int64
	Average *float64
	Minimum *float64
	Maximum *float64
}

// Stats computes exact statistics, including the median, of column over the
// rows matching the query. column must be a trusted expression.
func (s *Store) Stats(ctx context.Context, q filter.RelationalQuery, column string) (*ExactStats, error) {
	db := s.db.WithContext(ctx)

	var row statsRow
	statsSQL, statsArgs := q.StatsSQL(column)
	if err := db.Raw(statsSQL, statsArgs...).Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to compute statistics: %w", err)
	}

	stats := &ExactStats{
		Count:   row.Count,
		Valued:  row.Valued,
		Average: row.Average,
		Minimum: row.Minimum,
		Maximum: row.Maximum,
	}
	if row.Valued == 0 {
		return stats, nil
	}

	var median struct {
		Median *float64
	}
	medianSQL, medianArgs := q.MedianSQL(column, row.Valued)
	if err := db.Raw(medianSQL, medianArgs...).Scan(&median).Error; err != nil {
		return nil, fmt.Errorf("failed to compute median: %w", err)
	}
	stats.Median = median.Median
	return stats, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
