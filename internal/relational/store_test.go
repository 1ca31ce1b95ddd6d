package relational

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/record"
)

var created = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "comp.db"),
		AutoMigrate: true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *Store) {
	t.Helper()
	recs := []*record.CompensationRecord{
		{ID: "a", Company: "Acme", Location: "San Francisco, CA", Level: "Senior", BaseSalaryCents: record.Int64(12000000), YearsExperience: record.Float64(6), CreatedAt: created.Add(1 * time.Hour)},
		{ID: "b", Company: "Globex", Location: "san francisco", Level: "Mid", BaseSalaryCents: record.Int64(11000000), YearsExperience: record.Float64(3), CreatedAt: created.Add(2 * time.Hour)},
		{ID: "c", Company: "Initech", Location: "SAN FRANCISCO", Level: "Senior", BaseSalaryCents: record.Int64(9500000), CreatedAt: created.Add(3 * time.Hour)},
		{ID: "d", Company: "Acme", Location: "New York", Level: "Junior", CreatedAt: created.Add(4 * time.Hour)},
	}
	require.NoError(t, store.Save(context.Background(), recs...))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestStore_GetSaveDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store)

	rec, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.Company)
	assert.Equal(t, int64(12000000), *rec.BaseSalaryCents)
	assert.Nil(t, rec.Remote)

	rec.Level = "Staff"
	require.NoError(t, store.Save(ctx, rec))
	rec, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Staff", rec.Level)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a missing row is not an error
	assert.NoError(t, store.Delete(ctx, "a"))
}

func TestStore_ListWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := make([]*record.CompensationRecord, 0, 25)
	for i := 0; i < 25; i++ {
		recs = append(recs, &record.CompensationRecord{ID: fmt.Sprintf("rec-%03d", i), CreatedAt: created})
	}
	require.NoError(t, store.Save(ctx, recs...))

	n, err := store.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	var seen []string
	for offset := 0; offset < 25; offset += 10 {
		window, err := store.ListWindow(ctx, offset, 10)
		require.NoError(t, err)
		for _, r := range window {
			seen = append(seen, r.ID)
		}
	}
	require.Len(t, seen, 25)
	assert.Equal(t, "rec-000", seen[0])
	assert.Equal(t, "rec-024", seen[24])
}

func TestStore_Query(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)

	tr := filter.NewTranslator(filter.Options{}, nil).Translate(
		filter.Filter{Location: filter.String("San Francisco")},
		filter.Sort{Field: "baseSalary", Direction: filter.Asc},
		filter.Pagination{Limit: 2},
	)
	page, err := store.Query(context.Background(), tr.Relational)
	require.NoError(t, err)

	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "c", page.Records[0].ID)
	assert.Equal(t, "b", page.Records[1].ID)
	assert.True(t, page.Records[0].CreatedAt.Equal(created.Add(3*time.Hour)))
}

func TestStore_QueryLikeWildcardsAreLiteral(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx,
		&record.CompensationRecord{ID: "x", JobTitle: "100% remote", CreatedAt: created},
		&record.CompensationRecord{ID: "y", JobTitle: "1000 engineers", CreatedAt: created},
	))

	tr := filter.NewTranslator(filter.Options{}, nil).Translate(
		filter.Filter{JobTitle: filter.String("100%")}, filter.Sort{}, filter.Pagination{})
	page, err := store.Query(ctx, tr.Relational)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "x", page.Records[0].ID)
}

func TestStore_QueryExperienceBracketIncludesUnknownYears(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)

	tr := filter.NewTranslator(filter.Options{}, nil).Translate(
		filter.Filter{ExperienceBracket: filter.String(record.ExperienceJunior)},
		filter.Sort{Field: "createdAt", Direction: filter.Asc},
		filter.Pagination{},
	)
	page, err := store.Query(context.Background(), tr.Relational)
	require.NoError(t, err)

	ids := make([]string, 0, len(page.Records))
	for _, r := range page.Records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"c", "d"}, ids)
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)

	tr := filter.NewTranslator(filter.Options{}, nil).Translate(
		filter.Filter{Location: filter.String("san francisco")}, filter.Sort{}, filter.Pagination{})
	stats, err := store.Stats(context.Background(), tr.Relational, filter.ColumnBaseSalary)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(3), stats.Valued)
	require.NotNil(t, stats.Average)
	assert.InDelta(t, 10833333.333, *stats.Average, 0.001)
	assert.Equal(t, 9500000.0, *stats.Minimum)
	assert.Equal(t, 12000000.0, *stats.Maximum)
	require.NotNil(t, stats.Median)
	assert.Equal(t, 11000000.0, *stats.Median)
}

func TestStore_StatsEvenMedianAndNulls(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)

	// only a and b carry years of experience
	tr := filter.NewTranslator(filter.Options{}, nil).Translate(filter.Filter{}, filter.Sort{}, filter.Pagination{})
	stats, err := store.Stats(context.Background(), tr.Relational, filter.ColumnYearsExperience)
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.Count)
	assert.Equal(t, int64(2), stats.Valued)
	require.NotNil(t, stats.Median)
	assert.Equal(t, 4.5, *stats.Median)
}

func TestStore_StatsNoMatches(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)

	tr := filter.NewTranslator(filter.Options{}, nil).Translate(
		filter.Filter{Level: filter.String("Principal")}, filter.Sort{}, filter.Pagination{})
	stats, err := store.Stats(context.Background(), tr.Relational, filter.ColumnBaseSalary)
	require.NoError(t, err)

	assert.Equal(t, int64(0), stats.Count)
	assert.Nil(t, stats.Average)
	assert.Nil(t, stats.Median)
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
