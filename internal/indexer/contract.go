package indexer

import (
	"context"

	"github.com/davidschrooten/compsync/internal/record"
)

// RelationalSource is the read side of the store of record.
type RelationalSource interface {
	CountRecords(ctx context.Context) (int64, error)
	ListWindow(ctx context.Context, offset, limit int) ([]record.CompensationRecord, error)
	Get(ctx context.Context, id string) (*record.CompensationRecord, error)
	Ping(ctx context.Context) error
}
