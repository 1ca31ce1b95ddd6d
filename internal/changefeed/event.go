// Package changefeed publishes row-level mutations of the compensation_records
// table to subscribers. PostgreSQL deployments use LISTEN/NOTIFY; SQLite and
// deployments without notification support poll a trigger-maintained change
// log.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/davidschrooten/compsync/internal/record"
)

// Operation is the kind of row mutation.
type Operation string

// Operations
const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "compensation_changes"

// ErrInvalidChannel is returned for channel names that are not plain SQL
// identifiers.
var ErrInvalidChannel = errors.New("invalid change channel name")

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Event is one row mutation. Row is the post-image for inserts and updates
// and nil for deletes.
type Event struct {
	Operation Operation                  `json:"operation"`
	Key       string                     `json:"key"`
	Row       *record.CompensationRecord `json:"row,omitempty"`
}

// ParseEvent decodes a notification payload.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode change event: %w", err)
	}

	switch ev.Operation {
	case OperationInsert, OperationUpdate, OperationDelete:
	default:
		return Event{}, fmt.Errorf("unknown change operation %q", ev.Operation)
	}

	if ev.Key == "" && ev.Row != nil {
		ev.Key = ev.Row.ID
	}
	if ev.Key == "" {
		return Event{}, errors.New("change event without key")
	}
	if ev.Operation == OperationDelete {
		ev.Row = nil
	}
	return ev, nil
}

// Source delivers change events for the compensation_records table.
type Source interface {
	// Setup installs the triggers that publish changes. It is idempotent.
	Setup(ctx context.Context) error
	// Teardown removes what Setup installed.
	Teardown(ctx context.Context) error
	// Listen delivers events until ctx ends, then closes the channel.
	Listen(ctx context.Context) (<-chan Event, error)
}

// ValidateChannel checks that name can be embedded in trigger SQL.
func ValidateChannel(name string) error {
	if !channelPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return nil
}
