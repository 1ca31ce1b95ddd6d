package changefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/record"
)

const notifyFunction = "compensation_records_notify"

// NotifySource publishes changes with a PostgreSQL trigger calling pg_notify
// and receives them on a dedicated LISTEN connection. The connection is
// opened from the DSN and never shared with the relational pool.
type NotifySource struct {
	db      *gorm.DB
	dsn     string
	channel string
	buffer  int
	retry   time.Duration
	logger  *zap.Logger
}

// NewNotifySource creates a LISTEN/NOTIFY change source.
func NewNotifySource(db *gorm.DB, dsn string, cfg config.SyncConfig, logger *zap.Logger) (*NotifySource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	channel := cfg.ChangeChannel
	if channel == "" {
		channel = DefaultChannel
	}
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}

	buffer := cfg.ChangeBuffer
	if buffer <= 0 {
		buffer = 1
	}
	retry := cfg.PollInterval
	if retry <= 0 {
		retry = 2 * time.Second
	}

	return &NotifySource{
		db:      db,
		dsn:     dsn,
		channel: channel,
		buffer:  buffer,
		retry:   retry,
		logger:  logger.With(zap.String("channel", channel)),
	}, nil
}

// Setup installs the notify trigger on compensation_records.
func (s *NotifySource) Setup(ctx context.Context) error {
	if err := execAll(ctx, s.db, notifyInstallSQL(s.channel)); err != nil {
		return fmt.Errorf("failed to install notify trigger: %w", err)
	}
	s.logger.Info("Installed change notify trigger", zap.String("function", notifyFunction))
	return nil
}

// Teardown removes the notify trigger and its function.
func (s *NotifySource) Teardown(ctx context.Context) error {
	if err := execAll(ctx, s.db, notifyRemoveSQL()); err != nil {
		return fmt.Errorf("failed to remove notify trigger: %w", err)
	}
	return nil
}

// Listen opens the LISTEN connection and delivers notifications until ctx
// ends. A lost connection is re-established after the retry interval;
// notifications sent while disconnected are not replayed.
func (s *NotifySource) Listen(ctx context.Context) (<-chan Event, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, s.buffer)
	go s.run(ctx, conn, events)
	return events, nil
}

func (s *NotifySource) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to listen on %s: %w", s.channel, err)
	}
	s.logger.Info("Listening for change notifications")
	return conn, nil
}

func (s *NotifySource) run(ctx context.Context, conn *pgx.Conn, events chan<- Event) {
	defer close(events)
	defer func() {
		if conn != nil {
			conn.Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retry):
			}
			c, err := s.connect(ctx)
			if err != nil {
				s.logger.Warn("Failed to reconnect listener", zap.Error(err))
				continue
			}
			conn = c
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Listener connection lost", zap.Error(err))
			conn.Close(context.Background())
			conn = nil
			continue
		}

		ev, err := ParseEvent([]byte(n.Payload))
		if err != nil {
			s.logger.Warn("Dropping malformed change notification", zap.Error(err))
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func notifyInstallSQL(channel string) []string {
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
DECLARE
	payload json;
BEGIN
	IF TG_OP = 'DELETE' THEN
		payload := json_build_object('operation', 'delete', 'key', OLD.id);
	ELSE
		payload := json_build_object('operation', lower(TG_OP), 'key', NEW.id, 'row', row_to_json(NEW));
	END IF;
	PERFORM pg_notify('%[2]s', payload::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`, notifyFunction, channel),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, notifyFunction, record.TableName),
		fmt.Sprintf(`CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[2]s FOR EACH ROW EXECUTE FUNCTION %[1]s()`,
			notifyFunction, record.TableName),
	}
}

func notifyRemoveSQL() []string {
	return []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, notifyFunction, record.TableName),
		fmt.Sprintf(`DROP FUNCTION IF EXISTS %s()`, notifyFunction),
	}
}

func execAll(ctx context.Context, db *gorm.DB, statements []string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
