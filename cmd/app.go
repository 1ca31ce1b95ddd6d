package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/config"
	"github.com/davidschrooten/compsync/internal/changefeed"
	"github.com/davidschrooten/compsync/internal/logger"
	"github.com/davidschrooten/compsync/internal/relational"
	"github.com/davidschrooten/compsync/internal/search"
	"github.com/davidschrooten/compsync/internal/search/elastic"
	syncstate "github.com/davidschrooten/compsync/internal/sync"
)

// app holds the shared resources every command builds on. The relational
// pool and the search client are created once and injected everywhere.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *relational.Store
	search search.Store
	state  *syncstate.StateManager
	source changefeed.Source
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zap.ReplaceGlobals(log)

	db, err := relational.Open(cfg.Database, log.Named("relational"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := openSearchStore(cfg.Search, log.Named("search"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize search store: %w", err)
	}

	state := syncstate.NewStateManager(cfg.Sync.StatePath, cfg.Search.IndexName, log.Named("state"))
	if err := state.Load(); err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	source, err := newChangeSource(cfg, db, state, log.Named("changefeed"))
	if err != nil {
		store.Close()
		db.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: log,
		db:     db,
		search: store,
		state:  state,
		source: source,
	}, nil
}

func (a *app) Close() {
	if err := a.search.Close(); err != nil {
		a.logger.Warn("Failed to close search store", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func openSearchStore(cfg config.SearchConfig, log *zap.Logger) (search.Store, error) {
	if cfg.Backend == config.BackendElasticsearch {
		store, err := elastic.New(cfg, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	engine, err := search.NewEngine(cfg, log)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

func newChangeSource(cfg *config.Config, db *relational.Store, state *syncstate.StateManager, log *zap.Logger) (changefeed.Source, error) {
	switch cfg.Transport() {
	case config.TransportNotify:
		source, err := changefeed.NewNotifySource(db.DB(), cfg.Database.DSN, cfg.Sync, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create notify change source: %w", err)
		}
		return source, nil
	default:
		return changefeed.NewChangeLogSource(db.DB(), db.Driver(), db, state, cfg.Sync, log), nil
	}
}
