package worker

import (
	"database/sql"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/history"
)

// Storage bundles the history backend and entity store opened from one
// StorageConfig so both land in the same database.
type Storage struct {
	Backend  history.Backend
	Entities entity.Store

	db *sql.DB
}

// OpenStorage opens the configured storage driver. The caller registers
// the sql driver; for SQLite import github.com/mattn/go-sqlite3.
func OpenStorage(cfg StorageConfig) (*Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		return &Storage{
			Backend:  history.NewInMemoryStore(),
			Entities: entity.NewInMemoryStore(),
		}, nil
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, durable.NewError(durable.ErrInvalidConfig, "cannot open sqlite database", err, map[string]any{
				"dsn": cfg.DSN,
			})
		}
		// concurrent writers trip SQLITE_BUSY; a single connection is
		// plenty for a per-process runtime
		db.SetMaxOpenConns(1)
		return &Storage{
			Backend:  history.NewSQLiteStore(db, cfg.TablePrefix),
			Entities: entity.NewSQLiteStore(db, cfg.TablePrefix),
			db:       db,
		}, nil
	default:
		return nil, durable.NewError(durable.ErrInvalidConfig, "unknown storage driver", nil, map[string]any{
			"driver": cfg.Driver,
		})
	}
}

// Close releases the underlying database handle, if any.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
