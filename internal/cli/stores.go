package cli

import (
	"database/sql"
	"fmt"

	"github.com/ogyrec-o/rune-companion/internal/config"
	"github.com/ogyrec-o/rune-companion/internal/relevance"
	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/internal/storage/postgres"
	"github.com/ogyrec-o/rune-companion/internal/storage/sqlite"
)

// stores bundles the three stores over one shared database handle.
type stores struct {
	db       *sql.DB
	memories storage.MemoryStore
	facts    storage.FactStore
	tasks    storage.TaskStore
}

func (s *stores) Close() error {
	return s.db.Close()
}

// openStores opens the configured backend and builds the stores with the
// configured eviction floors.
func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return &stores{
			db: db,
			memories: sqlite.NewMemoryStore(db, sqlite.MemoryStoreOptions{
				Relevance:     relevance.DefaultParams(),
				EvictionFloor: cfg.Memory.MemoryEvictionFloor,
			}),
			facts: sqlite.NewFactStore(db, sqlite.FactStoreOptions{
				Relevance:     relevance.DefaultParams(),
				EvictionFloor: cfg.Memory.FactEvictionFloor,
			}),
			tasks: sqlite.NewTaskStore(db),
		}, nil

	case "postgres":
		db, err := postgres.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return &stores{
			db: db,
			memories: postgres.NewMemoryStore(db, postgres.MemoryStoreOptions{
				Relevance:     relevance.DefaultParams(),
				EvictionFloor: cfg.Memory.MemoryEvictionFloor,
			}),
			facts: postgres.NewFactStore(db, postgres.FactStoreOptions{
				Relevance:     relevance.DefaultParams(),
				EvictionFloor: cfg.Memory.FactEvictionFloor,
			}),
			tasks: postgres.NewTaskStore(db),
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func subjectCaps(cfg *config.Config) storage.SubjectCaps {
	caps := storage.DefaultSubjectCaps()
	if cfg.Memory.MaxPerUser > 0 {
		caps.User = cfg.Memory.MaxPerUser
	}
	if cfg.Memory.MaxPerRoom > 0 {
		caps.Room = cfg.Memory.MaxPerRoom
	}
	if cfg.Memory.MaxPerRelationship > 0 {
		caps.Relationship = cfg.Memory.MaxPerRelationship
	}
	if cfg.Memory.MaxGlobal > 0 {
		caps.Global = cfg.Memory.MaxGlobal
	}
	return caps
}
