package main

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/store/memstore"
	"github.com/dkeye/Huddle/internal/store/postgres"
	"github.com/dkeye/Huddle/internal/store/sqlite"
	"github.com/rs/zerolog/log"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// openStore connects the configured driver and brings its schema up to date.
func openStore(ctx context.Context, cfg config.StoreConfig) (core.Store, error) {
	var (
		st  core.Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		st = memstore.New()
	case "sqlite":
		st, err = sqlite.Open(cfg.DSN)
	case "postgres":
		st, err = postgres.Connect(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if m, ok := st.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	log.Info().Str("module", "main").Str("driver", cfg.Driver).Msg("store ready")
	return st, nil
}
