package database

import (
	"context"
	"fmt"

	"zenchat/config"
	"zenchat/logging"
)

// Open returns the backend selected by cfg.Driver
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err = OpenSQLite(ctx, cfg.DSN)
	case config.DriverPostgres:
		s, err = OpenPostgres(ctx, cfg.DSN)
	case config.DriverBadger:
		s, err = OpenBadger(cfg.Path, cfg.InMemory)
	case config.DriverRedis:
		s, err = OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	logging.Info().Str("driver", cfg.Driver).Msg("Database initialized successfully")
	return s, nil
}
