package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/config"
)

// Connections bundles the writer and reader Bun handles. Order mutations and
// the counter transaction always go through Writer; lookups prefer Reader.
// With a single DSN both fields alias the same pool.
type Connections struct {
	Writer *bun.DB
	Reader *bun.DB
}

// Module registers the database connections with Fx.
var Module = fx.Provide(New)

// New establishes the writer and reader pools and verifies connectivity on
// startup.
func New(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*Connections, error) {
	dbCfg := cfg.Database

	writer, err := open(dbCfg, dbCfg.WriterDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	reader := writer
	if dbCfg.ReaderDSN != dbCfg.WriterDSN {
		if reader, err = open(dbCfg, dbCfg.ReaderDSN); err != nil {
			return nil, fmt.Errorf("open reader: %w", err)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ping(ctx, writer); err != nil {
				return fmt.Errorf("ping writer: %w", err)
			}
			if reader != writer {
				if err := ping(ctx, reader); err != nil {
					return fmt.Errorf("ping reader: %w", err)
				}
			}
			logger.Info("database connected", zap.String("driver", dbCfg.Driver))
			return nil
		},
		OnStop: func(context.Context) error {
			var closeErr error
			if err := writer.Close(); err != nil {
				closeErr = fmt.Errorf("close writer: %w", err)
			}
			if reader != writer {
				if err := reader.Close(); err != nil && closeErr == nil {
					closeErr = fmt.Errorf("close reader: %w", err)
				}
			}
			return closeErr
		},
	})

	return &Connections{Writer: writer, Reader: reader}, nil
}

func open(cfg config.Database, dsn string) (*bun.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}

	var (
		sqlDB *sql.DB
		dial  schema.Dialect
		err   error
	)
	switch cfg.Driver {
	case "postgres":
		sqlDB = sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		dial = pgdialect.New()
	case "mysql":
		sqlDB, err = sql.Open("mysql", dsn)
		dial = mysqldialect.New()
	case "sqlite":
		sqlDB, err = sql.Open(sqliteshim.ShimName, dsn)
		dial = sqlitedialect.New()
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxConnLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}

	return bun.NewDB(sqlDB, dial), nil
}

func ping(ctx context.Context, db *bun.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.DB.PingContext(pingCtx)
}
