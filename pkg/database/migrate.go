package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/subscription-api/pkg/database/migrations"
)

const migrationsTable = "schema_migrations"

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(&gooseLogger{log: logger.Sugar().With("component", "migrate")})
	goose.SetTableName(migrationsTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through zap. Fatalf must not exit the process.
type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Errorf(format, v...)
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Infof(format, v...)
}
