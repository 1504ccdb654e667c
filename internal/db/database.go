package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver for database/sql
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // pure Go sqlite driver, registered as "sqlite"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

func init() {
	// modernc registers "sqlite", which sqlx does not know the bindvar style of.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Database bundles the sqlx handle used for conversation queries and a gorm
// handle on the same pool used for schema management and connection records.
type Database struct {
	SQL     *sqlx.DB
	ORM     *gorm.DB
	Dialect string
}

// Open connects using dsn. postgres:// and postgresql:// URLs select
// PostgreSQL; anything else is treated as a SQLite file path or URI.
func Open(dsn string) (*Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	dialect := DialectSQLite
	driverName := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		driverName = "postgres"
	}

	sqlDB, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var dialector gorm.Dialector
	switch dialect {
	case DialectPostgres:
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		dialector = postgres.New(postgres.Config{Conn: sqlDB.DB})
	default:
		// One writer at a time; avoids SQLITE_BUSY under concurrent webhooks.
		sqlDB.SetMaxOpenConns(1)
		dialector = sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB.DB}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ormDB, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	log.Info().Str("dialect", dialect).Msg("Database connection established successfully")
	return &Database{SQL: sqlDB, ORM: ormDB, Dialect: dialect}, nil
}

// Migrate runs gorm AutoMigrate for the given models.
func (d *Database) Migrate(modelsToMigrate ...interface{}) error {
	if len(modelsToMigrate) == 0 {
		return fmt.Errorf("no models provided for migration")
	}
	if err := d.ORM.AutoMigrate(modelsToMigrate...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	log.Info().Int("modelsMigrated", len(modelsToMigrate)).Msg("Database migration completed")
	return nil
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.SQL.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.SQL.Close()
}

// zerologWriter adapts gorm's printf style logger to zerolog.
type zerologWriter struct {
	level zerolog.Level
}

func (w zerologWriter) Printf(format string, args ...interface{}) {
	log.WithLevel(w.level).Str("component", "gorm").Msgf(format, args...)
}

func newGormLogger() gormlogger.Interface {
	level := gormlogger.Warn
	switch zerolog.GlobalLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		level = gormlogger.Info
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		level = gormlogger.Error
	case zerolog.Disabled:
		level = gormlogger.Silent
	}
	writer := zerologWriter{level: zerolog.WarnLevel}
	if level == gormlogger.Info {
		writer.level = zerolog.DebugLevel
	}
	return gormlogger.New(writer, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
