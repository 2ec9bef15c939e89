package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/audit"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/billing"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/booking"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/studiocredits/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/studiocredits/pkg/credits"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

// backend bundles the store views one database exposes to the services.
type backend struct {
	driver    string
	credits   credits.Store
	booking   booking.Store
	billing   billing.Store
	scheduler scheduler.Store
	audit     audit.Writer
	profiles  billing.ProfileLookup
	seeder    seedWriter
	close     func() error
}

func openBackend(ctx context.Context, dsn string) (*backend, error) {
	driver, _, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	if driver == driverMemory {
		store := memstore.New()
		return &backend{
			driver:    driver,
			credits:   store,
			booking:   store.Booking(),
			billing:   store.Billing(),
			scheduler: store.Scheduler(),
			audit:     store,
			profiles:  store,
			seeder:    store,
			close:     func() error { return nil },
		}, nil
	}

	db, cleanup, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if driver == driverSQLite {
		if err := gormstore.AutoMigrate(db); err != nil {
			_ = cleanup()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	store := gormstore.New(db)
	return &backend{
		driver:    driver,
		credits:   store,
		booking:   store.Booking(),
		billing:   store.Billing(),
		scheduler: store.Scheduler(),
		audit:     store,
		profiles:  store,
		seeder:    store,
		close:     cleanup,
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "memory://"):
		return driverMemory, "", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, "", nil
	case strings.HasPrefix(dsn, "sqlite://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "studiod.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
