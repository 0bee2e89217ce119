package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/allowance/internal/cache"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"github.com/smallbiznis/allowance/pkg/db"
	"gorm.io/gorm"
)

// Models lists every table in dependency order.
func Models() []any {
	return []any{
		&catalogdomain.Resource{},
		&catalogdomain.Plan{},
		&catalogdomain.Quota{},
		&catalogdomain.Feature{},
		&catalogdomain.PlanFeature{},
		&subscriptiondomain.Subscription{},
		&usagedomain.Usage{},
		&cache.SnapshotRecord{},
	}
}

// Up brings the schema to the latest version. PostgreSQL runs the embedded
// SQL migrations; other dialects are auto-migrated from the models.
func Up(conn *gorm.DB) error {
	if !db.IsPostgres(conn) {
		return conn.AutoMigrate(Models()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// Down drops the schema.
func Down(conn *gorm.DB) error {
	if !db.IsPostgres(conn) {
		models := Models()
		for i := len(models) - 1; i >= 0; i-- {
			if err := conn.Migrator().DropTable(models[i]); err != nil {
				return err
			}
		}
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	migrator, err := newMigrator(sqlDB)
	if err != nil {
		return err
	}
	if err := migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

func RunMigrations(db *sql.DB) error {
	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
