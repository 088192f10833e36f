package db

import (
	"context"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fatflowers/pointsledger/internal/models"
	cfgpkg "github.com/fatflowers/pointsledger/pkg/config"
	gormzap "github.com/fatflowers/pointsledger/pkg/gormlog"
)

// Open connects using the DSN scheme: sqlite://path selects the
// embedded driver (dev/CLI), everything else goes to postgres.
// TranslateError is enabled so unique-constraint races surface as
// gorm.ErrDuplicatedKey regardless of driver; event idempotency
// depends on that.
func Open(dsn string, l *zap.SugaredLogger) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormzap.New(l), TranslateError: true}
	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		return gorm.Open(sqlite.Open(path), gcfg)
	}
	return gorm.Open(postgres.Open(dsn), gcfg)
}

func NewDB(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		l.Error("database DSN is empty")
		return nil, gorm.ErrInvalidDB
	}
	db, err := Open(cfg.Database.DSN, l)
	if err != nil {
		l.Errorf("failed to connect database: %v", err)
		return nil, err
	}
	l.Infow("connected to database via DSN")
	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(registerDBClose),
)

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.UserBalance{},
		&models.PurchaseBatch{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.LedgerLog{},
		&models.PaymentEventLog{},
	); err != nil {
		l.Errorf("automigrate failed: %v", err)
		return err
	}
	l.Infow("automigrate completed")
	return nil
}

// registerDBClose ensures the underlying *sql.DB is closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "err", err)
				return nil
			}
			l.Infow("closing database connection pool")
			return sqlDB.Close()
		},
	})
}
