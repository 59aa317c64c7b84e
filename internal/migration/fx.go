package migration

import (
	"github.com/smallbiznis/recurra/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Migrate),
)

// Migrate brings the schema up to date for the open dialect.
func Migrate(conn *gorm.DB, log *zap.Logger) error {
	dialect := db.DialectName(conn)
	log.Info("running migrations", zap.String("dialect", dialect))

	if dialect != db.DialectPostgres {
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
