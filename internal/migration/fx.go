package migration

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/factora/internal/config"
	"github.com/smallbiznis/factora/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, log *zap.Logger) error {
		switch strings.ToLower(cfg.DBType) {
		case "sqlite":
			if err := ApplySQLite(conn); err != nil {
				return err
			}
		case "postgres", "":
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		default:
			return fmt.Errorf("migrations are not available for database type %q", cfg.DBType)
		}

		return seed.EnsureBootstrapUsers(conn, node, cfg.Bootstrap, log)
	}),
)
