package models

import (
	"fmt"
	"strings"

	"github.com/yusiwen/streamctl/utils"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQL is the process-wide handle opened by Init.
var SQL *gorm.DB

func Init() (err error) {
	SQL, err = Open(
		utils.Conf().GetString("db.type"),
		utils.Conf().GetString("db.dsn"),
		utils.Conf().GetString("db.log_level"),
	)
	return
}

// Open connects to the configured dialect and migrates every table.
func Open(dbType, dsn, logLevel string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(getLogLevel(logLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dbType, err)
	}
	if db.Dialector.Name() == "sqlite" {
		// one writer at a time, otherwise concurrent transactions hit SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err = Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(&VpsServer{}, &StreamConfiguration{}, &StreamProgress{}, &VpsStat{}, &AgentCommand{})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func getLogLevel(l string) logger.LogLevel {
	switch strings.ToLower(l) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

func Close() {
	if SQL == nil {
		return
	}
	if sqlDB, err := SQL.DB(); err == nil {
		sqlDB.Close()
	}
	SQL = nil
}
