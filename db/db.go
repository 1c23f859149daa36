package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keelstream/tuskd/config"
	"github.com/keelstream/tuskd/db/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the configured database and migrates the chunk store
// schema.
func Open(cfg config.DBConfig, log *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Type {
	case "mysql":
		db, err = openMySQL(cfg, log)
	case "sqlite":
		db, err = openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(models.GetModels()...); err != nil {
		return nil, err
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func openMySQL(cfg config.DBConfig, log *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.Charset)

	return gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: newLogger(log),
	})
}

func openSQLite(cfg config.DBConfig, log *zap.Logger) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: newLogger(log),
	})
}

func newLogger(log *zap.Logger) gormlogger.Interface {
	return &zapGormLogger{log: log}
}

type zapGormLogger struct {
	log *zap.Logger
}

func (l *zapGormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *zapGormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	l.log.Sugar().Infof(msg, args...)
}

func (l *zapGormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	l.log.Sugar().Warnf(msg, args...)
}

func (l *zapGormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	l.log.Sugar().Errorf(msg, args...)
}

func (l *zapGormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	sql, rows := fc()
	l.log.Error("query failed",
		zap.Error(err),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(begin)),
	)
}
