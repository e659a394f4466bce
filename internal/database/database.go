package database

import (
	"fmt"
	"time"

	"github.com/mx-space/social/internal/config"
	"github.com/mx-space/social/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	maxOpenConns    = 50
	maxIdleConns    = 10
	connMaxLifetime = 30 * time.Minute
	slowQuery       = 200 * time.Millisecond
)

// Connect opens the configured database, sizes its pool and migrates the schema.
// GORM's own log lines are routed through log.
func Connect(cfg *config.AppConfig, log *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.IsDev() {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector(cfg), &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(log), gormlogger.Config{
			SlowThreshold:             slowQuery,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func dialector(cfg *config.AppConfig) gorm.Dialector {
	if cfg.Database.Driver == config.DriverPostgres {
		return postgres.Open(cfg.DSN)
	}
	return mysql.New(mysql.Config{
		DSN:               cfg.DSN,
		DefaultStringSize: 191,
	})
}

// Migrate creates or alters every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.UserModel{},
		&models.UserSession{},
		&models.APIToken{},
		&models.NotificationModel{},
		&models.NotificationPreferenceModel{},
		&models.DeviceTokenModel{},
		&models.ConversationModel{},
		&models.ParticipantModel{},
		&models.MessageModel{},
		&models.FollowModel{},
	)
}
