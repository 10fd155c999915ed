package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(
		&Device{},
		&DeviceStateCurrent{},
		&DeviceStateHistory{},
		&DeviceEvent{},
		&Command{},
		&ResetRequest{},
		&HubRuntime{},
		&HubBinding{},
		&FirmwareRelease{},
		&FirmwareRollout{},
		&FirmwareRolloutTarget{},
		&FirmwareRolloutProgress{},
		&AutomationRule{},
		&AutomationDeployment{},
		&ZigbeePairingSession{},
		&ZigbeeDiscoveredDevice{},
		&CatalogModel{},
		&DeviceCredential{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Repo{db: db}, nil
}

// DB exposes the underlying handle for composition-root wiring and tests.
func (r *Repo) DB() *gorm.DB { return r.db }
