package db

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/utxostack/rgbpp-paymaster/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseManager holds the local audit database. Chain state is never read
// back from here; rows exist for operator forensics only.
type DatabaseManager struct {
	auditDb *gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm := &DatabaseManager{}
	dm.initDB()
	return dm
}

func (dm *DatabaseManager) initDB() {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	auditPath := filepath.Join(dbDir, "paymaster_audit.db")
	auditDb, err := gorm.Open(sqlite.Open(auditPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to audit database: %v", err)
	}
	dm.auditDb = auditDb
	log.Debugf("Audit database connected successfully, path: %s", auditPath)

	if err := auditDb.AutoMigrate(&SpentCell{}, &SettlementRecord{}); err != nil {
		log.Fatalf("Failed to migrate audit database: %v", err)
	}
	log.Debugf("Database migration completed successfully")
}

func (dm *DatabaseManager) GetAuditDB() *gorm.DB {
	return dm.auditDb
}
