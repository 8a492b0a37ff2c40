package db

import (
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditStore writes spent-cell and settlement outcome rows.
type AuditStore struct {
	mu sync.Mutex
	db *gorm.DB
}

func NewAuditStore(dm *DatabaseManager) *AuditStore {
	return &AuditStore{db: dm.GetAuditDB()}
}

// RecordSpentCell saves a retired fee cell. Re-recording the same outpoint is
// a no-op, markSpent is idempotent bookkeeping.
func (s *AuditStore) RecordSpentCell(txHash string, outIndex uint32, capacity uint64, token, spentTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cell := &SpentCell{
		TxHash:      txHash,
		OutIndex:    outIndex,
		Capacity:    capacity,
		Token:       token,
		SpentTxHash: spentTxHash,
		CreatedAt:   time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(cell).Error
}

// RecordSettlement upserts the terminal outcome for a settlement token.
func (s *AuditStore) RecordSettlement(token, txHash, status string, attempts int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &SettlementRecord{
		Token:     token,
		TxHash:    txHash,
		Status:    status,
		Attempts:  attempts,
		Reason:    reason,
		UpdatedAt: time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		UpdateAll: true,
	}).Create(record).Error
}
