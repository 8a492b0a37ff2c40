package db

import "time"

// SpentCell model, one row per retired fee cell
type SpentCell struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TxHash      string    `gorm:"not null;index:unique_txhash_out_index,unique" json:"tx_hash"`
	OutIndex    uint32    `gorm:"not null;index:unique_txhash_out_index,unique" json:"out_index"`
	Capacity    uint64    `gorm:"not null" json:"capacity"`
	Token       string    `gorm:"not null" json:"token"`         // leasing bitcoin txid
	SpentTxHash string    `gorm:"not null" json:"spent_tx_hash"` // ledger tx that consumed the cell
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

// SettlementRecord model, terminal outcome per settlement token
type SettlementRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Token     string    `gorm:"not null;uniqueIndex" json:"token"` // bitcoin txid
	TxHash    string    `json:"tx_hash"`                           // ledger tx hash on success
	Status    string    `gorm:"not null" json:"status"`            // "completed", "failed"
	Attempts  int       `gorm:"not null" json:"attempts"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}
