package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DealStatus mirrors the ledger state of a deal, plus PENDING for listings
// whose create_deal transaction has not been committed yet.
type DealStatus string

const (
	StatusPending  DealStatus = "PENDING"
	StatusCreated  DealStatus = "CREATED"
	StatusFunded   DealStatus = "FUNDED"
	StatusReleased DealStatus = "RELEASED"
)

// Deal is the off-ledger index row for one deal address.
type Deal struct {
	ID             string      `gorm:"primaryKey;size:128" json:"id"`
	Buyer          string      `gorm:"size:128;index" json:"buyer"`
	Seller         string      `gorm:"size:128;index" json:"seller"`
	DealID         uint64      `json:"dealId"`
	AmountLamports uint64      `json:"amountLamports"`
	Status         DealStatus  `gorm:"size:16;index" json:"status"`
	ListingURL     string      `gorm:"size:2048" json:"listingUrl,omitempty"`
	Title          string      `gorm:"size:512" json:"title,omitempty"`
	RiskScore      *float64    `json:"riskScore,omitempty"`
	RiskReason     string      `gorm:"type:text" json:"riskReason,omitempty"`
	MetadataJSON   string      `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	Events         []DealEvent `gorm:"foreignKey:DealAddress;references:ID" json:"events,omitempty"`
}

// DealEvent records one committed ledger transition.
type DealEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DealAddress string    `gorm:"size:128;index" json:"dealAddress"`
	Type        string    `gorm:"size:64" json:"type"`
	TxHash      string    `gorm:"size:66;index" json:"txHash"`
	Custody     uint64    `json:"custodyLamports"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IdempotencyKey stores the response for a replayed request.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Deal{},
		&DealEvent{},
		&IdempotencyKey{},
	)
}
