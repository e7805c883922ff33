package indexer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopchain/core/events"
	"shopchain/native/escrow"
	"shopchain/observability"
	"shopchain/services/escrow-gateway/models"
)

// ErrNotIndexed is returned when no row exists for a deal address.
var ErrNotIndexed = errors.New("indexer: deal not indexed")

// Listing is the off-ledger metadata a seller attaches to a deal.
type Listing struct {
	Address    string
	Buyer      string
	Seller     string
	DealID     uint64
	Amount     uint64
	ListingURL string
	Title      string
	RiskScore  *float64
	RiskReason string
	Metadata   string
}

// DefaultWriteTimeout bounds a single index write made from Emit.
const DefaultWriteTimeout = 5 * time.Second

// Indexer mirrors committed escrow events into the gateway database. It
// implements events.Emitter so the runtime can feed it directly.
type Indexer struct {
	db      *gorm.DB
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

func New(db *gorm.DB, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{db: db, logger: logger, now: time.Now, timeout: DefaultWriteTimeout}
}

// SetWriteTimeout changes the bound on index writes. Emit runs while the
// runtime holds the transaction's account locks, so a stalled index
// database must not hold them indefinitely. Non-positive values restore
// DefaultWriteTimeout.
func (i *Indexer) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultWriteTimeout
	}
	i.timeout = d
}

// Emit implements events.Emitter. Only committed deal events are indexed.
// A failed write is logged and counted; the ledger stays authoritative.
func (i *Indexer) Emit(evt events.Event) {
	committed, ok := evt.(events.Committed)
	if !ok {
		return
	}
	dealEvt, ok := committed.Inner.(escrow.DealEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()
	if err := i.apply(ctx, dealEvt, committed.TxHash); err != nil {
		i.logger.Error("index deal event",
			slog.String("type", dealEvt.Type),
			slog.String("deal", dealEvt.Address.String()),
			slog.Any("error", err))
		observability.Indexer().RecordWrite(dealEvt.Type, err)
		return
	}
	observability.Indexer().RecordWrite(dealEvt.Type, nil)
}

// normalizeText folds compatibility forms so visually identical listing
// text is stored once.
func normalizeText(value string) string {
	return norm.NFKC.String(strings.TrimSpace(value))
}

func statusFor(eventType string) (models.DealStatus, error) {
	switch eventType {
	case escrow.EventTypeDealCreated:
		return models.StatusCreated, nil
	case escrow.EventTypeDealFunded:
		return models.StatusFunded, nil
	case escrow.EventTypeDealReleased:
		return models.StatusReleased, nil
	default:
		return "", fmt.Errorf("indexer: unknown event type %q", eventType)
	}
}

func (i *Indexer) apply(ctx context.Context, evt escrow.DealEvent, txHash [32]byte) error {
	status, err := statusFor(evt.Type)
	if err != nil {
		return err
	}
	now := i.now().UTC()
	address := evt.Address.String()
	row := models.Deal{
		ID:             address,
		Buyer:          evt.Deal.Buyer.String(),
		Seller:         evt.Deal.Seller.String(),
		DealID:         evt.Deal.DealID,
		AmountLamports: evt.Deal.Amount,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"buyer", "seller", "deal_id", "amount_lamports", "status", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&models.DealEvent{
			ID:          uuid.New(),
			DealAddress: address,
			Type:        evt.Type,
			TxHash:      "0x" + hex.EncodeToString(txHash[:]),
			Custody:     evt.Custody,
			CreatedAt:   now,
		}).Error
	})
}

// RecordListing stores listing metadata for a deal. New rows start PENDING;
// an existing row keeps its ledger status and chain columns.
func (i *Indexer) RecordListing(ctx context.Context, listing Listing) (*models.Deal, error) {
	if listing.Address == "" {
		return nil, errors.New("indexer: listing address required")
	}
	now := i.now().UTC()
	row := models.Deal{
		ID:             listing.Address,
		Buyer:          listing.Buyer,
		Seller:         listing.Seller,
		DealID:         listing.DealID,
		AmountLamports: listing.Amount,
		Status:         models.StatusPending,
		ListingURL:     normalizeText(listing.ListingURL),
		Title:          normalizeText(listing.Title),
		RiskScore:      listing.RiskScore,
		RiskReason:     listing.RiskReason,
		MetadataJSON:   listing.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	db := i.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"listing_url", "title", "risk_score", "risk_reason", "metadata_json", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return nil, err
	}
	return i.Deal(ctx, listing.Address)
}

// Deal returns the indexed row and its event history, oldest first.
func (i *Indexer) Deal(ctx context.Context, address string) (*models.Deal, error) {
	var deal models.Deal
	err := i.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		First(&deal, "id = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, address)
	}
	if err != nil {
		return nil, err
	}
	return &deal, nil
}

// DealsByParty lists deals where identity is the buyer or the seller.
func (i *Indexer) DealsByParty(ctx context.Context, identity string, limit int) ([]models.Deal, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var deals []models.Deal
	err := i.db.WithContext(ctx).
		Where("buyer = ? OR seller = ?", identity, identity).
		Order("created_at desc").
		Limit(limit).
		Find(&deals).Error
	return deals, err
}
