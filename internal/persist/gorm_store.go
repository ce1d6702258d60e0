package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fixmatch/internal/common"
)

// OrderRecord is a resting order as stored in Postgres.
type OrderRecord struct {
	ID        string          `gorm:"primaryKey;size:36"`
	Symbol    string          `gorm:"size:8;index"`
	Owner     uint32          `gorm:"index"`
	Side      string          `gorm:"size:4"`
	Kind      string          `gorm:"size:6"`
	Price     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Remaining decimal.Decimal `gorm:"type:decimal(20,8)"`
	Filled    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status    string          `gorm:"size:16"`
	Sequence  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (OrderRecord) TableName() string { return "orders" }

// TradeRecord is a matched trade as stored in Postgres.
type TradeRecord struct {
	ID           string          `gorm:"primaryKey;size:36"`
	Symbol       string          `gorm:"size:8;index"`
	MakerOrderID string          `gorm:"size:36;index"`
	MakerOwner   uint32          `gorm:"index"`
	TakerOrderID string          `gorm:"size:36;index"`
	TakerOwner   uint32          `gorm:"index"`
	TakerSide    string          `gorm:"size:4"`
	Price        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreatedAt    time.Time
}

func (TradeRecord) TableName() string { return "trades" }

func NewOrderRecord(order common.Order) OrderRecord {
	return OrderRecord{
		ID:        order.ID,
		Symbol:    order.Symbol,
		Owner:     order.Owner,
		Side:      order.Side.String(),
		Kind:      order.Kind.String(),
		Price:     order.Price.Decimal(),
		Quantity:  order.Quantity.Decimal(),
		Remaining: order.Remaining.Decimal(),
		Filled:    order.Filled.Decimal(),
		Status:    order.Status.String(),
		Sequence:  order.Sequence,
		CreatedAt: order.CreatedAt,
	}
}

func NewTradeRecord(trade common.Trade) TradeRecord {
	return TradeRecord{
		ID:           trade.ID,
		Symbol:       trade.Symbol,
		MakerOrderID: trade.MakerOrderID,
		MakerOwner:   trade.MakerOwner,
		TakerOrderID: trade.TakerOrderID,
		TakerOwner:   trade.TakerOwner,
		TakerSide:    trade.TakerSide.String(),
		Price:        trade.Price.Decimal(),
		Quantity:     trade.Quantity.Decimal(),
		CreatedAt:    trade.CreatedAt,
	}
}

// GormStore applies operations to Postgres, one transaction per batch.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the orders and trades tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&OrderRecord{}, &TradeRecord{})
}

func (s *GormStore) Apply(ctx context.Context, ops []Operation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := applyOne(tx, op); err != nil {
				return fmt.Errorf("apply %T %s: %w", op, op.OrderID(), err)
			}
		}
		return nil
	})
}

func applyOne(tx *gorm.DB, op Operation) error {
	switch op := op.(type) {
	case CreateOrder:
		rec := NewOrderRecord(op.Order)
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	case UpdateOrderQuantity:
		return tx.Model(&OrderRecord{}).Where("id = ?", op.ID).Updates(map[string]any{
			"quantity":  op.Quantity.Decimal(),
			"remaining": op.Remaining.Decimal(),
		}).Error
	case UpdateOrderFilled:
		return tx.Model(&OrderRecord{}).Where("id = ?", op.ID).Updates(map[string]any{
			"filled":    op.Filled.Decimal(),
			"remaining": op.Remaining.Decimal(),
			"status":    op.Status.String(),
		}).Error
	case DeleteOrder:
		return tx.Where("id = ?", op.ID).Delete(&OrderRecord{}).Error
	case CreateTrade:
		rec := NewTradeRecord(op.Trade)
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	}
	return fmt.Errorf("%w: %T", ErrUnknownOperation, op)
}
