package common

import (
	"fmt"
	"time"
)

// Trade accounts for the two parties who matched. The price is always the
// resting (maker) order's price.
type Trade struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	MakerOrderID string    `json:"maker_order_id"`
	MakerOwner   uint32    `json:"maker_owner"`
	TakerOrderID string    `json:"taker_order_id"`
	TakerOwner   uint32    `json:"taker_owner"`
	TakerSide    Side      `json:"taker_side"`
	Price        Price     `json:"price"`
	Quantity     Quantity  `json:"quantity"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`ID:        %s
Symbol:    %s
Maker:     %s (owner %d)
Taker:     %s (owner %d, %v)
Price:     %s
Quantity:  %s
CreatedAt: %v`,
		t.ID,
		t.Symbol,
		t.MakerOrderID, t.MakerOwner,
		t.TakerOrderID, t.TakerOwner, t.TakerSide,
		t.Price,
		t.Quantity,
		t.CreatedAt.Format(time.RFC3339Nano),
	)
}
