package common

import (
	"fmt"
	"time"
)

type Order struct {
	ID        string    // Client or engine assigned order id
	Symbol    string    // Traded instrument
	Owner     uint32    // SenderCompID of the participant
	Side      Side      // Order side
	Kind      OrderKind //
	Price     Price     // Limit price, zero for market orders
	Quantity  Quantity  // Original quantity
	Remaining Quantity  // Quantity still open
	Filled    Quantity  // Quantity executed so far
	Status    Status    //
	CreatedAt time.Time // Time of arrival of the order into the book
	Sequence  uint64    // Book arrival sequence, used for time priority
}

// Consistent reports whether the quantity invariant holds.
func (order Order) Consistent() bool {
	return order.Remaining+order.Filled == order.Quantity
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:        %s
Symbol:    %s
Owner:     %d
Side:      %v
Kind:      %v
Price:     %s
Quantity:  %s (Remaining: %s, Filled: %s)
Status:    %v
CreatedAt: %v
Sequence:  %d`,
		order.ID,
		order.Symbol,
		order.Owner,
		order.Side,
		order.Kind,
		order.Price,
		order.Quantity,
		order.Remaining,
		order.Filled,
		order.Status,
		order.CreatedAt.Format(time.RFC3339Nano),
		order.Sequence,
	)
}
