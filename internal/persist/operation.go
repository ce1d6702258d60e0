package persist

import "fixmatch/internal/common"

// Operation is one durable side effect produced by matching. The set of
// operations is closed: only the types in this file implement it.
type Operation interface {
	// OrderID names the order the operation is about, or the trade id for
	// CreateTrade.
	OrderID() string
	operation()
}

// CreateOrder records an order that now rests in the book.
type CreateOrder struct {
	Order common.Order
}

// UpdateOrderQuantity records an in-place quantity reduction.
type UpdateOrderQuantity struct {
	ID        string
	Quantity  common.Quantity
	Remaining common.Quantity
}

// UpdateOrderFilled records a partial fill of a resting order.
type UpdateOrderFilled struct {
	ID        string
	Filled    common.Quantity
	Remaining common.Quantity
	Status    common.Status
}

// DeleteOrder records that an order left the book, filled or canceled.
type DeleteOrder struct {
	ID     string
	Status common.Status
}

// CreateTrade records a matched trade.
type CreateTrade struct {
	Trade common.Trade
}

func (op CreateOrder) OrderID() string         { return op.Order.ID }
func (op UpdateOrderQuantity) OrderID() string { return op.ID }
func (op UpdateOrderFilled) OrderID() string   { return op.ID }
func (op DeleteOrder) OrderID() string         { return op.ID }
func (op CreateTrade) OrderID() string         { return op.Trade.ID }

func (CreateOrder) operation()         {}
func (UpdateOrderQuantity) operation() {}
func (UpdateOrderFilled) operation()   {}
func (DeleteOrder) operation()         {}
func (CreateTrade) operation()         {}
