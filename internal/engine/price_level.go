package engine

import (
	"fmt"
	"math"

	"fixmatch/internal/common"
)

// entry is a resting order linked into its price level's FIFO.
type entry struct {
	order common.Order
	level *PriceLevel
	prev  *entry
	next  *entry
}

// PriceLevel holds the orders resting at one price in arrival order. The
// aggregates are maintained on every mutation.
type PriceLevel struct {
	Price         common.Price
	TotalQuantity common.Quantity
	Count         int

	head *entry
	tail *entry
}

// LevelInfo is a read-only summary of a price level.
type LevelInfo struct {
	Price         common.Price
	TotalQuantity common.Quantity
	Count         int
}

func (level *PriceLevel) Info() LevelInfo {
	return LevelInfo{
		Price:         level.Price,
		TotalQuantity: level.TotalQuantity,
		Count:         level.Count,
	}
}

// push appends e to the tail of the FIFO.
func (level *PriceLevel) push(e *entry) {
	if e.level != nil {
		panic(fmt.Sprintf("order %s already linked at %s", e.order.ID, e.level.Price))
	}
	if !level.fits(e.order.Remaining) {
		panic(fmt.Sprintf("level %s total %s overflows adding %s", level.Price, level.TotalQuantity, e.order.Remaining))
	}
	e.level = level
	e.prev = level.tail
	e.next = nil
	if level.tail != nil {
		level.tail.next = e
	} else {
		level.head = e
	}
	level.tail = e
	level.Count++
	level.TotalQuantity += e.order.Remaining
}

// unlink removes e from the FIFO and subtracts whatever it still has open.
func (level *PriceLevel) unlink(e *entry) {
	if e.level != level {
		panic(fmt.Sprintf("order %s is not linked at %s", e.order.ID, level.Price))
	}
	if e.order.Remaining > level.TotalQuantity || level.Count == 0 {
		panic(fmt.Sprintf("level %s aggregates out of sync removing %s", level.Price, e.order.ID))
	}

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		level.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		level.tail = e.prev
	}
	e.prev, e.next, e.level = nil, nil, nil
	level.Count--
	level.TotalQuantity -= e.order.Remaining
}

// fits reports whether qty more can rest here without the cached total
// wrapping.
func (level *PriceLevel) fits(qty common.Quantity) bool {
	return qty <= math.MaxUint64-level.TotalQuantity
}

// reduce takes qty off the level aggregate after an order at this level
// was partially filled or reduced in place.
func (level *PriceLevel) reduce(qty common.Quantity) {
	if qty > level.TotalQuantity {
		panic(fmt.Sprintf("level %s total %s below reduction %s", level.Price, level.TotalQuantity, qty))
	}
	level.TotalQuantity -= qty
}

// Orders returns copies of the resting orders in time priority.
func (level *PriceLevel) Orders() []common.Order {
	orders := make([]common.Order, 0, level.Count)
	for e := level.head; e != nil; e = e.next {
		orders = append(orders, e.order)
	}
	return orders
}

func (level *PriceLevel) empty() bool {
	return level.Count == 0
}
