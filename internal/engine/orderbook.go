package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"fixmatch/internal/common"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrNoLiquidity     = errors.New("no liquidity on contra side")
	ErrDuplicateOrder  = errors.New("duplicate order id")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrMissingOrderID  = errors.New("missing order id")
	ErrRoutingMismatch = errors.New("symbol not owned by this engine")
)

type PriceLevels = btree.BTreeG[*PriceLevel]

// Fill is one match between the incoming order and a resting order.
type Fill struct {
	Trade common.Trade
	// Maker is the resting order's state right after this fill.
	Maker common.Order
}

// Result describes what happened to an incoming or re-entered order.
type Result struct {
	// Order is the taker's final state.
	Order common.Order
	Fills []Fill
	// Rested is true when a remainder of Order now rests in the book.
	Rested bool
	// Canceled is the market remainder dropped because it may not rest.
	Canceled common.Quantity
}

// OrderBook is the resting liquidity of one symbol. It is not safe for
// concurrent use: the owning engine's matching goroutine is its only
// caller.
type OrderBook struct {
	symbol string

	// Price levels to orders sat on the price level, sorted by time added
	// as they will be push-back'd.
	bids *PriceLevels
	asks *PriceLevels

	orders map[string]*entry
	owners map[uint32]map[string]struct{}

	// Arrival sequence of the last order placed into the book.
	seq uint64

	now     func() time.Time
	tradeID func() string
}

func NewOrderBook(symbol string) *OrderBook {
	// Sorted greatest first.
	bids := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.Price > b.Price
	}, btree.Options{NoLocks: true})
	// Sorted least first.
	asks := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.Price < b.Price
	}, btree.Options{NoLocks: true})

	return &OrderBook{
		symbol:  symbol,
		bids:    bids,
		asks:    asks,
		orders:  make(map[string]*entry),
		owners:  make(map[uint32]map[string]struct{}),
		now:     time.Now,
		tradeID: uuid.NewString,
	}
}

func (book *OrderBook) Symbol() string { return book.symbol }

// Len returns the number of resting orders.
func (book *OrderBook) Len() int { return len(book.orders) }

// AddOrder places a new order which can either (fully or partially):
// 1. Execute immediately against the contra side
// 2. Rest in the book
//
// Market orders never rest. A market order that meets an empty contra side
// is rejected with ErrNoLiquidity and leaves the book untouched; one that is
// only partially filled has its remainder canceled.
func (book *OrderBook) AddOrder(order common.Order) (Result, error) {
	if err := book.validate(&order); err != nil {
		return Result{}, err
	}
	if order.Kind == common.MarketOrder {
		if book.side(order.Side.Opposite()).Len() == 0 {
			return Result{}, fmt.Errorf("%w: %s %v", ErrNoLiquidity, book.symbol, order.Side)
		}
		order.Price = 0
	} else if !book.fits(order.Side, order.Price, order.Quantity, nil) {
		return Result{}, fmt.Errorf("%w: order %s would overflow the %s level total", ErrInvalidQuantity, order.ID, order.Price)
	}

	order.Remaining = order.Quantity
	order.Filled = 0
	order.Status = common.New
	if order.CreatedAt.IsZero() {
		order.CreatedAt = book.now()
	}
	book.seq++
	order.Sequence = book.seq

	return book.execute(order), nil
}

func (book *OrderBook) validate(order *common.Order) error {
	if order.ID == "" {
		return ErrMissingOrderID
	}
	if order.Symbol == "" {
		order.Symbol = book.symbol
	}
	if order.Symbol != book.symbol {
		return fmt.Errorf("%w: %s placed on %s book", ErrRoutingMismatch, order.Symbol, book.symbol)
	}
	if _, ok := book.orders[order.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}
	if order.Quantity == 0 {
		return fmt.Errorf("%w: order %s has zero quantity", ErrInvalidQuantity, order.ID)
	}
	if order.Kind == common.LimitOrder && order.Price == 0 {
		return fmt.Errorf("%w: limit order %s has zero price", ErrInvalidPrice, order.ID)
	}
	return nil
}

// execute matches order and rests any limit remainder.
func (book *OrderBook) execute(order common.Order) Result {
	res := Result{}
	book.match(&order, &res)

	if order.Remaining > 0 {
		if order.Kind == common.MarketOrder {
			res.Canceled = order.Remaining
			order.Status = common.Canceled
		} else {
			book.rest(order)
			res.Rested = true
		}
	}
	res.Order = order
	return res
}

// match consumes the contra side's best levels while they cross the
// incoming order. Within a level, orders fill in arrival order and every
// trade prints at the resting order's price.
func (book *OrderBook) match(order *common.Order, res *Result) {
	levels := book.side(order.Side.Opposite())

	for order.Remaining > 0 {
		// Min accounts for bids and asks being in inverse order, based on
		// their comparison method.
		level, ok := levels.MinMut()
		if !ok || !crosses(order, level.Price) {
			break
		}

		for e := level.head; e != nil && order.Remaining > 0; {
			next := e.next
			maker := &e.order
			if maker.Remaining == 0 {
				panic(fmt.Sprintf("order %s rests at %s with nothing open", maker.ID, level.Price))
			}

			qty := min(order.Remaining, maker.Remaining)
			order.Remaining -= qty
			order.Filled += qty
			maker.Remaining -= qty
			maker.Filled += qty
			level.reduce(qty)

			if maker.Remaining == 0 {
				maker.Status = common.Filled
				book.detach(e)
			} else {
				maker.Status = common.PartiallyFilled
			}

			res.Fills = append(res.Fills, Fill{
				Trade: common.Trade{
					ID:           book.tradeID(),
					Symbol:       book.symbol,
					MakerOrderID: maker.ID,
					MakerOwner:   maker.Owner,
					TakerOrderID: order.ID,
					TakerOwner:   order.Owner,
					TakerSide:    order.Side,
					Price:        level.Price,
					Quantity:     qty,
					CreatedAt:    book.now(),
				},
				Maker: *maker,
			})
			e = next
		}

		if level.empty() {
			levels.Delete(level)
		}
	}

	switch {
	case order.Remaining == 0:
		order.Status = common.Filled
	case order.Filled > 0:
		order.Status = common.PartiallyFilled
	}
}

func crosses(order *common.Order, contra common.Price) bool {
	if order.Kind == common.MarketOrder {
		return true
	}
	if order.Side == common.Buy {
		return order.Price >= contra
	}
	return order.Price <= contra
}

// fits reports whether qty can rest on side at price without the level
// total wrapping. except is an order about to leave that level, or nil.
func (book *OrderBook) fits(side common.Side, price common.Price, qty common.Quantity, except *entry) bool {
	level, ok := book.side(side).Get(&PriceLevel{Price: price})
	if !ok {
		return true
	}
	total := level.TotalQuantity
	if except != nil && except.level == level {
		total -= except.order.Remaining
	}
	return qty <= math.MaxUint64-total
}

// rest appends order to the tail of its price level.
func (book *OrderBook) rest(order common.Order) {
	levels := book.side(order.Side)
	level, ok := levels.GetMut(&PriceLevel{Price: order.Price})
	if !ok {
		level = &PriceLevel{Price: order.Price}
		levels.Set(level)
	}

	e := &entry{order: order}
	level.push(e)
	book.orders[order.ID] = e

	ids, ok := book.owners[order.Owner]
	if !ok {
		ids = make(map[string]struct{})
		book.owners[order.Owner] = ids
	}
	ids[order.ID] = struct{}{}
}

// detach removes e from its level and every index. The caller drops the
// level if it became empty.
func (book *OrderBook) detach(e *entry) {
	if book.orders[e.order.ID] != e {
		panic(fmt.Sprintf("order %s linked in a level but missing from the index", e.order.ID))
	}
	e.level.unlink(e)
	delete(book.orders, e.order.ID)

	ids := book.owners[e.order.Owner]
	if _, ok := ids[e.order.ID]; !ok {
		panic(fmt.Sprintf("order %s missing from owner %d index", e.order.ID, e.order.Owner))
	}
	delete(ids, e.order.ID)
	if len(ids) == 0 {
		delete(book.owners, e.order.Owner)
	}
}

// remove detaches e and drops its level if it is now empty.
func (book *OrderBook) remove(e *entry) {
	level := e.level
	book.detach(e)
	if level.empty() {
		book.side(e.order.Side).Delete(level)
	}
}

// RemoveOrder cancels a resting order and returns its final state.
func (book *OrderBook) RemoveOrder(id string) (common.Order, error) {
	e, ok := book.orders[id]
	if !ok {
		return common.Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	book.remove(e)
	e.order.Status = common.Canceled
	return e.order, nil
}

// ModifyOrder changes the total quantity and optionally the price of a
// resting order. A zero price keeps the current price.
//
// Reducing the quantity at the same price keeps the order's place in the
// queue. Any other change loses time priority: the order is taken out and
// re-entered at the tail of its (possibly new) level, where it may match.
// The new quantity must exceed what has already been filled.
func (book *OrderBook) ModifyOrder(id string, quantity common.Quantity, price common.Price) (Result, error) {
	e, ok := book.orders[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if quantity <= e.order.Filled {
		return Result{}, fmt.Errorf("%w: %s quantity %s not above filled %s", ErrInvalidQuantity, id, quantity, e.order.Filled)
	}
	if price == 0 {
		price = e.order.Price
	}

	if price == e.order.Price && quantity <= e.order.Quantity {
		delta := e.order.Quantity - quantity
		e.order.Quantity = quantity
		e.order.Remaining -= delta
		e.level.reduce(delta)
		return Result{Order: e.order, Rested: true}, nil
	}

	if !book.fits(e.order.Side, price, quantity-e.order.Filled, e) {
		return Result{}, fmt.Errorf("%w: %s would overflow the %s level total", ErrInvalidQuantity, id, price)
	}

	order := e.order
	book.remove(e)

	order.Price = price
	order.Quantity = quantity
	order.Remaining = quantity - order.Filled
	order.CreatedAt = book.now()
	book.seq++
	order.Sequence = book.seq

	return book.execute(order), nil
}

// Order returns the resting order with the given id.
func (book *OrderBook) Order(id string) (common.Order, bool) {
	e, ok := book.orders[id]
	if !ok {
		return common.Order{}, false
	}
	return e.order, true
}

// OrdersAtPrice returns the orders resting on side at price, in time
// priority.
func (book *OrderBook) OrdersAtPrice(side common.Side, price common.Price) []common.Order {
	level, ok := book.side(side).Get(&PriceLevel{Price: price})
	if !ok {
		return nil
	}
	return level.Orders()
}

func (book *OrderBook) PriceLevelInfo(side common.Side, price common.Price) (LevelInfo, bool) {
	level, ok := book.side(side).Get(&PriceLevel{Price: price})
	if !ok {
		return LevelInfo{}, false
	}
	return level.Info(), true
}

// Depth lists up to n levels of side, best first. n <= 0 lists all.
func (book *OrderBook) Depth(side common.Side, n int) []LevelInfo {
	var out []LevelInfo
	book.side(side).Scan(func(level *PriceLevel) bool {
		out = append(out, level.Info())
		return n <= 0 || len(out) < n
	})
	return out
}

// OwnerOrders returns owner's resting orders ordered by arrival.
func (book *OrderBook) OwnerOrders(owner uint32) []common.Order {
	ids := book.owners[owner]
	orders := make([]common.Order, 0, len(ids))
	for id := range ids {
		orders = append(orders, book.orders[id].order)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Sequence < orders[j].Sequence
	})
	return orders
}

func (book *OrderBook) BestBid() (LevelInfo, bool) { return book.best(book.bids) }

func (book *OrderBook) BestAsk() (LevelInfo, bool) { return book.best(book.asks) }

func (book *OrderBook) best(levels *PriceLevels) (LevelInfo, bool) {
	level, ok := levels.Min()
	if !ok {
		return LevelInfo{}, false
	}
	return level.Info(), true
}

// Snapshot returns every resting order ordered by arrival sequence, which
// is enough to rebuild the book with identical priority.
func (book *OrderBook) Snapshot() []common.Order {
	orders := make([]common.Order, 0, len(book.orders))
	for _, e := range book.orders {
		orders = append(orders, e.order)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Sequence < orders[j].Sequence
	})
	return orders
}

// Restore loads resting orders into an empty book, preserving their fill
// state and relative priority. Orders are not matched against each other.
func (book *OrderBook) Restore(orders []common.Order) error {
	if len(book.orders) != 0 {
		return fmt.Errorf("restore into non-empty %s book", book.symbol)
	}

	sorted := append([]common.Order(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	for _, order := range sorted {
		if err := book.validate(&order); err != nil {
			return err
		}
		if order.Kind != common.LimitOrder || order.Remaining == 0 || !order.Consistent() || order.Status.Terminal() {
			return fmt.Errorf("%w: order %s cannot rest (%v, remaining %s)", ErrInvalidQuantity, order.ID, order.Status, order.Remaining)
		}
		if !book.fits(order.Side, order.Price, order.Remaining, nil) {
			return fmt.Errorf("%w: order %s would overflow the %s level total", ErrInvalidQuantity, order.ID, order.Price)
		}
		book.rest(order)
		book.seq = max(book.seq, order.Sequence)
	}
	return nil
}

// CheckInvariants walks the whole book and reports the first structural
// inconsistency between levels, their aggregates and the indexes.
func (book *OrderBook) CheckInvariants() error {
	seen := 0
	for _, side := range []common.Side{common.Buy, common.Sell} {
		var err error
		book.side(side).Scan(func(level *PriceLevel) bool {
			var total common.Quantity
			count := 0
			for e := level.head; e != nil; e = e.next {
				o := e.order
				switch {
				case o.Remaining == 0:
					err = fmt.Errorf("order %s rests with nothing open", o.ID)
				case !o.Consistent():
					err = fmt.Errorf("order %s remaining %s + filled %s != %s", o.ID, o.Remaining, o.Filled, o.Quantity)
				case o.Price != level.Price || o.Side != side:
					err = fmt.Errorf("order %s sits on the wrong level", o.ID)
				case book.orders[o.ID] != e:
					err = fmt.Errorf("order %s missing from id index", o.ID)
				}
				if _, ok := book.owners[o.Owner][o.ID]; !ok && err == nil {
					err = fmt.Errorf("order %s missing from owner index", o.ID)
				}
				if err == nil && o.Remaining > math.MaxUint64-total {
					err = fmt.Errorf("level %s total overflows at order %s", level.Price, o.ID)
				}
				if err != nil {
					return false
				}
				total += o.Remaining
				count++
			}
			if count == 0 {
				err = fmt.Errorf("empty level %s left in book", level.Price)
			} else if total != level.TotalQuantity || count != level.Count {
				err = fmt.Errorf("level %s caches %s/%d, holds %s/%d", level.Price, level.TotalQuantity, level.Count, total, count)
			}
			seen += count
			return err == nil
		})
		if err != nil {
			return err
		}
	}

	if seen != len(book.orders) {
		return fmt.Errorf("levels hold %d orders, index holds %d", seen, len(book.orders))
	}
	owned := 0
	for _, ids := range book.owners {
		owned += len(ids)
	}
	if owned != len(book.orders) {
		return fmt.Errorf("owner index holds %d orders, id index holds %d", owned, len(book.orders))
	}
	if bid, ok := book.BestBid(); ok {
		if ask, ok := book.BestAsk(); ok && bid.Price >= ask.Price {
			return fmt.Errorf("book crossed: bid %s ask %s", bid.Price, ask.Price)
		}
	}
	return nil
}

func (book *OrderBook) side(side common.Side) *PriceLevels {
	if side == common.Buy {
		return book.bids
	}
	return book.asks
}
