package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"fixmatch/internal/common"
)

// --- Setup & Helpers --------------------------------------------------------

const testSymbol = "TEST"

func createTestOrderBook() *OrderBook {
	book := NewOrderBook(testSymbol)
	clock := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	book.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	trades := 0
	book.tradeID = func() string {
		trades++
		return fmt.Sprintf("T%d", trades)
	}
	return book
}

func px(units uint64) common.Price     { return common.Price(common.Units(units)) }
func qty(units uint64) common.Quantity { return common.Quantity(common.Units(units)) }

func limit(id string, side common.Side, price, quantity uint64) common.Order {
	return common.Order{ID: id, Owner: 1, Side: side, Kind: common.LimitOrder, Price: px(price), Quantity: qty(quantity)}
}

// placeTestOrders rests one order per quantity at price, with ids
// prefix1, prefix2, ...
func placeTestOrders(t *testing.T, book *OrderBook, prefix string, price uint64, side common.Side, quantities ...uint64) {
	t.Helper()
	for i, q := range quantities {
		res, err := book.AddOrder(limit(fmt.Sprintf("%s%d", prefix, i+1), side, price, q))
		require.NoError(t, err)
		require.True(t, res.Rested, "order %s%d should rest", prefix, i+1)
	}
}

type flatOrder struct {
	ID        string
	Remaining common.Quantity
}

type flatLevel struct {
	Price  common.Price
	Orders []flatOrder
}

func level(price uint64, orders ...flatOrder) flatLevel {
	return flatLevel{Price: px(price), Orders: orders}
}

func resting(id string, remaining uint64) flatOrder {
	return flatOrder{ID: id, Remaining: qty(remaining)}
}

// flatten lists a side best price first with each level's FIFO.
func flatten(book *OrderBook, side common.Side) []flatLevel {
	var out []flatLevel
	for _, l := range book.side(side).Items() {
		fl := flatLevel{Price: l.Price}
		for _, o := range l.Orders() {
			fl.Orders = append(fl.Orders, flatOrder{ID: o.ID, Remaining: o.Remaining})
		}
		out = append(out, fl)
	}
	return out
}

func requireConsistent(t *testing.T, book *OrderBook) {
	t.Helper()
	require.NoError(t, book.CheckInvariants())
}

// --- Tests ------------------------------------------------------------------

func TestAddOrder_Limit(t *testing.T) {
	book := createTestOrderBook()

	// 1. Setup: Place 3 orders on Buy side and 3 on Sell side
	placeTestOrders(t, book, "B", 99, common.Buy, 100, 90, 80)
	placeTestOrders(t, book, "S", 100, common.Sell, 100, 90, 80)

	// 2. Assertions
	assert.Equal(t, []flatLevel{
		level(99, resting("B1", 100), resting("B2", 90), resting("B3", 80)),
	}, flatten(book, common.Buy))
	assert.Equal(t, []flatLevel{
		level(100, resting("S1", 100), resting("S2", 90), resting("S3", 80)),
	}, flatten(book, common.Sell))

	info, ok := book.PriceLevelInfo(common.Buy, px(99))
	require.True(t, ok)
	assert.Equal(t, LevelInfo{Price: px(99), TotalQuantity: qty(270), Count: 3}, info)
	requireConsistent(t, book)
}

func TestAddOrder_Limit_MultipleLevels_WithMatch(t *testing.T) {
	book := createTestOrderBook()

	// 1. Setup BIDS: Highest price first (99 -> 98)
	placeTestOrders(t, book, "B", 99, common.Buy, 100, 90, 80)
	placeTestOrders(t, book, "C", 98, common.Buy, 50)

	// 2. Setup ASKS: Lowest price first (100 -> 101)
	placeTestOrders(t, book, "S", 100, common.Sell, 100, 90)
	placeTestOrders(t, book, "T", 101, common.Sell, 20)

	assert.Equal(t, []flatLevel{
		level(100, resting("S1", 100), resting("S2", 90)),
		level(101, resting("T1", 20)),
	}, flatten(book, common.Sell), "Asks should be sorted Low -> High")
	assert.Equal(t, []flatLevel{
		level(99, resting("B1", 100), resting("B2", 90), resting("B3", 80)),
		level(98, resting("C1", 50)),
	}, flatten(book, common.Buy), "Bids should be sorted High -> Low")

	// 3. Check complete match of the first ask.
	res, err := book.AddOrder(limit("X", common.Buy, 100, 100))
	require.NoError(t, err)
	assert.False(t, res.Rested)
	assert.Equal(t, common.Filled, res.Order.Status)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, "S1", res.Fills[0].Trade.MakerOrderID)
	assert.Equal(t, common.Filled, res.Fills[0].Maker.Status)

	assert.Equal(t, []flatLevel{
		level(100, resting("S2", 90)),
		level(101, resting("T1", 20)),
	}, flatten(book, common.Sell))
	requireConsistent(t, book)
}

func TestAddOrder_SweepsLevels(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 10)
	placeTestOrders(t, book, "T", 101, common.Sell, 10)
	placeTestOrders(t, book, "U", 103, common.Sell, 10)

	res, err := book.AddOrder(limit("B", common.Buy, 102, 25))
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, px(100), res.Fills[0].Trade.Price)
	assert.Equal(t, px(101), res.Fills[1].Trade.Price)
	// The remainder rests at its own limit, below the next ask.
	assert.True(t, res.Rested)
	assert.Equal(t, common.PartiallyFilled, res.Order.Status)
	assert.Equal(t, qty(5), res.Order.Remaining)
	assert.Equal(t, qty(20), res.Order.Filled)

	assert.Equal(t, []flatLevel{level(102, resting("B", 5))}, flatten(book, common.Buy))
	assert.Equal(t, []flatLevel{level(103, resting("U1", 10))}, flatten(book, common.Sell))
	requireConsistent(t, book)
}

func TestPriceTimePriority(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 10, 10)

	res, err := book.AddOrder(limit("B", common.Buy, 100, 10))
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, "S1", res.Fills[0].Trade.MakerOrderID)
	_, ok := book.Order("S1")
	assert.False(t, ok)
	s2, ok := book.Order("S2")
	require.True(t, ok)
	assert.Equal(t, qty(10), s2.Remaining)
	assert.Equal(t, common.New, s2.Status)
}

func TestPriceImprovementGoesToTaker(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 95, common.Sell, 10)

	res, err := book.AddOrder(limit("B", common.Buy, 100, 10))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, px(95), res.Fills[0].Trade.Price)

	// Same for a sell crossing a higher bid.
	placeTestOrders(t, book, "C", 105, common.Buy, 10)
	res, err = book.AddOrder(limit("S2", common.Sell, 101, 10))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, px(105), res.Fills[0].Trade.Price)
}

func TestPartialFillScenario(t *testing.T) {
	book := createTestOrderBook()
	_, err := book.AddOrder(limit("S1", common.Sell, 100, 10))
	require.NoError(t, err)
	_, err = book.AddOrder(limit("S2", common.Sell, 100, 5))
	require.NoError(t, err)

	res, err := book.AddOrder(limit("B1", common.Buy, 100, 12))
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	first, second := res.Fills[0].Trade, res.Fills[1].Trade
	assert.Equal(t, "S1", first.MakerOrderID)
	assert.Equal(t, qty(10), first.Quantity)
	assert.Equal(t, px(100), first.Price)
	assert.Equal(t, "S2", second.MakerOrderID)
	assert.Equal(t, qty(2), second.Quantity)
	assert.Equal(t, px(100), second.Price)
	assert.Equal(t, "B1", first.TakerOrderID)
	assert.Equal(t, common.Buy, first.TakerSide)

	s2, ok := book.Order("S2")
	require.True(t, ok)
	assert.Equal(t, qty(3), s2.Remaining)
	assert.Equal(t, qty(2), s2.Filled)
	assert.Equal(t, common.PartiallyFilled, s2.Status)
	assert.Equal(t, common.Filled, res.Order.Status)
	assert.False(t, res.Rested)

	info, ok := book.PriceLevelInfo(common.Sell, px(100))
	require.True(t, ok)
	assert.Equal(t, qty(3), info.TotalQuantity)
	assert.Equal(t, 1, info.Count)
	requireConsistent(t, book)
}

func TestAddOrder_Market(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 5)
	placeTestOrders(t, book, "T", 120, common.Sell, 5)

	// Market orders ignore price: both levels are swept.
	res, err := book.AddOrder(common.Order{ID: "M", Owner: 2, Side: common.Buy, Kind: common.MarketOrder, Quantity: qty(8)})
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, px(120), res.Fills[1].Trade.Price)
	assert.Equal(t, common.Filled, res.Order.Status)
	assert.Zero(t, res.Canceled)
	assert.Equal(t, []flatLevel{level(120, resting("T1", 2))}, flatten(book, common.Sell))
}

func TestAddOrder_MarketRemainderCanceled(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 5)

	res, err := book.AddOrder(common.Order{ID: "M", Side: common.Buy, Kind: common.MarketOrder, Quantity: qty(8)})
	require.NoError(t, err)
	assert.Equal(t, common.Canceled, res.Order.Status)
	assert.Equal(t, qty(3), res.Canceled)
	assert.Equal(t, qty(5), res.Order.Filled)
	assert.True(t, res.Order.Consistent())
	assert.False(t, res.Rested)
	assert.Zero(t, book.Len())
	_, ok := book.Order("M")
	assert.False(t, ok)
}

func TestAddOrder_MarketNoLiquidity(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 5)

	_, err := book.AddOrder(common.Order{ID: "M", Side: common.Buy, Kind: common.MarketOrder, Quantity: qty(1)})
	assert.ErrorIs(t, err, ErrNoLiquidity)
	assert.Equal(t, 1, book.Len())
}

func TestAddOrder_Validation(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 5)

	_, err := book.AddOrder(limit("", common.Buy, 99, 1))
	assert.ErrorIs(t, err, ErrMissingOrderID)
	_, err = book.AddOrder(limit("B1", common.Buy, 99, 1))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	_, err = book.AddOrder(limit("Z", common.Buy, 99, 0))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = book.AddOrder(limit("Z", common.Buy, 0, 1))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	wrong := limit("Z", common.Buy, 99, 1)
	wrong.Symbol = "OTHER"
	_, err = book.AddOrder(wrong)
	assert.ErrorIs(t, err, ErrRoutingMismatch)
	assert.Equal(t, 1, book.Len())
}

func TestRemoveOrder(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 10, 20, 30)

	order, err := book.RemoveOrder("B2")
	require.NoError(t, err)
	assert.Equal(t, common.Canceled, order.Status)
	assert.Equal(t, qty(20), order.Remaining)

	assert.Equal(t, []flatLevel{level(99, resting("B1", 10), resting("B3", 30))}, flatten(book, common.Buy))
	info, _ := book.PriceLevelInfo(common.Buy, px(99))
	assert.Equal(t, qty(40), info.TotalQuantity)
	assert.Equal(t, 2, info.Count)

	// Emptying the level removes it.
	_, err = book.RemoveOrder("B1")
	require.NoError(t, err)
	_, err = book.RemoveOrder("B3")
	require.NoError(t, err)
	_, ok := book.PriceLevelInfo(common.Buy, px(99))
	assert.False(t, ok)
	assert.Empty(t, book.OwnerOrders(1))
	requireConsistent(t, book)
}

func TestRemoveOrder_Unknown(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 10)
	before := flatten(book, common.Buy)

	_, err := book.RemoveOrder("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, flatten(book, common.Buy))
	requireConsistent(t, book)
}

func TestModifyOrder_ReduceKeepsPriority(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 10, 10)

	res, err := book.ModifyOrder("S1", qty(4), 0)
	require.NoError(t, err)
	assert.Equal(t, qty(4), res.Order.Quantity)
	assert.Equal(t, qty(4), res.Order.Remaining)
	assert.Equal(t, []flatLevel{level(100, resting("S1", 4), resting("S2", 10))}, flatten(book, common.Sell))

	info, _ := book.PriceLevelInfo(common.Sell, px(100))
	assert.Equal(t, qty(14), info.TotalQuantity)
	requireConsistent(t, book)
}

func TestModifyOrder_IncreaseLosesPriority(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 10, 10)

	res, err := book.ModifyOrder("S1", qty(15), 0)
	require.NoError(t, err)
	assert.True(t, res.Rested)
	assert.Equal(t, []flatLevel{level(100, resting("S2", 10), resting("S1", 15))}, flatten(book, common.Sell))
	requireConsistent(t, book)
}

func TestModifyOrder_PriceChangeMayMatch(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 10)
	placeTestOrders(t, book, "S", 101, common.Sell, 4)

	res, err := book.ModifyOrder("B1", qty(10), px(101))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, px(101), res.Fills[0].Trade.Price)
	assert.Equal(t, qty(4), res.Fills[0].Trade.Quantity)
	assert.Equal(t, common.PartiallyFilled, res.Order.Status)
	assert.Equal(t, []flatLevel{level(101, resting("B1", 6))}, flatten(book, common.Buy))
	assert.Empty(t, flatten(book, common.Sell))
	requireConsistent(t, book)
}

func TestModifyOrder_PartiallyFilled(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "S", 100, common.Sell, 10)
	_, err := book.AddOrder(limit("B", common.Buy, 100, 6))
	require.NoError(t, err)

	// 6 of 10 filled: the new total must stay above that.
	_, err = book.ModifyOrder("S1", qty(6), 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	res, err := book.ModifyOrder("S1", qty(8), 0)
	require.NoError(t, err)
	assert.Equal(t, qty(2), res.Order.Remaining)
	assert.Equal(t, qty(6), res.Order.Filled)
	assert.True(t, res.Order.Consistent())

	_, err = book.ModifyOrder("nope", qty(1), 0)
	assert.ErrorIs(t, err, ErrNotFound)
	requireConsistent(t, book)
}

func TestQueries(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 1, 2)
	placeTestOrders(t, book, "C", 97, common.Buy, 3)
	placeTestOrders(t, book, "S", 101, common.Sell, 4)
	other := limit("O", common.Sell, 102, 5)
	other.Owner = 2
	_, err := book.AddOrder(other)
	require.NoError(t, err)

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, px(99), bid.Price)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, px(101), ask.Price)

	at := book.OrdersAtPrice(common.Buy, px(99))
	require.Len(t, at, 2)
	assert.Equal(t, "B1", at[0].ID)
	assert.Nil(t, book.OrdersAtPrice(common.Buy, px(50)))

	mine := book.OwnerOrders(1)
	ids := make([]string, len(mine))
	for i, o := range mine {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"B1", "B2", "C1", "S1"}, ids)
	assert.Len(t, book.OwnerOrders(2), 1)

	depth := book.Depth(common.Buy, 1)
	require.Len(t, depth, 1)
	assert.Equal(t, qty(3), depth[0].TotalQuantity)
	assert.Len(t, book.Depth(common.Sell, 0), 2)
}

func TestSnapshotRestore(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 10, 20)
	placeTestOrders(t, book, "S", 101, common.Sell, 10)
	_, err := book.AddOrder(limit("X", common.Sell, 99, 5))
	require.NoError(t, err)

	snap := book.Snapshot()
	restored := createTestOrderBook()
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, flatten(book, common.Buy), flatten(restored, common.Buy))
	assert.Equal(t, flatten(book, common.Sell), flatten(restored, common.Sell))
	b1, _ := restored.Order("B1")
	assert.Equal(t, qty(5), b1.Filled)
	requireConsistent(t, restored)

	// New orders keep queuing behind restored ones.
	_, err = restored.AddOrder(limit("B3", common.Buy, 99, 1))
	require.NoError(t, err)
	at := restored.OrdersAtPrice(common.Buy, px(99))
	assert.Equal(t, "B3", at[len(at)-1].ID)

	assert.Error(t, restored.Restore(snap), "restore into a non-empty book")
}

func TestLevelTotalNeverWraps(t *testing.T) {
	book := createTestOrderBook()
	// 100bn units each: valid alone, too much for one level together.
	huge := common.Quantity(1e19)
	sell := func(id string, price uint64) common.Order {
		o := limit(id, common.Sell, price, 0)
		o.Quantity = huge
		return o
	}

	_, err := book.AddOrder(sell("S1", 100))
	require.NoError(t, err)
	_, err = book.AddOrder(sell("S2", 100))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = book.AddOrder(sell("S2", 101))
	require.NoError(t, err)

	level, ok := book.PriceLevelInfo(common.Sell, px(100))
	require.True(t, ok)
	assert.Equal(t, huge, level.TotalQuantity)
	requireConsistent(t, book)

	// Repricing S2 onto S1's level must fail the same way and leave S2 put.
	_, err = book.ModifyOrder("S2", huge, px(100))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	s2, ok := book.Order("S2")
	require.True(t, ok)
	assert.Equal(t, px(101), s2.Price)

	// Growing an order on its own level only counts the difference.
	_, err = book.ModifyOrder("S1", huge+1, 0)
	require.NoError(t, err)

	buy := limit("B1", common.Buy, 100, 0)
	buy.Quantity = huge
	res, err := book.AddOrder(buy)
	require.NoError(t, err)
	assert.Equal(t, common.Filled, res.Order.Status)
	requireConsistent(t, book)

	restored := createTestOrderBook()
	snap := []common.Order{sell("R1", 100), sell("R2", 100)}
	for i := range snap {
		snap[i].Remaining = huge
		snap[i].Sequence = uint64(i + 1)
	}
	assert.ErrorIs(t, restored.Restore(snap), ErrInvalidQuantity)
}

func TestInvariantViolationPanics(t *testing.T) {
	book := createTestOrderBook()
	placeTestOrders(t, book, "B", 99, common.Buy, 10)

	// Corrupt the id index behind the book's back.
	e := book.orders["B1"]
	delete(book.orders, "B1")
	assert.Panics(t, func() { book.detach(e) })
}

// Random sequences of adds, cancels and modifies must leave the book
// structurally sound, conserve quantity and never leave it crossed.
func TestOrderBookInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		book := NewOrderBook(testSymbol)
		var ids []string

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0, 1:
				id := fmt.Sprintf("o%d", i)
				order := common.Order{
					ID:       id,
					Owner:    rapid.Uint32Range(1, 3).Draw(t, "owner"),
					Side:     common.Side(rapid.IntRange(0, 1).Draw(t, "side")),
					Kind:     common.LimitOrder,
					Price:    px(rapid.Uint64Range(95, 105).Draw(t, "price")),
					Quantity: qty(rapid.Uint64Range(1, 20).Draw(t, "qty")),
				}
				if rapid.IntRange(0, 9).Draw(t, "market") == 0 {
					order.Kind = common.MarketOrder
				}
				res, err := book.AddOrder(order)
				if err != nil {
					if order.Kind != common.MarketOrder {
						t.Fatalf("limit order rejected: %v", err)
					}
					continue
				}
				var filled common.Quantity
				for _, f := range res.Fills {
					filled += f.Trade.Quantity
					if order.Kind == common.LimitOrder && !crosses(&order, f.Trade.Price) {
						t.Fatalf("trade at %s does not satisfy limit %s", f.Trade.Price, order.Price)
					}
				}
				if filled != res.Order.Filled || !res.Order.Consistent() {
					t.Fatalf("taker state inconsistent: %v", res.Order)
				}
				if res.Rested {
					ids = append(ids, id)
				}
			case 2:
				if len(ids) == 0 {
					continue
				}
				id := rapid.SampledFrom(ids).Draw(t, "cancel")
				_, err := book.RemoveOrder(id)
				if err != nil && !errors.Is(err, ErrNotFound) {
					t.Fatalf("cancel %s: %v", id, err)
				}
			case 3:
				if len(ids) == 0 {
					continue
				}
				id := rapid.SampledFrom(ids).Draw(t, "modify")
				o, ok := book.Order(id)
				if !ok {
					continue
				}
				newQty := o.Filled + qty(rapid.Uint64Range(1, 20).Draw(t, "newQty"))
				newPx := px(rapid.Uint64Range(95, 105).Draw(t, "newPx"))
				if _, err := book.ModifyOrder(id, newQty, newPx); err != nil {
					t.Fatalf("modify %s: %v", id, err)
				}
			}

			if err := book.CheckInvariants(); err != nil {
				t.Fatalf("after step %d: %v", i, err)
			}
		}

		for _, o := range book.Snapshot() {
			if o.Remaining != o.Quantity-o.Filled {
				t.Fatalf("order %s remaining %s, quantity %s, filled %s", o.ID, o.Remaining, o.Quantity, o.Filled)
			}
		}
	})
}
