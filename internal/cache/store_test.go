package cache

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixmatch/internal/common"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenWithOptions("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func restingOrder(symbol, id string, seq uint64) common.Order {
	return common.Order{
		ID:        id,
		Symbol:    symbol,
		Owner:     3,
		Side:      common.Sell,
		Kind:      common.LimitOrder,
		Price:     common.Price(common.Units(100)),
		Quantity:  common.Quantity(common.Units(10)),
		Remaining: common.Quantity(common.Units(7)),
		Filled:    common.Quantity(common.Units(3)),
		Status:    common.PartiallyFilled,
		CreatedAt: time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
		Sequence:  seq,
	}
}

func TestLoadEmpty(t *testing.T) {
	s := newTestStore(t)
	orders, err := s.LoadSymbolState("AAPL")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSaveAndLoadKeepsPriority(t *testing.T) {
	s := newTestStore(t)

	// Sequence 10 must sort after 9 despite the string comparison.
	saved := []common.Order{
		restingOrder("AAPL", "b", 10),
		restingOrder("AAPL", "a", 9),
		restingOrder("AAPL", "c", 100),
	}
	require.NoError(t, s.SaveSymbolState("AAPL", saved))

	loaded, err := s.LoadSymbolState("AAPL")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{loaded[0].ID, loaded[1].ID, loaded[2].ID})
	assert.Equal(t, saved[1], loaded[0])
}

func TestSaveReplacesAndIsolatesSymbols(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSymbolState("AAPL", []common.Order{restingOrder("AAPL", "a", 1), restingOrder("AAPL", "b", 2)}))
	require.NoError(t, s.SaveSymbolState("AAPLX", []common.Order{restingOrder("AAPLX", "x", 1)}))
	require.NoError(t, s.SaveSymbolState("AAPL", []common.Order{restingOrder("AAPL", "c", 3)}))

	aapl, err := s.LoadSymbolState("AAPL")
	require.NoError(t, err)
	require.Len(t, aapl, 1)
	assert.Equal(t, "c", aapl[0].ID)

	other, err := s.LoadSymbolState("AAPLX")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "x", other[0].ID)
}

func TestSymbolsContainingSeparator(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSymbolState("A:orders", []common.Order{restingOrder("A:orders", "x", 1)}))
	require.NoError(t, s.SaveSymbolState("A", nil))

	other, err := s.LoadSymbolState("A:orders")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "x", other[0].ID)

	a, err := s.LoadSymbolState("A")
	require.NoError(t, err)
	assert.Empty(t, a)
}

func TestSaveRejectsForeignOrders(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveSymbolState("AAPL", []common.Order{restingOrder("MSFT", "m", 1)}))
}

func TestCorruptRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.db.Set(key("AAPL", 1, "bad"), []byte("{not json"), pebble.Sync))

	_, err := s.LoadSymbolState("AAPL")
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
