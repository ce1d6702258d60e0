// Package cache keeps a durable snapshot of each symbol's resting orders
// in pebble so engines can hydrate their books on startup.
//
// Orders are stored one key per order,
// `{len(symbol)}:{symbol}:orders:{sequence}:{id}`, with the sequence zero
// padded so a prefix scan returns them in time priority. The length prefix
// keeps one symbol's range from covering another's, whatever they contain.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"fixmatch/internal/common"
)

var ErrCorruptRecord = errors.New("cache: corrupt order record")

type Config struct {
	Dir string `toml:"dir"`
}

func NewDefaultConfig() Config {
	return Config{Dir: "data/state"}
}

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the store in dir.
func Open(dir string) (*Store, error) {
	return OpenWithOptions(dir, &pebble.Options{})
}

// OpenWithOptions opens the store with explicit pebble options, e.g. an
// in-memory filesystem.
func OpenWithOptions(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// record is the stored form of a resting order.
type record struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Owner     uint32    `json:"owner"`
	Side      int       `json:"side"`
	Kind      int       `json:"kind"`
	Price     uint64    `json:"price"`
	Quantity  uint64    `json:"quantity"`
	Remaining uint64    `json:"remaining"`
	Filled    uint64    `json:"filled"`
	Status    int       `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Sequence  uint64    `json:"sequence"`
}

func toRecord(o common.Order) record {
	return record{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Owner:     o.Owner,
		Side:      int(o.Side),
		Kind:      int(o.Kind),
		Price:     uint64(o.Price),
		Quantity:  uint64(o.Quantity),
		Remaining: uint64(o.Remaining),
		Filled:    uint64(o.Filled),
		Status:    int(o.Status),
		CreatedAt: o.CreatedAt,
		Sequence:  o.Sequence,
	}
}

func (r record) order() common.Order {
	return common.Order{
		ID:        r.ID,
		Symbol:    r.Symbol,
		Owner:     r.Owner,
		Side:      common.Side(r.Side),
		Kind:      common.OrderKind(r.Kind),
		Price:     common.Price(r.Price),
		Quantity:  common.Quantity(r.Quantity),
		Remaining: common.Quantity(r.Remaining),
		Filled:    common.Quantity(r.Filled),
		Status:    common.Status(r.Status),
		CreatedAt: r.CreatedAt,
		Sequence:  r.Sequence,
	}
}

// LoadSymbolState returns the resting orders saved for symbol, in time
// priority.
func (s *Store) LoadSymbolState(symbol string) ([]common.Order, error) {
	lower, upper := bounds(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []common.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, iter.Key(), err)
		}
		if rec.Symbol != symbol {
			return nil, fmt.Errorf("%w: %s holds symbol %q", ErrCorruptRecord, iter.Key(), rec.Symbol)
		}
		orders = append(orders, rec.order())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return orders, nil
}

// SaveSymbolState replaces the saved orders of symbol with orders in one
// synced batch.
func (s *Store) SaveSymbolState(symbol string, orders []common.Order) error {
	lower, upper := bounds(symbol)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	for _, o := range orders {
		if o.Symbol != symbol {
			return fmt.Errorf("save %s state: order %s belongs to %s", symbol, o.ID, o.Symbol)
		}
		val, err := json.Marshal(toRecord(o))
		if err != nil {
			return err
		}
		if err := batch.Set(key(symbol, o.Sequence, o.ID), val, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save %s state: %w", symbol, err)
	}

	log.Debug().Str("symbol", symbol).Int("orders", len(orders)).Msg("Saved symbol state")
	return nil
}

func key(symbol string, seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefix(symbol), seq, id))
}

func prefix(symbol string) string {
	return fmt.Sprintf("%d:%s:orders:", len(symbol), symbol)
}

// bounds covers every order key of symbol. ';' sorts right after ':'.
func bounds(symbol string) ([]byte, []byte) {
	p := prefix(symbol)
	return []byte(p), []byte(p[:len(p)-1] + ";")
}
