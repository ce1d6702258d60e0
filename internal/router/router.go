// Package router maps traded symbols to the matching engine that owns them.
//
// The routing table is read on every order by the gateway and by every
// matching engine, and written only by administrative actions. Readers load
// an immutable table through an atomic pointer; writers build a fresh copy
// and publish it in one store, so no reader can observe a half-applied
// update.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	ErrEmptySymbol = errors.New("router: empty symbol")
	ErrEmptyEngine = errors.New("router: empty engine id")
	ErrRouteExists = errors.New("router: symbol already routed")
	ErrNoRoute     = errors.New("router: symbol not routed")
)

// Table is an immutable symbol → engine id mapping.
type Table map[string]string

// Source supplies the initial routing table, e.g. from configuration.
type Source interface {
	Routes() (map[string]string, error)
}

type SymbolRouter struct {
	table atomic.Pointer[Table]
	write sync.Mutex
}

func New() *SymbolRouter {
	r := &SymbolRouter{}
	empty := Table{}
	r.table.Store(&empty)
	return r
}

// Load replaces the routing table with the routes supplied by src.
func (r *SymbolRouter) Load(src Source) error {
	routes, err := src.Routes()
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	return r.Replace(routes)
}

// EngineFor returns the engine owning symbol. An unrouted symbol returns
// false and callers must reject the order.
func (r *SymbolRouter) EngineFor(symbol string) (string, bool) {
	engine, ok := (*r.table.Load())[symbol]
	return engine, ok
}

func (r *SymbolRouter) HasRoute(symbol string) bool {
	_, ok := r.EngineFor(symbol)
	return ok
}

// Owns reports whether engine is the current owner of symbol.
func (r *SymbolRouter) Owns(engine, symbol string) bool {
	owner, ok := r.EngineFor(symbol)
	return ok && owner == engine
}

// AddRoute assigns an unrouted symbol to engine.
func (r *SymbolRouter) AddRoute(symbol, engine string) error {
	if err := validate(symbol, engine); err != nil {
		return err
	}
	return r.update(func(t Table) error {
		if owner, ok := t[symbol]; ok {
			return fmt.Errorf("%w: %s owned by %s", ErrRouteExists, symbol, owner)
		}
		t[symbol] = engine
		return nil
	})
}

// RemoveRoute drops the route for symbol.
func (r *SymbolRouter) RemoveRoute(symbol string) error {
	return r.update(func(t Table) error {
		if _, ok := t[symbol]; !ok {
			return fmt.Errorf("%w: %s", ErrNoRoute, symbol)
		}
		delete(t, symbol)
		return nil
	})
}

// UpdateRoutingTable moves symbol to engine, creating the route if needed.
// The previous owner must have drained the symbol beforehand.
func (r *SymbolRouter) UpdateRoutingTable(symbol, engine string) error {
	if err := validate(symbol, engine); err != nil {
		return err
	}
	return r.update(func(t Table) error {
		if prev, ok := t[symbol]; ok && prev != engine {
			log.Info().
				Str("symbol", symbol).
				Str("from", prev).
				Str("to", engine).
				Msg("Moving symbol to new engine")
		}
		t[symbol] = engine
		return nil
	})
}

// Replace publishes routes as the complete routing table.
func (r *SymbolRouter) Replace(routes map[string]string) error {
	next := make(Table, len(routes))
	for symbol, engine := range routes {
		if err := validate(symbol, engine); err != nil {
			return err
		}
		next[symbol] = engine
	}

	r.write.Lock()
	defer r.write.Unlock()
	r.table.Store(&next)
	return nil
}

// Snapshot returns a copy of the current table.
func (r *SymbolRouter) Snapshot() Table {
	current := *r.table.Load()
	out := make(Table, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

// SymbolsFor lists the symbols owned by engine, sorted.
func (r *SymbolRouter) SymbolsFor(engine string) []string {
	var symbols []string
	for symbol, owner := range *r.table.Load() {
		if owner == engine {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

func (r *SymbolRouter) update(mutate func(Table) error) error {
	r.write.Lock()
	defer r.write.Unlock()

	current := *r.table.Load()
	next := make(Table, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	if err := mutate(next); err != nil {
		return err
	}
	r.table.Store(&next)
	return nil
}

func validate(symbol, engine string) error {
	if symbol == "" {
		return ErrEmptySymbol
	}
	if engine == "" {
		return fmt.Errorf("%w: symbol %s", ErrEmptyEngine, symbol)
	}
	return nil
}
