package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"fixmatch/internal/common"
	"fixmatch/internal/fix"
	"fixmatch/internal/metrics"
	"fixmatch/internal/persist"
	"fixmatch/internal/ring"
	"fixmatch/internal/router"
)

var (
	ErrNotOwner           = errors.New("order belongs to another participant")
	ErrInvalidSide        = errors.New("invalid side")
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrSymbolAssigned     = errors.New("symbol already assigned")
)

// This is the main matching engine. An Engine owns the books of the symbols
// routed to it and is driven by a single goroutine; nothing in it is
// locked.
type Engine struct {
	id     string
	router *router.SymbolRouter
	books  map[string]*OrderBook

	reporter  Reporter
	persister Persister
	state     StateStore

	// Outbound execution report sequence.
	seq    uint32
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Engine)

func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

func WithStateStore(s StateStore) Option {
	return func(e *Engine) { e.state = s }
}

func New(id string, r *router.SymbolRouter, opts ...Option) *Engine {
	e := &Engine{
		id:        id,
		router:    r,
		books:     make(map[string]*OrderBook),
		reporter:  nopReporter{},
		persister: nopPersister{},
		now:       time.Now,
		logger:    log.With().Str("engine", id).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) ID() string { return e.id }

// AddSymbol assigns symbol to this engine with an empty book.
func (e *Engine) AddSymbol(symbol string) error {
	if _, ok := e.books[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrSymbolAssigned, symbol)
	}
	e.books[symbol] = NewOrderBook(symbol)
	return nil
}

// RemoveSymbol unassigns symbol and returns its resting orders so they can
// be handed to the next owner.
func (e *Engine) RemoveSymbol(symbol string) ([]common.Order, error) {
	book, ok := e.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s on engine %s", ErrRoutingMismatch, symbol, e.id)
	}
	delete(e.books, symbol)
	return book.Snapshot(), nil
}

func (e *Engine) HasSymbol(symbol string) bool {
	_, ok := e.books[symbol]
	return ok
}

// Symbols lists the assigned symbols, sorted.
func (e *Engine) Symbols() []string {
	symbols := make([]string, 0, len(e.books))
	for s := range e.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Book returns the book of an assigned symbol.
func (e *Engine) Book(symbol string) (*OrderBook, bool) {
	book, ok := e.books[symbol]
	return book, ok
}

// CanProcessSymbol reports whether symbol is assigned here and the router
// agrees this engine owns it.
func (e *Engine) CanProcessSymbol(symbol string) bool {
	if _, ok := e.books[symbol]; !ok {
		return false
	}
	return e.router == nil || e.router.Owns(e.id, symbol)
}

func (e *Engine) book(symbol string) (*OrderBook, error) {
	if !e.CanProcessSymbol(symbol) {
		return nil, fmt.Errorf("%w: %s on engine %s", ErrRoutingMismatch, symbol, e.id)
	}
	return e.books[symbol], nil
}

// Process dispatches one order message by type.
func (e *Engine) Process(msg fix.BinaryMessage) error {
	start := time.Now()
	defer metrics.ObserveMatch(e.id, start)

	var err error
	switch msg.MsgType {
	case fix.MsgTypeNewOrder:
		if msg.OrdType == fix.OrdTypeMarket {
			err = e.ProcessMarketOrder(msg)
		} else {
			err = e.ProcessOrder(msg)
		}
	case fix.MsgTypeCancel:
		err = e.CancelOrder(msg)
	case fix.MsgTypeCancelReplace:
		err = e.ModifyOrder(msg)
	default:
		err = e.reject(msg, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.MsgType))
	}
	metrics.OrderCounterInc(e.id, msg.MsgType, err == nil)
	return err
}

// ProcessOrder places a new limit order.
func (e *Engine) ProcessOrder(msg fix.BinaryMessage) error {
	return e.submit(msg, common.LimitOrder)
}

// ProcessMarketOrder places a new market order.
func (e *Engine) ProcessMarketOrder(msg fix.BinaryMessage) error {
	return e.submit(msg, common.MarketOrder)
}

func (e *Engine) submit(msg fix.BinaryMessage, kind common.OrderKind) error {
	book, err := e.book(msg.SymbolString())
	if err != nil {
		return e.reject(msg, err)
	}
	side, err := sideFromCode(msg.Side)
	if err != nil {
		return e.reject(msg, err)
	}

	order := common.Order{
		ID:       msg.OrderID(),
		Symbol:   book.Symbol(),
		Owner:    msg.SenderCompID,
		Side:     side,
		Kind:     kind,
		Price:    common.Price(msg.Price),
		Quantity: common.Quantity(msg.Quantity),
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
		_ = msg.SetClOrdID(order.ID)
	}

	res, err := book.AddOrder(order)
	if err != nil {
		return e.reject(msg, err)
	}

	e.emit(res, fix.ExecTypeNew)
	e.persistFills(res)
	if res.Rested {
		e.persister.Enqueue(persist.CreateOrder{Order: res.Order})
	}
	return nil
}

// CancelOrder cancels the resting order named by the message's order id.
// Only the participant that placed the order may cancel it.
func (e *Engine) CancelOrder(msg fix.BinaryMessage) error {
	book, err := e.book(msg.SymbolString())
	if err != nil {
		return e.reject(msg, err)
	}
	if err := e.checkOwner(book, msg); err != nil {
		return e.reject(msg, err)
	}

	order, err := book.RemoveOrder(msg.OrderID())
	if err != nil {
		return e.reject(msg, err)
	}

	e.execution(order, fix.ExecTypeCanceled, 0, 0)
	e.persister.Enqueue(persist.DeleteOrder{ID: order.ID, Status: order.Status})
	return nil
}

// ModifyOrder applies a cancel/replace: the message's quantity is the new
// total quantity and a non-zero price replaces the limit price.
func (e *Engine) ModifyOrder(msg fix.BinaryMessage) error {
	book, err := e.book(msg.SymbolString())
	if err != nil {
		return e.reject(msg, err)
	}
	if err := e.checkOwner(book, msg); err != nil {
		return e.reject(msg, err)
	}

	id := msg.OrderID()
	before, _ := book.Order(id)
	res, err := book.ModifyOrder(id, common.Quantity(msg.Quantity), common.Price(msg.Price))
	if err != nil {
		return e.reject(msg, err)
	}

	if res.Order.Sequence == before.Sequence {
		// Reduced in place, priority kept.
		e.execution(res.Order, fix.ExecTypeReplaced, 0, 0)
		e.persister.Enqueue(persist.UpdateOrderQuantity{
			ID:        id,
			Quantity:  res.Order.Quantity,
			Remaining: res.Order.Remaining,
		})
		return nil
	}

	e.emit(res, fix.ExecTypeReplaced)
	e.persistFills(res)
	if res.Rested {
		e.persister.Enqueue(persist.CreateOrder{Order: res.Order})
	} else {
		e.persister.Enqueue(persist.DeleteOrder{ID: id, Status: res.Order.Status})
	}
	return nil
}

func (e *Engine) checkOwner(book *OrderBook, msg fix.BinaryMessage) error {
	order, ok := book.Order(msg.OrderID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, msg.OrderID())
	}
	if order.Owner != msg.SenderCompID {
		return fmt.Errorf("%w: %s", ErrNotOwner, order.ID)
	}
	return nil
}

// emit reports the acceptance of res.Order, one trade report per fill to
// both sides, and the cancellation of any market remainder.
func (e *Engine) emit(res Result, ack byte) {
	var matched common.Quantity
	for _, f := range res.Fills {
		matched += f.Trade.Quantity
	}

	taker := res.Order
	taker.Filled -= matched
	taker.Remaining = taker.Quantity - taker.Filled
	taker.Status = common.New
	if taker.Filled > 0 {
		taker.Status = common.PartiallyFilled
	}
	e.execution(taker, ack, 0, 0)

	for _, f := range res.Fills {
		taker.Filled += f.Trade.Quantity
		taker.Remaining -= f.Trade.Quantity
		taker.Status = common.PartiallyFilled
		if taker.Remaining == 0 {
			taker.Status = common.Filled
		}

		e.execution(taker, fix.ExecTypeTrade, f.Trade.Quantity, f.Trade.Price)
		e.execution(f.Maker, fix.ExecTypeTrade, f.Trade.Quantity, f.Trade.Price)
		if err := e.reporter.ReportTrade(f.Trade); err != nil {
			e.logger.Warn().Err(err).Str("trade", f.Trade.ID).Msg("Trade report failed")
		}
	}
	metrics.TradeCounterAdd(res.Order.Symbol, len(res.Fills))

	if res.Canceled > 0 {
		e.execution(res.Order, fix.ExecTypeCanceled, 0, 0)
	}
}

func (e *Engine) persistFills(res Result) {
	for _, f := range res.Fills {
		e.persister.Enqueue(persist.CreateTrade{Trade: f.Trade})
		if f.Maker.Status == common.Filled {
			e.persister.Enqueue(persist.DeleteOrder{ID: f.Maker.ID, Status: common.Filled})
			continue
		}
		e.persister.Enqueue(persist.UpdateOrderFilled{
			ID:        f.Maker.ID,
			Filled:    f.Maker.Filled,
			Remaining: f.Maker.Remaining,
			Status:    f.Maker.Status,
		})
	}
}

// execution sends one execution report for order to its owner.
func (e *Engine) execution(order common.Order, execType byte, lastQty common.Quantity, lastPx common.Price) {
	e.seq++
	r := fix.BinaryMessage{
		Timestamp:    uint64(e.now().Unix()),
		SeqNum:       e.seq,
		TargetCompID: order.Owner,
		MsgType:      fix.MsgTypeExecReport,
		Side:         sideCode(order.Side),
		OrdType:      kindCode(order.Kind),
		Price:        uint64(order.Price),
		Quantity:     uint64(order.Quantity),
		ExecType:     execType,
		OrdStatus:    statusCode(order.Status),
		CumQty:       uint64(order.Filled),
		LastQty:      uint64(lastQty),
		LastPx:       uint64(lastPx),
	}
	if !order.Status.Terminal() {
		r.LeavesQty = uint64(order.Remaining)
	}
	// Ids come from the binary slot or are uuids, both fit.
	_ = r.SetClOrdID(order.ID)
	_ = r.SetSymbol(order.Symbol)

	if err := e.reporter.ReportExecution(r); err != nil {
		e.logger.Warn().Err(err).Str("order", order.ID).Msg("Execution report failed")
	}
}

// reject reports err back to the sender of msg and returns it.
func (e *Engine) reject(msg fix.BinaryMessage, err error) error {
	e.seq++
	r := fix.BinaryMessage{
		Timestamp:    uint64(e.now().Unix()),
		SeqNum:       e.seq,
		TargetCompID: msg.SenderCompID,
		MsgType:      fix.MsgTypeExecReport,
		ClOrdID:      msg.ClOrdID,
		Symbol:       msg.Symbol,
		Side:         msg.Side,
		OrdType:      msg.OrdType,
		Price:        msg.Price,
		Quantity:     msg.Quantity,
		ExecType:     fix.ExecTypeRejected,
		OrdStatus:    fix.OrdStatusRejected,
	}

	reason := RejectReason(err)
	metrics.RejectCounterInc("engine", reason)
	e.logger.Debug().
		Err(err).
		Str("order", msg.OrderID()).
		Str("symbol", msg.SymbolString()).
		Uint32("sender", msg.SenderCompID).
		Msg("Rejecting order message")

	if rerr := e.reporter.ReportExecution(r); rerr != nil {
		e.logger.Warn().Err(rerr).Str("order", msg.OrderID()).Msg("Reject report failed")
	}
	return err
}

// RejectReason maps an engine error to a short reason label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "unknown order"
	case errors.Is(err, ErrRoutingMismatch):
		return "symbol not routed here"
	case errors.Is(err, ErrNoLiquidity):
		return "no liquidity"
	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate order id"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid quantity"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid price"
	case errors.Is(err, ErrNotOwner):
		return "not order owner"
	case errors.Is(err, ErrInvalidSide):
		return "invalid side"
	case errors.Is(err, ErrUnsupportedMessage):
		return "unsupported message"
	}
	return "rejected"
}

// LoadState hydrates every assigned book from the state store.
func (e *Engine) LoadState() error {
	if e.state == nil {
		return nil
	}
	var errs []error
	for _, symbol := range e.Symbols() {
		orders, err := e.state.LoadSymbolState(symbol)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", symbol, err))
			continue
		}
		if err := e.books[symbol].Restore(orders); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", symbol, err))
			continue
		}
		e.logger.Info().Str("symbol", symbol).Int("orders", len(orders)).Msg("Loaded book")
	}
	return errors.Join(errs...)
}

// SaveState flushes every assigned book to the state store.
func (e *Engine) SaveState() error {
	if e.state == nil {
		return nil
	}
	var errs []error
	for _, symbol := range e.Symbols() {
		orders := e.books[symbol].Snapshot()
		if err := e.state.SaveSymbolState(symbol, orders); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", symbol, err))
			continue
		}
		e.logger.Info().Str("symbol", symbol).Int("orders", len(orders)).Msg("Saved book")
	}
	return errors.Join(errs...)
}

// Run is the matching loop. It consumes the shared order stream, handles
// the messages for symbols this engine owns and skips the rest. When the
// tomb is dying it processes whatever is already queued, saves state and
// returns.
func (e *Engine) Run(t *tomb.Tomb, consumer *ring.Consumer[fix.BinaryMessage]) error {
	defer consumer.Close()
	ctx := t.Context(nil)

	e.logger.Info().Strs("symbols", e.Symbols()).Msg("Matching engine started")
	for {
		msg, err := consumer.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		e.dispatch(msg)
	}

	drained := 0
	for {
		msg, err := consumer.Read()
		if err != nil {
			break
		}
		e.dispatch(msg)
		drained++
	}
	e.logger.Info().Int("drained", drained).Msg("Matching engine stopping")
	return e.SaveState()
}

func (e *Engine) dispatch(msg fix.BinaryMessage) {
	if e.router != nil && !e.router.Owns(e.id, msg.SymbolString()) {
		return
	}
	_ = e.Process(msg)
}

func sideFromCode(code byte) (common.Side, error) {
	switch code {
	case fix.SideBuy:
		return common.Buy, nil
	case fix.SideSell:
		return common.Sell, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, code)
}

func sideCode(side common.Side) byte {
	if side == common.Buy {
		return fix.SideBuy
	}
	return fix.SideSell
}

func kindCode(kind common.OrderKind) byte {
	if kind == common.MarketOrder {
		return fix.OrdTypeMarket
	}
	return fix.OrdTypeLimit
}

func statusCode(status common.Status) byte {
	switch status {
	case common.PartiallyFilled:
		return fix.OrdStatusPartial
	case common.Filled:
		return fix.OrdStatusFilled
	case common.Canceled:
		return fix.OrdStatusCanceled
	}
	return fix.OrdStatusNew
}
