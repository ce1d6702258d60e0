package common

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderKind int

const (
	// Limit orders are an order to buy or sell a security at a specified
	// price or better. Limit orders may rest on the order book until
	// filled.
	LimitOrder OrderKind = iota
	// Market orders are instructions to buy or sell immediately against
	// whatever liquidity rests on the contra side. They never rest.
	MarketOrder
)

func (k OrderKind) String() string {
	switch k {
	case LimitOrder:
		return "LIMIT"
	case MarketOrder:
		return "MARKET"
	}
	return "UNKNOWN"
}

type Status int

const (
	New Status = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Canceled:
		return "CANCELED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == Filled || s == Canceled
}

// CanTransition reports whether moving from s to next is a legal order
// status transition.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case New:
		return next == PartiallyFilled || next == Filled || next == Canceled
	case PartiallyFilled:
		return next == PartiallyFilled || next == Filled || next == Canceled
	}
	return false
}
