package fix

import (
	"fmt"
	"strconv"
	"time"
)

// OrderFromMessage translates an order-entry text message (New Order,
// Cancel, Cancel/Replace) into the binary record consumed by the matching
// engines. For Cancel and Cancel/Replace the order id slot carries the
// OrigClOrdID (41) of the order being amended.
func OrderFromMessage(m *Message) (BinaryMessage, error) {
	var out BinaryMessage

	msgType := m.MsgType()
	switch msgType {
	case MsgTypeNewOrder, MsgTypeCancel, MsgTypeCancelReplace:
	default:
		return out, fmt.Errorf("%w: %q", ErrUnsupported, m.Get(TagMsgType))
	}
	out.MsgType = msgType

	var err error
	if out.SenderCompID, err = uintField(m, TagSenderCompID, true); err != nil {
		return out, err
	}
	if out.TargetCompID, err = uintField(m, TagTargetCompID, false); err != nil {
		return out, err
	}
	if out.SeqNum, err = uintField(m, TagMsgSeqNum, false); err != nil {
		return out, err
	}

	out.Timestamp = uint64(time.Now().Unix())
	if v, ok := m.Field(TagSendingTime); ok {
		ts, err := time.Parse(SendingTimeLayout, v)
		if err != nil {
			return out, fmt.Errorf("%w: sending time %q", ErrMalformedField, v)
		}
		out.Timestamp = uint64(ts.Unix())
	}

	idTag := TagClOrdID
	if msgType != MsgTypeNewOrder {
		idTag = TagOrigClOrdID
	}
	if err := out.SetClOrdID(m.Get(idTag)); err != nil {
		return out, err
	}
	if msgType != MsgTypeNewOrder && out.OrderID() == "" {
		return out, fmt.Errorf("%w: tag %d", ErrMissingField, TagOrigClOrdID)
	}

	symbol, ok := m.Field(TagSymbol)
	if !ok {
		return out, fmt.Errorf("%w: tag %d", ErrMissingField, TagSymbol)
	}
	if err := out.SetSymbol(symbol); err != nil {
		return out, err
	}

	if msgType == MsgTypeCancel {
		return out, nil
	}

	switch side := m.Get(TagSide); side {
	case string(SideBuy), string(SideSell):
		out.Side = side[0]
	default:
		return out, fmt.Errorf("%w: side %q", ErrMalformedField, side)
	}

	switch ordType := m.Get(TagOrdType); ordType {
	case string(OrdTypeMarket), string(OrdTypeLimit):
		out.OrdType = ordType[0]
	case "":
		out.OrdType = OrdTypeLimit
	default:
		return out, fmt.Errorf("%w: order type %q", ErrMalformedField, ordType)
	}

	qty, ok := m.Field(TagOrderQty)
	if !ok {
		return out, fmt.Errorf("%w: tag %d", ErrMissingField, TagOrderQty)
	}
	if out.Quantity, err = Scale(qty); err != nil {
		return out, err
	}

	if out.OrdType == OrdTypeLimit {
		price, ok := m.Field(TagPrice)
		if !ok {
			return out, fmt.Errorf("%w: tag %d", ErrMissingField, TagPrice)
		}
		if out.Price, err = Scale(price); err != nil {
			return out, err
		}
	}
	return out, nil
}

func uintField(m *Message, tag int, required bool) (uint32, error) {
	v, ok := m.Field(tag)
	if !ok {
		if required {
			return 0, fmt.Errorf("%w: tag %d", ErrMissingField, tag)
		}
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: tag %d value %q", ErrMalformedField, tag, v)
	}
	return uint32(n), nil
}
