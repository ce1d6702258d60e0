// Package fix translates between FIX wire bytes and in-memory messages.
//
// Two representations are supported: the text tag=value form exchanged with
// participants, and a fixed-width binary record used on the hot path between
// the gateway and the matching engines.
package fix

import "errors"

var (
	ErrMalformedField = errors.New("malformed field")
	ErrTruncated      = errors.New("truncated message")
	ErrOverflow       = errors.New("value overflows fixed-point range")
	ErrBadBodyLength  = errors.New("body length mismatch")
	ErrBadChecksum    = errors.New("checksum mismatch")
	ErrMissingField   = errors.New("missing required field")
	ErrUnsupported    = errors.New("unsupported message type")
)

// SOH is the field delimiter of the text form.
const SOH byte = 0x01

const BeginString = "FIX.4.2"

// SendingTimeLayout is the YYYYMMDD-HH:MM:SS UTC layout of tag 52.
const SendingTimeLayout = "20060102-15:04:05"

// Tags used by the core.
const (
	TagBeginString   = 8
	TagBodyLength    = 9
	TagCheckSum      = 10
	TagClOrdID       = 11
	TagCumQty        = 14
	TagExecID        = 17
	TagLastPx        = 31
	TagLastQty       = 32
	TagMsgSeqNum     = 34
	TagMsgType       = 35
	TagOrderID       = 37
	TagOrderQty      = 38
	TagOrdStatus     = 39
	TagOrdType       = 40
	TagOrigClOrdID   = 41
	TagPrice         = 44
	TagSenderCompID  = 49
	TagSendingTime   = 52
	TagSide          = 54
	TagSymbol        = 55
	TagTargetCompID  = 56
	TagText          = 58
	TagEncryptMethod = 98
	TagHeartBtInt    = 108
	TagExecType      = 150
	TagLeavesQty     = 151
	TagUsername      = 553
	TagPassword      = 554
)

// MsgType values.
const (
	MsgTypeLogon         byte = 'A'
	MsgTypeLogout        byte = '5'
	MsgTypeNewOrder      byte = 'D'
	MsgTypeExecReport    byte = '8'
	MsgTypeCancel        byte = 'F'
	MsgTypeCancelReplace byte = 'G'
)

// Side values.
const (
	SideBuy  byte = '1'
	SideSell byte = '2'
)

// OrdType values.
const (
	OrdTypeMarket byte = '1'
	OrdTypeLimit  byte = '2'
)

// ExecType values.
const (
	ExecTypeNew      byte = '0'
	ExecTypeCanceled byte = '4'
	ExecTypeReplaced byte = '5'
	ExecTypeRejected byte = '8'
	ExecTypeTrade    byte = 'F'
)

// OrdStatus values.
const (
	OrdStatusNew      byte = '0'
	OrdStatusPartial  byte = '1'
	OrdStatusFilled   byte = '2'
	OrdStatusCanceled byte = '4'
	OrdStatusRejected byte = '8'
)
