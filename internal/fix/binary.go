package fix

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	ClOrdIDLen = 36
	SymbolLen  = 8
)

// BinaryMessageLen is the exact wire size of a BinaryMessage:
// 8+4+4+4+1+36+8+1+1+8+8+1+1+8+8+8+8 = 117 bytes.
const BinaryMessageLen = 117

// BinaryMessage is the fixed-width record used between the gateway and the
// matching engines. Multi-byte integers are big-endian, fields are packed
// with no padding, and price/quantity fields are scaled by 10^8.
type BinaryMessage struct {
	Timestamp    uint64           // 8 bytes, seconds since epoch
	SeqNum       uint32           // 4 bytes
	SenderCompID uint32           // 4 bytes
	TargetCompID uint32           // 4 bytes
	MsgType      byte             // 1 byte
	ClOrdID      [ClOrdIDLen]byte // 36 bytes, NUL padded
	Symbol       [SymbolLen]byte  // 8 bytes, space padded
	Side         byte             // 1 byte
	OrdType      byte             // 1 byte
	Price        uint64           // 8 bytes
	Quantity     uint64           // 8 bytes
	ExecType     byte             // 1 byte
	OrdStatus    byte             // 1 byte
	LeavesQty    uint64           // 8 bytes
	CumQty       uint64           // 8 bytes
	LastQty      uint64           // 8 bytes
	LastPx       uint64           // 8 bytes
}

// SetClOrdID stores id in the fixed order id slot.
func (m *BinaryMessage) SetClOrdID(id string) error {
	if len(id) > ClOrdIDLen {
		return fmt.Errorf("%w: order id %q longer than %d bytes", ErrMalformedField, id, ClOrdIDLen)
	}
	m.ClOrdID = [ClOrdIDLen]byte{}
	copy(m.ClOrdID[:], id)
	return nil
}

// OrderID returns the order id slot with padding removed.
func (m *BinaryMessage) OrderID() string {
	return string(bytes.TrimRight(m.ClOrdID[:], "\x00"))
}

// SetSymbol stores symbol right-padded with spaces.
func (m *BinaryMessage) SetSymbol(symbol string) error {
	if len(symbol) == 0 || len(symbol) > SymbolLen {
		return fmt.Errorf("%w: symbol %q must be 1 to %d bytes", ErrMalformedField, symbol, SymbolLen)
	}
	for i := range m.Symbol {
		m.Symbol[i] = ' '
	}
	copy(m.Symbol[:], symbol)
	return nil
}

// SymbolString returns the symbol slot with padding removed.
func (m *BinaryMessage) SymbolString() string {
	return string(bytes.TrimRight(m.Symbol[:], " "))
}

// Time returns the timestamp as a time.Time.
func (m *BinaryMessage) Time() time.Time {
	return time.Unix(int64(m.Timestamp), 0).UTC()
}

// MarshalBinary encodes the record into exactly BinaryMessageLen bytes.
func (m *BinaryMessage) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, BinaryMessageLen))
}

// AppendBinary appends the encoded record to buf.
func (m *BinaryMessage) AppendBinary(buf []byte) ([]byte, error) {
	buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, m.SeqNum)
	buf = binary.BigEndian.AppendUint32(buf, m.SenderCompID)
	buf = binary.BigEndian.AppendUint32(buf, m.TargetCompID)
	buf = append(buf, m.MsgType)
	buf = append(buf, m.ClOrdID[:]...)
	buf = append(buf, m.Symbol[:]...)
	buf = append(buf, m.Side, m.OrdType)
	buf = binary.BigEndian.AppendUint64(buf, m.Price)
	buf = binary.BigEndian.AppendUint64(buf, m.Quantity)
	buf = append(buf, m.ExecType, m.OrdStatus)
	buf = binary.BigEndian.AppendUint64(buf, m.LeavesQty)
	buf = binary.BigEndian.AppendUint64(buf, m.CumQty)
	buf = binary.BigEndian.AppendUint64(buf, m.LastQty)
	buf = binary.BigEndian.AppendUint64(buf, m.LastPx)
	return buf, nil
}

// UnmarshalBinary decodes a record. Any length other than
// BinaryMessageLen is ErrTruncated.
func (m *BinaryMessage) UnmarshalBinary(msg []byte) error {
	if len(msg) != BinaryMessageLen {
		return fmt.Errorf("%w: binary record is %d bytes, want %d", ErrTruncated, len(msg), BinaryMessageLen)
	}

	m.Timestamp = binary.BigEndian.Uint64(msg[0:8])
	m.SeqNum = binary.BigEndian.Uint32(msg[8:12])
	m.SenderCompID = binary.BigEndian.Uint32(msg[12:16])
	m.TargetCompID = binary.BigEndian.Uint32(msg[16:20])
	m.MsgType = msg[20]
	copy(m.ClOrdID[:], msg[21:57])
	copy(m.Symbol[:], msg[57:65])
	m.Side = msg[65]
	m.OrdType = msg[66]
	m.Price = binary.BigEndian.Uint64(msg[67:75])
	m.Quantity = binary.BigEndian.Uint64(msg[75:83])
	m.ExecType = msg[83]
	m.OrdStatus = msg[84]
	m.LeavesQty = binary.BigEndian.Uint64(msg[85:93])
	m.CumQty = binary.BigEndian.Uint64(msg[93:101])
	m.LastQty = binary.BigEndian.Uint64(msg[101:109])
	m.LastPx = binary.BigEndian.Uint64(msg[109:117])
	return nil
}

// DecodeBinary decodes a record from msg.
func DecodeBinary(msg []byte) (BinaryMessage, error) {
	var m BinaryMessage
	err := m.UnmarshalBinary(msg)
	return m, err
}
