package fix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBinaryMessage_Layout(t *testing.T) {
	var m BinaryMessage
	m.Timestamp = 1692101234
	m.SeqNum = 9
	m.SenderCompID = 1001
	m.TargetCompID = 1
	m.MsgType = MsgTypeNewOrder
	require.NoError(t, m.SetClOrdID("123e4567-e89b-12d3-a456-426614174000"))
	require.NoError(t, m.SetSymbol("AAPL"))
	m.Side = SideBuy
	m.OrdType = OrdTypeLimit
	m.Price = 15050000000
	m.Quantity = 10000000000

	buf, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, BinaryMessageLen)

	assert.Equal(t, []byte{0, 0, 0, 0, 0x64, 0xdb, 0x6a, 0x72}, buf[0:8])
	assert.Equal(t, byte('D'), buf[20])
	assert.Equal(t, "AAPL    ", string(buf[57:65]))
	assert.Equal(t, byte('1'), buf[65])
	assert.Equal(t, byte('2'), buf[66])

	decoded, err := DecodeBinary(buf)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
	assert.Equal(t, "AAPL", decoded.SymbolString())
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", decoded.OrderID())
}

func TestBinaryMessage_WrongLengthIsTruncated(t *testing.T) {
	var m BinaryMessage
	assert.ErrorIs(t, m.UnmarshalBinary(make([]byte, BinaryMessageLen-1)), ErrTruncated)
	assert.ErrorIs(t, m.UnmarshalBinary(make([]byte, BinaryMessageLen+1)), ErrTruncated)
	assert.ErrorIs(t, m.UnmarshalBinary(nil), ErrTruncated)
}

func TestBinaryMessage_SlotLimits(t *testing.T) {
	var m BinaryMessage
	assert.ErrorIs(t, m.SetSymbol("TOOLONGSYM"), ErrMalformedField)
	assert.ErrorIs(t, m.SetSymbol(""), ErrMalformedField)
	assert.ErrorIs(t, m.SetClOrdID("123e4567-e89b-12d3-a456-426614174000-extra"), ErrMalformedField)

	require.NoError(t, m.SetClOrdID("short"))
	assert.Equal(t, "short", m.OrderID())
}

func TestBinaryMessage_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var m BinaryMessage
		m.Timestamp = rapid.Uint64().Draw(t, "ts")
		m.SeqNum = rapid.Uint32().Draw(t, "seq")
		m.SenderCompID = rapid.Uint32().Draw(t, "sender")
		m.TargetCompID = rapid.Uint32().Draw(t, "target")
		m.MsgType = rapid.Byte().Draw(t, "msgType")
		copy(m.ClOrdID[:], rapid.SliceOfN(rapid.Byte(), ClOrdIDLen, ClOrdIDLen).Draw(t, "clOrdID"))
		copy(m.Symbol[:], rapid.SliceOfN(rapid.Byte(), SymbolLen, SymbolLen).Draw(t, "symbol"))
		m.Side = rapid.Byte().Draw(t, "side")
		m.OrdType = rapid.Byte().Draw(t, "ordType")
		m.Price = rapid.Uint64().Draw(t, "price")
		m.Quantity = rapid.Uint64().Draw(t, "qty")
		m.ExecType = rapid.Byte().Draw(t, "execType")
		m.OrdStatus = rapid.Byte().Draw(t, "ordStatus")
		m.LeavesQty = rapid.Uint64().Draw(t, "leaves")
		m.CumQty = rapid.Uint64().Draw(t, "cum")
		m.LastQty = rapid.Uint64().Draw(t, "lastQty")
		m.LastPx = rapid.Uint64().Draw(t, "lastPx")

		buf, err := m.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := DecodeBinary(buf)
		if err != nil {
			t.Fatal(err)
		}
		if decoded != m {
			t.Fatalf("round trip mismatch:\n%+v\n%+v", m, decoded)
		}
	})
}
