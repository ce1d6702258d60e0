package fix

import (
	"bytes"
	"strconv"
	"time"
)

// Header carries the standard envelope fields of an outbound message.
type Header struct {
	SenderCompID string
	TargetCompID string
	MsgSeqNum    int
	SendingTime  time.Time
}

// Builder assembles an outbound text message. Header fields are written
// first, body fields in the order they were set. BodyLength and CheckSum
// are only computed by Build, once every other value is final.
type Builder struct {
	msgType byte
	header  Header
	body    []field
}

func NewBuilder(msgType byte, header Header) *Builder {
	return &Builder{msgType: msgType, header: header}
}

// Set appends a body field.
func (b *Builder) Set(tag int, value string) *Builder {
	b.body = append(b.body, field{tag: tag, value: value})
	return b
}

// SetChar appends a single byte body field.
func (b *Builder) SetChar(tag int, value byte) *Builder {
	return b.Set(tag, string([]byte{value}))
}

// SetInt appends an integer body field.
func (b *Builder) SetInt(tag int, value int) *Builder {
	return b.Set(tag, strconv.Itoa(value))
}

// SetFixed appends a fixed-point value rendered as a decimal.
func (b *Builder) SetFixed(tag int, value uint64) *Builder {
	return b.Set(tag, FormatScaled(value))
}

// Build renders the message. The final field carries no trailing SOH.
func (b *Builder) Build() []byte {
	var body bytes.Buffer
	writeField(&body, TagMsgType, string([]byte{b.msgType}))
	writeField(&body, TagSenderCompID, b.header.SenderCompID)
	writeField(&body, TagTargetCompID, b.header.TargetCompID)
	writeField(&body, TagMsgSeqNum, strconv.Itoa(b.header.MsgSeqNum))

	sendingTime := b.header.SendingTime
	if sendingTime.IsZero() {
		sendingTime = time.Now()
	}
	writeField(&body, TagSendingTime, sendingTime.UTC().Format(SendingTimeLayout))
	for _, f := range b.body {
		writeField(&body, f.tag, f.value)
	}

	var msg bytes.Buffer
	writeField(&msg, TagBeginString, BeginString)
	// Body runs from the end of the BodyLength field up to the start of
	// the CheckSum field.
	writeField(&msg, TagBodyLength, strconv.Itoa(body.Len()))
	msg.Write(body.Bytes())

	sum := Checksum(msg.Bytes())
	msg.WriteString(strconv.Itoa(TagCheckSum))
	msg.WriteByte('=')
	msg.WriteString(FormatChecksum(sum))
	return msg.Bytes()
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(SOH)
}

// CreateLogonResponse acknowledges a logon with no encryption and a 30s
// heartbeat interval.
func CreateLogonResponse(header Header) []byte {
	return NewBuilder(MsgTypeLogon, header).
		SetInt(TagEncryptMethod, 0).
		SetInt(TagHeartBtInt, 30).
		Build()
}

// CreateLogoutResponse acknowledges a logout.
func CreateLogoutResponse(header Header) []byte {
	return NewBuilder(MsgTypeLogout, header).Build()
}

// ExecutionReport carries the fields of an outbound execution report.
type ExecutionReport struct {
	OrderID   string
	ClOrdID   string
	ExecID    string
	ExecType  byte
	OrdStatus byte
	Symbol    string
	Side      byte
	OrderQty  uint64
	Price     uint64
	LeavesQty uint64
	CumQty    uint64
	LastQty   uint64
	LastPx    uint64
	Text      string
}

// CreateExecutionReport renders an execution report (35=8).
func CreateExecutionReport(header Header, r ExecutionReport) []byte {
	b := NewBuilder(MsgTypeExecReport, header).
		Set(TagOrderID, r.OrderID).
		Set(TagClOrdID, r.ClOrdID).
		Set(TagExecID, r.ExecID).
		SetChar(TagExecType, r.ExecType).
		SetChar(TagOrdStatus, r.OrdStatus).
		Set(TagSymbol, r.Symbol)
	if r.Side != 0 {
		b.SetChar(TagSide, r.Side)
	}
	b.SetFixed(TagOrderQty, r.OrderQty).
		SetFixed(TagPrice, r.Price).
		SetFixed(TagLeavesQty, r.LeavesQty).
		SetFixed(TagCumQty, r.CumQty).
		SetFixed(TagLastQty, r.LastQty).
		SetFixed(TagLastPx, r.LastPx)
	if r.Text != "" {
		b.Set(TagText, r.Text)
	}
	return b.Build()
}

// CreateReject renders an execution report rejecting clOrdID.
func CreateReject(header Header, clOrdID, symbol, reason string) []byte {
	return CreateExecutionReport(header, ExecutionReport{
		OrderID:   clOrdID,
		ClOrdID:   clOrdID,
		ExecType:  ExecTypeRejected,
		OrdStatus: OrdStatusRejected,
		Symbol:    symbol,
		Text:      reason,
	})
}

// ExecutionReport converts a binary execution record into its text form.
func (m *BinaryMessage) ExecutionReport(execID string) ExecutionReport {
	id := m.OrderID()
	return ExecutionReport{
		OrderID:   id,
		ClOrdID:   id,
		ExecID:    execID,
		ExecType:  m.ExecType,
		OrdStatus: m.OrdStatus,
		Symbol:    m.SymbolString(),
		Side:      m.Side,
		OrderQty:  m.Quantity,
		Price:     m.Price,
		LeavesQty: m.LeavesQty,
		CumQty:    m.CumQty,
		LastQty:   m.LastQty,
		LastPx:    m.LastPx,
	}
}
