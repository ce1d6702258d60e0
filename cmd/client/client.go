package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fixmatch/internal/fix"
	fixNet "fixmatch/internal/net"
)

type options struct {
	server   string
	sender   string
	target   string
	username string
	password string
	action   string

	symbol    string
	side      string
	orderType string
	price     string
	qty       string
	id        string
	origID    string
	linger    time.Duration
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var o options
	cmd := &cobra.Command{
		Use:          "fixmatch-client",
		Short:        "Send orders to a fixmatch venue over FIX",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.server, "server", "127.0.0.1:9878", "Address of the venue")
	fs.StringVar(&o.sender, "sender", "", "SenderCompID (compulsory)")
	fs.StringVar(&o.target, "target", "0", "TargetCompID of the venue")
	fs.StringVar(&o.username, "username", "", "Logon username")
	fs.StringVar(&o.password, "password", "", "Logon password")
	fs.StringVar(&o.action, "action", "place", "Action to perform: ['place', 'cancel', 'replace']")
	fs.StringVar(&o.symbol, "symbol", "AAPL", "Symbol, at most 8 characters")
	fs.StringVar(&o.side, "side", "buy", "Order side: 'buy' or 'sell'")
	fs.StringVar(&o.orderType, "type", "limit", "Order type: 'limit' or 'market'")
	fs.StringVar(&o.price, "price", "100", "Limit price")
	fs.StringVar(&o.qty, "qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")
	fs.StringVar(&o.id, "id", "", "ClOrdID, generated when empty")
	fs.StringVar(&o.origID, "orig-id", "", "OrigClOrdID of the order to cancel or replace")
	fs.DurationVar(&o.linger, "linger", 2*time.Second, "How long to wait for execution reports")
	_ = cmd.MarkFlagRequired("sender")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type client struct {
	conn   net.Conn
	o      options
	seq    int
	buf    []byte
	logons chan struct{}
}

func (c *client) header() fix.Header {
	c.seq++
	return fix.Header{SenderCompID: c.o.sender, TargetCompID: c.o.target, MsgSeqNum: c.seq}
}

func (c *client) send(msg []byte) error {
	_, err := c.conn.Write(msg)
	return err
}

func run(o options) error {
	conn, err := net.Dial("tcp", o.server)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", o.server, err)
	}
	defer conn.Close()
	log.Info().Str("server", o.server).Str("sender", o.sender).Msg("connected")

	c := &client{conn: conn, o: o, logons: make(chan struct{}, 1)}
	go c.readReports()

	err = c.send(fix.NewBuilder(fix.MsgTypeLogon, c.header()).
		Set(fix.TagUsername, o.username).
		Set(fix.TagPassword, o.password).
		Build())
	if err != nil {
		return err
	}
	select {
	case <-c.logons:
	case <-time.After(5 * time.Second):
		return errors.New("no logon response")
	}

	switch strings.ToLower(o.action) {
	case "place":
		for _, q := range strings.Split(o.qty, ",") {
			if err := c.send(c.order(fix.MsgTypeNewOrder, strings.TrimSpace(q))); err != nil {
				return err
			}
			log.Info().Str("symbol", o.symbol).Str("side", o.side).Str("qty", q).Str("price", o.price).Msg("-> sent order")
		}
	case "replace":
		if o.origID == "" {
			return errors.New("--orig-id is required to replace")
		}
		if err := c.send(c.order(fix.MsgTypeCancelReplace, o.qty)); err != nil {
			return err
		}
		log.Info().Str("order", o.origID).Msg("-> sent cancel/replace")
	case "cancel":
		if o.origID == "" {
			return errors.New("--orig-id is required to cancel")
		}
		err := c.send(fix.NewBuilder(fix.MsgTypeCancel, c.header()).
			Set(fix.TagClOrdID, c.clOrdID()).
			Set(fix.TagOrigClOrdID, o.origID).
			Set(fix.TagSymbol, o.symbol).
			Build())
		if err != nil {
			return err
		}
		log.Info().Str("order", o.origID).Msg("-> sent cancel")
	default:
		return fmt.Errorf("unknown action: %s", o.action)
	}

	time.Sleep(o.linger)
	return c.send(fix.NewBuilder(fix.MsgTypeLogout, c.header()).Build())
}

func (c *client) clOrdID() string {
	if c.o.id != "" {
		return c.o.id
	}
	return uuid.NewString()
}

func (c *client) order(msgType byte, qty string) []byte {
	side := fix.SideBuy
	if strings.ToLower(c.o.side) == "sell" {
		side = fix.SideSell
	}
	ordType := fix.OrdTypeLimit
	if strings.ToLower(c.o.orderType) == "market" {
		ordType = fix.OrdTypeMarket
	}

	b := fix.NewBuilder(msgType, c.header()).
		Set(fix.TagClOrdID, c.clOrdID())
	if msgType == fix.MsgTypeCancelReplace {
		b.Set(fix.TagOrigClOrdID, c.o.origID)
	}
	b.Set(fix.TagSymbol, c.o.symbol).
		SetChar(fix.TagSide, side).
		SetChar(fix.TagOrdType, ordType).
		Set(fix.TagOrderQty, qty)
	if ordType == fix.OrdTypeLimit {
		b.Set(fix.TagPrice, c.o.price)
	}
	return b.Build()
}

// readReports prints every message the venue sends until the connection
// closes.
func (c *client) readReports() {
	buf := make([]byte, fixNet.MAX_RECV_SIZE)
	for {
		n, err := c.conn.Read(buf)
		c.buf = append(c.buf, buf[:n]...)
		for {
			frame, rest, ok := fixNet.NextFrame(c.buf)
			if !ok {
				c.buf = append([]byte(nil), rest...)
				break
			}
			c.buf = rest
			c.print(frame)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("connection lost")
			}
			return
		}
	}
}

func (c *client) print(frame []byte) {
	msg, err := fix.Parse(frame)
	if err != nil {
		log.Error().Err(err).Msg("unreadable message")
		return
	}

	switch msg.MsgType() {
	case fix.MsgTypeLogon:
		log.Info().Msg("[LOGON] accepted")
		c.logons <- struct{}{}
	case fix.MsgTypeLogout:
		log.Info().Msg("[LOGOUT]")
	case fix.MsgTypeExecReport:
		if msg.Get(fix.TagExecType) == string(fix.ExecTypeRejected) {
			log.Warn().
				Str("order", msg.Get(fix.TagClOrdID)).
				Str("reason", msg.Get(fix.TagText)).
				Msg("[REJECTED]")
			return
		}
		log.Info().
			Str("order", msg.Get(fix.TagOrderID)).
			Str("exec_type", msg.Get(fix.TagExecType)).
			Str("status", msg.Get(fix.TagOrdStatus)).
			Str("symbol", msg.Get(fix.TagSymbol)).
			Str("last_qty", msg.Get(fix.TagLastQty)).
			Str("last_px", msg.Get(fix.TagLastPx)).
			Str("leaves", msg.Get(fix.TagLeavesQty)).
			Str("cum", msg.Get(fix.TagCumQty)).
			Msg("[EXECUTION]")
	default:
		log.Info().Str("type", msg.Get(fix.TagMsgType)).Msg("unexpected message")
	}
}
