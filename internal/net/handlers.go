package net

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fixmatch/internal/common"
	"fixmatch/internal/fix"
	"fixmatch/internal/metrics"
	"fixmatch/internal/ring"
	"fixmatch/internal/session"
)

// Reject reasons, keyed by the metric label they are counted under.
var reasons = map[string]string{
	"not_logged_on":  "not logged on",
	"comp_id":        "comp id does not match session",
	"unknown_symbol": "unknown symbol",
	"busy":           "system busy",
	"unsupported":    "unsupported message type",
	"duplicate":      "already logged on",
}

func newExecID() string { return uuid.NewString() }

// handleFrame processes one inbound message. It returns false when the
// connection should be dropped.
func (s *Server) handleFrame(ctx context.Context, c *client, frame []byte) bool {
	msg, err := fix.Parse(frame)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("address", c.address()).Msg("error parsing message")
		metrics.RejectCounterInc("gateway", "malformed")
		// Without a parsed header there is nobody to address a reject to.
		return c.session != nil
	}

	if c.session != nil {
		seq, _ := strconv.Atoi(msg.Get(fix.TagMsgSeqNum))
		c.session.Touch(seq)
	}

	switch msgType := msg.MsgType(); msgType {
	case fix.MsgTypeLogon:
		return s.logon(ctx, c, msg)
	case fix.MsgTypeLogout:
		s.logout(c, msg)
		return false
	case fix.MsgTypeNewOrder, fix.MsgTypeCancel, fix.MsgTypeCancelReplace:
		s.order(c, msg)
		return true
	default:
		s.reject(c, msg, "unsupported")
		return true
	}
}

func (s *Server) logon(ctx context.Context, c *client, msg *fix.Message) bool {
	target := msg.Get(fix.TagSenderCompID)
	logger := log.With().Str("address", c.address()).Str("sender", target).Logger()

	if c.session != nil {
		logger.Warn().Msg("duplicate logon on session")
		s.reject(c, msg, "duplicate")
		return true
	}

	compID, err := strconv.ParseUint(target, 10, 32)
	if err != nil {
		logger.Warn().Msg("logon with non-numeric sender comp id")
		metrics.RejectCounterInc("logon", "comp_id")
		s.refuse(c, target)
		return false
	}

	username := msg.Get(fix.TagUsername)
	if err := s.auth.Verify(ctx, username, msg.Get(fix.TagPassword), uint32(compID)); err != nil {
		logger.Warn().Err(err).Str("username", username).Msg("logon refused")
		metrics.RejectCounterInc("logon", "credentials")
		s.refuse(c, target)
		return false
	}

	sess := session.New(uint32(compID), username, c.address(), c.conn, s.conf.SendQueue)
	if err := s.sessions.Add(sess); err != nil {
		logger.Warn().Err(err).Msg("logon refused")
		metrics.RejectCounterInc("logon", "duplicate")
		s.refuse(c, target)
		return false
	}
	c.session = sess
	s.startSession(sess)
	metrics.SessionGaugeAdd(1)

	seq, _ := strconv.Atoi(msg.Get(fix.TagMsgSeqNum))
	sess.Touch(seq)

	if err := s.reply(c, target, fix.CreateLogonResponse); err != nil {
		logger.Error().Err(err).Msg("unable to send logon response")
		return false
	}
	logger.Info().Str("username", username).Msg("logged on")
	return true
}

// refuse answers a failed logon with a logout.
func (s *Server) refuse(c *client, target string) {
	if err := s.reply(c, target, fix.CreateLogoutResponse); err != nil {
		log.Error().Err(err).Str("address", c.address()).Msg("unable to send logout")
	}
}

func (s *Server) logout(c *client, msg *fix.Message) {
	if err := s.reply(c, msg.Get(fix.TagSenderCompID), fix.CreateLogoutResponse); err != nil {
		log.Error().Err(err).Str("address", c.address()).Msg("unable to send logout")
	}
	log.Info().Str("address", c.address()).Str("sender", msg.Get(fix.TagSenderCompID)).Msg("logged out")
}

// order validates an order-entry message and hands it to the engines.
func (s *Server) order(c *client, msg *fix.Message) {
	if c.session == nil {
		s.reject(c, msg, "not_logged_on")
		return
	}

	bin, err := fix.OrderFromMessage(msg)
	if err != nil {
		metrics.OrderCounterInc("gateway", msg.MsgType(), false)
		s.rejectWith(c, msg, "invalid_order", err.Error())
		return
	}
	if bin.SenderCompID != c.session.CompID {
		s.reject(c, msg, "comp_id")
		return
	}
	if !s.routes.HasRoute(bin.SymbolString()) {
		s.reject(c, msg, "unknown_symbol")
		return
	}

	if err := s.orders.Write(bin); err != nil {
		if errors.Is(err, ring.ErrWouldOverwrite) {
			metrics.RingBackpressureInc("orders")
		}
		log.Warn().Err(err).Str("order", bin.OrderID()).Msg("unable to queue order")
		s.reject(c, msg, "busy")
		return
	}
	metrics.OrderCounterInc("gateway", bin.MsgType, true)
}

func (s *Server) reject(c *client, msg *fix.Message, label string) {
	s.rejectWith(c, msg, label, reasons[label])
}

// rejectWith answers msg with a rejected execution report carrying reason,
// counted under label.
func (s *Server) rejectWith(c *client, msg *fix.Message, label, reason string) {
	metrics.RejectCounterInc("gateway", label)

	id := msg.Get(fix.TagClOrdID)
	if orig, ok := msg.Field(fix.TagOrigClOrdID); ok && msg.MsgType() != fix.MsgTypeNewOrder {
		id = orig
	}
	symbol := msg.Get(fix.TagSymbol)
	err := s.reply(c, msg.Get(fix.TagSenderCompID), func(h fix.Header) []byte {
		return fix.CreateReject(h, id, symbol, reason)
	})
	if err != nil {
		log.Error().Err(err).Str("address", c.address()).Msg("unable to send reject")
	}
}

// ReportTrade is a no-op: participants learn of fills through execution
// reports.
func (s *Server) ReportTrade(common.Trade) error { return nil }
