// Package net is the FIX TCP gateway. It frames and validates inbound text
// messages, runs the logon flow, and hands order-entry messages to the
// matching engines as binary records.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"fixmatch/internal/fix"
	"fixmatch/internal/metrics"
	"fixmatch/internal/session"
	"fixmatch/internal/utils"
)

const (
	MAX_RECV_SIZE      = 4 * 1024
	defaultNWorkers    = 10
	defaultConnTimeout = 50 * time.Millisecond
	defaultWriteWait   = time.Second
	defaultMaxClients  = 1024
	defaultCompID      = "0"
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
)

// OrderSink accepts binary order records for the matching engines.
type OrderSink interface {
	Write(msg fix.BinaryMessage) error
}

// Routes tells the gateway which symbols are traded.
type Routes interface {
	HasRoute(symbol string) bool
}

// Verifier checks logon credentials.
type Verifier interface {
	Verify(ctx context.Context, username, password string, compID uint32) error
}

// Config is the gateway's settings. WriteTimeout bounds a pre-logon write
// and the flush of a closing session. SendQueue is how many outbound
// messages a session may have waiting before it is dropped as a slow
// consumer.
type Config struct {
	Address      string        `toml:"address"`
	Port         int           `toml:"port"`
	Workers      int           `toml:"workers"`
	MaxClients   int           `toml:"max_clients"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	SendQueue    int           `toml:"send_queue"`
	CompID       string        `toml:"comp_id"`
}

func NewDefaultConfig() Config {
	return Config{
		Address:      "0.0.0.0",
		Port:         9878,
		Workers:      defaultNWorkers,
		MaxClients:   defaultMaxClients,
		ReadTimeout:  defaultConnTimeout,
		WriteTimeout: defaultWriteWait,
		SendQueue:    session.DefaultQueueSize,
		CompID:       defaultCompID,
	}
}

// client is the per-connection state carried between workers.
type client struct {
	conn    net.Conn
	buf     []byte
	session *session.Session
	seq     int // outbound sequence before logon
}

func (c *client) address() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

type Server struct {
	conf     Config
	t        *tomb.Tomb
	pool     *utils.WorkerPool
	orders   OrderSink
	routes   Routes
	auth     Verifier
	sessions *session.Registry
	clients  atomic.Int64
	listener atomic.Pointer[net.Listener]
	ready    chan struct{}
}

func New(conf Config, orders OrderSink, routes Routes, auth Verifier, sessions *session.Registry) *Server {
	if conf.Workers <= 0 {
		conf.Workers = defaultNWorkers
	}
	if conf.MaxClients <= 0 {
		conf.MaxClients = defaultMaxClients
	}
	if conf.ReadTimeout <= 0 {
		conf.ReadTimeout = defaultConnTimeout
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = defaultWriteWait
	}
	if conf.SendQueue <= 0 {
		conf.SendQueue = session.DefaultQueueSize
	}
	if conf.CompID == "" {
		conf.CompID = defaultCompID
	}
	return &Server{
		conf:     conf,
		pool:     utils.NewWorkerPool(conf.Workers, conf.MaxClients),
		orders:   orders,
		routes:   routes,
		auth:     auth,
		sessions: sessions,
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listener address, nil before Ready.
func (s *Server) Addr() net.Addr {
	l := s.listener.Load()
	if l == nil {
		return nil
	}
	return (*l).Addr()
}

// Run serves until ctx is canceled. Every open connection is closed on
// the way out.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)
	s.t = t

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.conf.Address, s.conf.Port))
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	s.listener.Store(&listener)
	close(s.ready)

	// Accept blocks; closing the listener is what unblocks it.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		return nil
	})

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	t.Go(func() error {
		return s.accept(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")

	err = t.Wait()
	log.Info().Msg("server shutting down")
	for _, task := range s.pool.Drain() {
		if c, ok := task.(*client); ok {
			s.disconnect(c)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) accept(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		if s.clients.Load() >= int64(s.conf.MaxClients) {
			log.Warn().Str("address", conn.RemoteAddr().String()).Msg("client limit reached, refusing")
			_ = conn.Close()
			continue
		}
		s.clients.Add(1)

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Msg("new client added")
		// Pass over the connection to be read from.
		s.pool.AddTask(&client{conn: conn})
	}
}

// handleConnection is a short-lived worker method: it reads whatever the
// connection has within the read timeout, handles every complete message,
// then hands the connection back to the pool. Only the worker holding a
// client touches its state. Any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	c, ok := task.(*client)
	if !ok {
		return ErrImproperConversion
	}

	select {
	case <-t.Dying():
		s.disconnect(c)
		return nil
	default:
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout)); err != nil {
		log.Error().
			Str("address", c.address()).
			Err(err).
			Msg("failed setting deadline for connection")
		s.disconnect(c)
		return nil
	}

	buffer := make([]byte, MAX_RECV_SIZE)
	n, readErr := c.conn.Read(buffer)
	if n > 0 {
		frames, err := c.frames(buffer[:n])
		for _, frame := range frames {
			if !s.handleFrame(t.Context(nil), c, frame) {
				s.disconnect(c)
				return nil
			}
		}
		if err != nil {
			log.Error().Err(err).Str("address", c.address()).Msg("dropping client")
			s.disconnect(c)
			return nil
		}
	}

	if readErr != nil {
		var ne net.Error
		if !errors.As(readErr, &ne) || !ne.Timeout() {
			log.Info().
				Err(readErr).
				Str("address", c.address()).
				Msg("client disconnected")
			s.disconnect(c)
			return nil
		}
	}

	// Push the client connection back to handle the next message.
	if !s.pool.AddTask(c) {
		log.Error().Str("address", c.address()).Msg("worker queue full, dropping client")
		s.disconnect(c)
	}
	return nil
}

func (s *Server) disconnect(c *client) {
	if c.session != nil {
		c.session.Close()
		if s.sessions.Remove(c.session) {
			metrics.SessionGaugeAdd(-1)
		}
		// Give the writer a chance to flush a final logout or reject.
		select {
		case <-c.session.Done():
		case <-time.After(s.conf.WriteTimeout):
		}
		c.session = nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Str("address", c.address()).Err(err).Msg("unable to close connection")
	}
	s.clients.Add(-1)
}

// header addresses an outbound message to compID.
func (s *Server) header(compID string, seq int) fix.Header {
	return fix.Header{
		SenderCompID: s.conf.CompID,
		TargetCompID: compID,
		MsgSeqNum:    seq,
	}
}

// reply sends a message rendered by build to the client, numbering it from
// the session when there is one.
func (s *Server) reply(c *client, target string, build func(fix.Header) []byte) error {
	if c.session != nil {
		target := strconv.FormatUint(uint64(c.session.CompID), 10)
		return c.session.Send(func(seq int) []byte {
			return build(s.header(target, seq))
		})
	}
	// Before logon the worker writes itself; the deadline is cleared again
	// so it does not outlive this write.
	c.seq++
	if err := c.conn.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(build(s.header(target, c.seq)))
	if clearErr := c.conn.SetWriteDeadline(time.Time{}); err == nil {
		err = clearErr
	}
	return err
}

// startSession runs sess's writer under the gateway tomb.
func (s *Server) startSession(sess *session.Session) {
	s.t.Go(func() error {
		if err := sess.Run(s.t.Dying()); err != nil {
			log.Warn().
				Err(err).
				Uint32("comp_id", sess.CompID).
				Str("address", sess.Remote).
				Msg("session writer stopped")
			if errors.Is(err, session.ErrSlowConsumer) {
				metrics.RejectCounterInc("gateway", "slow_consumer")
			}
		}
		return nil
	})
}

// ReportExecution queues an execution report for the participant it is
// addressed to. It never waits on the participant's connection.
func (s *Server) ReportExecution(report fix.BinaryMessage) error {
	target := strconv.FormatUint(uint64(report.TargetCompID), 10)
	err := s.sessions.Send(report.TargetCompID, func(seq int) []byte {
		return fix.CreateExecutionReport(s.header(target, seq), report.ExecutionReport(newExecID()))
	})
	if errors.Is(err, session.ErrNotLoggedOn) {
		return fmt.Errorf("%w: %s", ErrClientDoesNotExist, target)
	}
	return err
}
