// Package session tracks logged-on participants and authenticates them.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrAlreadyLoggedOn = errors.New("comp id already logged on")
	ErrNotLoggedOn     = errors.New("comp id not logged on")
	ErrSessionClosed   = errors.New("session closed")
	ErrSlowConsumer    = errors.New("outbound queue full")
)

// DefaultQueueSize is the outbound queue length used when New is given none.
const DefaultQueueSize = 1024

// Session is one logged-on participant. Outbound messages are numbered and
// queued by Send and written by Run, so a peer that stops reading never
// stalls the sender.
type Session struct {
	CompID   uint32
	Username string
	Remote   string

	w    io.Writer
	out  chan []byte
	done chan struct{}

	mu       sync.Mutex
	outSeq   int
	inSeq    int
	lastSeen time.Time
	closed   bool
	err      error
}

// New returns a session whose messages Run writes to w. At most queue
// messages may wait to be written.
func New(compID uint32, username, remote string, w io.Writer, queue int) *Session {
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &Session{
		CompID:   compID,
		Username: username,
		Remote:   remote,
		w:        w,
		out:      make(chan []byte, queue),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
}

// Send assigns the next outbound MsgSeqNum, renders the message with it and
// queues it. It never blocks: when the queue is full the session is aborted
// with ErrSlowConsumer and w is closed if it is an io.Closer.
func (s *Session) Send(render func(seq int) []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.outSeq++
	select {
	case s.out <- render(s.outSeq):
		return nil
	default:
	}
	s.abort(ErrSlowConsumer)
	return fmt.Errorf("session %d: %w", s.CompID, ErrSlowConsumer)
}

// abort closes the session without flushing. s.mu must be held.
func (s *Session) abort(err error) {
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	if s.err == nil {
		s.err = err
	}
	if c, ok := s.w.(io.Closer); ok {
		_ = c.Close()
	}
}

// Run writes queued messages until the session is closed and its queue
// flushed, a write fails, or stop is closed. Done is closed when it returns.
func (s *Session) Run(stop <-chan struct{}) error {
	defer close(s.done)
	for {
		select {
		case msg, ok := <-s.out:
			if !ok {
				return s.Err()
			}
			if err := s.Err(); err != nil {
				return err
			}
			if _, err := s.w.Write(msg); err != nil {
				s.mu.Lock()
				s.abort(err)
				s.mu.Unlock()
				return fmt.Errorf("session %d: %w", s.CompID, err)
			}
		case <-stop:
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is why the session was aborted, nil after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Touch records inbound activity.
func (s *Session) Touch(seq int) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	if seq > s.inSeq {
		s.inSeq = seq
	}
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// OutSeq is the last outbound MsgSeqNum used.
func (s *Session) OutSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outSeq
}

// InSeq is the highest inbound MsgSeqNum seen.
func (s *Session) InSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSeq
}

// Close stops further sends. Run still writes what was already queued.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()
}

// Registry maps SenderCompID to the live session for it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session)}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.CompID]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyLoggedOn, s.CompID)
	}
	r.sessions[s.CompID] = s
	return nil
}

// Remove drops s if it is still the registered session for its comp id.
// It reports whether anything was removed.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.CompID]; ok && cur == s {
		delete(r.sessions, s.CompID)
		return true
	}
	return false
}

func (r *Registry) Get(compID uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[compID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send queues a message on the session registered for compID.
func (r *Registry) Send(compID uint32, render func(seq int) []byte) error {
	s, ok := r.Get(compID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotLoggedOn, compID)
	}
	return s.Send(render)
}
