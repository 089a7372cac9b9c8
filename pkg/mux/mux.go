package mux

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

const (
	sendQueueSize = 1024
)

var (
	ErrNotAccepting = errors.New("connection does not accept incoming streams")
)

type Config struct {
	// Name identifies the connection in logs.
	Name       string
	MaxPayload uint32
	// Backlog > 0 accepts streams opened by the peer and queues up to
	// Backlog of them for Accept. Otherwise peer OPENs are refused.
	Backlog int
	// Filter, when set, refuses peer OPENs whose destination it rejects.
	Filter func(destination string) bool
}

// Mux runs many logical streams over one authenticated wire. A single
// goroutine reads and dispatches inbound messages, a single goroutine
// writes every outbound message.
type Mux struct {
	name       string
	wire       *wire.Wire
	maxPayload uint32

	lock    sync.Mutex
	streams map[uint32]*Stream
	lastID  uint32
	closed  bool
	err     error

	send     chan *wire.Message
	incoming chan *Stream
	filter   func(destination string) bool
	done     chan struct{}
	errOnce  sync.Once
}

func New(w *wire.Wire, cfg Config) *Mux {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = w.MaxPayload()
	}
	m := &Mux{
		name:       cfg.Name,
		wire:       w,
		maxPayload: cfg.MaxPayload,
		streams:    map[uint32]*Stream{},
		send:       make(chan *wire.Message, sendQueueSize),
		done:       make(chan struct{}),
		filter:     cfg.Filter,
	}
	if cfg.Backlog > 0 {
		m.incoming = make(chan *Stream, cfg.Backlog)
	}
	go m.write()
	go m.read()
	return m
}

func (m *Mux) Name() string {
	return m.name
}

func (m *Mux) MaxPayload() uint32 {
	return m.maxPayload
}

// Open asks the peer for a stream to destination and waits for the answer.
func (m *Mux) Open(ctx context.Context, destination string) (*Stream, error) {
	payload := []byte(destination + "\x00")
	if uint32(len(payload)) > m.maxPayload {
		return nil, errors.Newf("destination of %d bytes exceeds max payload %d", len(payload), m.maxPayload)
	}

	s, err := m.newStream(destination, StateOpening, 0)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Opening stream %d to %q on %v", s.localID, destination, m.name)

	if err := m.enqueue(&wire.Message{Command: wire.CommandOPEN, Arg0: s.localID, Data: payload}); err != nil {
		m.remove(s.localID)
		return nil, err
	}
	if err := s.waitOpen(ctx); err != nil {
		if ctx.Err() != nil {
			s.Close()
		}
		return nil, err
	}
	return s, nil
}

// Accept returns the next stream opened by the peer.
func (m *Mux) Accept(ctx context.Context) (*Stream, error) {
	if m.incoming == nil {
		return nil, ErrNotAccepting
	}
	select {
	case s := <-m.incoming:
		return s, nil
	case <-m.done:
		return nil, m.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every stream and the underlying transport.
func (m *Mux) Close() error {
	m.SetError(types.ErrConnectionClosed)
	return nil
}

// SetError closes the connection because of err. Every open stream is
// released with an error wrapping err.
func (m *Mux) SetError(err error) {
	m.errOnce.Do(func() {
		m.lock.Lock()
		m.err = types.NewConnectionClosed(err)
		m.closed = true
		streams := m.streams
		m.streams = map[uint32]*Stream{}
		close(m.done)
		m.lock.Unlock()

		if err := m.wire.Close(); err != nil {
			logrus.WithError(err).Debugf("Error closing wire of %v", m.name)
		}
		for _, s := range streams {
			s.abort(m.err)
		}
		logrus.Debugf("Connection %v closed with %d open streams: %v", m.name, len(streams), err)
	})
}

func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns why the connection closed, or nil while it is running.
func (m *Mux) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.err
}

func (m *Mux) NumStreams() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.streams)
}

func (m *Mux) newStream(destination string, state State, remoteID uint32) (*Stream, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return nil, m.err
	}
	if m.lastID == math.MaxUint32 {
		return nil, errors.New("stream ids exhausted")
	}
	m.lastID++
	s := newStream(m, m.lastID, destination, state, remoteID)
	m.streams[s.localID] = s
	return s, nil
}

func (m *Mux) lookup(localID uint32) *Stream {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.streams[localID]
}

func (m *Mux) remove(localID uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.streams, localID)
}

func (m *Mux) closedErr() error {
	if err := m.Err(); err != nil {
		return err
	}
	return types.ErrConnectionClosed
}

// enqueue hands msg to the writer goroutine.
func (m *Mux) enqueue(msg *wire.Message) error {
	select {
	case <-m.done:
		return m.closedErr()
	default:
	}
	select {
	case m.send <- msg:
		return nil
	case <-m.done:
		return m.closedErr()
	}
}

func (m *Mux) write() {
	for {
		select {
		case msg := <-m.send:
			if err := m.wire.Write(msg); err != nil {
				logrus.Errorf("Error writing to device %v: %v", m.name, err)
				m.SetError(err)
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Mux) read() {
	for {
		msg, err := m.wire.Read()
		if err != nil {
			select {
			case <-m.done:
			default:
				logrus.Errorf("Error reading from device %v: %v", m.name, err)
			}
			m.SetError(err)
			return
		}
		if err := m.dispatch(msg); err != nil {
			logrus.WithError(err).Errorf("Closing connection to device %v", m.name)
			m.SetError(err)
			return
		}
	}
}

func (m *Mux) dispatch(msg *wire.Message) error {
	switch msg.Command {
	case wire.CommandOPEN:
		return m.handleOpen(msg)
	case wire.CommandOKAY:
		if s := m.lookup(msg.Arg1); s != nil {
			if clse := s.handleOkay(msg.Arg0); clse != nil {
				m.remove(s.localID)
				return m.enqueue(clse)
			}
		}
	case wire.CommandWRTE:
		if s := m.lookup(msg.Arg1); s != nil {
			if ack := s.handleWrite(msg.Arg0, msg.Data); ack != nil {
				return m.enqueue(ack)
			}
		}
	case wire.CommandCLSE:
		if s := m.lookup(msg.Arg1); s != nil {
			if s.handleClose(msg.Arg0) {
				m.remove(s.localID)
			}
		}
	case wire.CommandCNXN, wire.CommandAUTH:
		return types.NewProtocolViolation("unexpected %v after handshake", msg.Command)
	default:
		return types.NewProtocolViolation("unknown command %v", msg.Command)
	}
	return nil
}

func (m *Mux) handleOpen(msg *wire.Message) error {
	remoteID := msg.Arg0
	if remoteID == 0 {
		return types.NewProtocolViolation("OPEN with stream id 0")
	}
	destination := strings.TrimRight(string(msg.Data), "\x00")

	// Only this goroutine adds to incoming, so the capacity check holds
	// until the send below.
	if m.incoming == nil || len(m.incoming) == cap(m.incoming) ||
		(m.filter != nil && !m.filter(destination)) {
		logrus.Debugf("Refusing stream %d to %q from %v", remoteID, destination, m.name)
		return m.enqueue(&wire.Message{Command: wire.CommandCLSE, Arg0: 0, Arg1: remoteID})
	}

	s, err := m.newStream(destination, StateOpen, remoteID)
	if err != nil {
		return err
	}
	if err := m.enqueue(&wire.Message{Command: wire.CommandOKAY, Arg0: s.localID, Arg1: remoteID}); err != nil {
		return err
	}
	m.incoming <- s
	return nil
}
