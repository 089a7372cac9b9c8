package mux

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

type State string

const (
	StateOpening      = State("opening")
	StateOpen         = State("open")
	StateLocalClosed  = State("local-closed")
	StateRemoteClosed = State("remote-closed")
	StateClosed       = State("closed")
)

// Stream is one logical, flow controlled byte channel of a connection.
// The peer grants one write at a time with OKAY; a Write that finds no
// credit waits for it.
type Stream struct {
	mux         *Mux
	localID     uint32
	destination string

	lock     sync.Mutex
	remoteID uint32
	state    State
	credit   bool
	inbound  bytes.Buffer
	unacked  bool
	err      error
	// changed is closed and replaced on every state change, waking all
	// blocked readers and writers at once.
	changed chan struct{}
}

func newStream(m *Mux, localID uint32, destination string, state State, remoteID uint32) *Stream {
	return &Stream{
		mux:         m,
		localID:     localID,
		destination: destination,
		remoteID:    remoteID,
		state:       state,
		// A stream accepted from the peer may send right away.
		credit:  state == StateOpen,
		changed: make(chan struct{}),
	}
}

func (s *Stream) LocalID() uint32 {
	return s.localID
}

func (s *Stream) RemoteID() uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.remoteID
}

func (s *Stream) Destination() string {
	return s.destination
}

func (s *Stream) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Err returns the error the stream was terminated with, if any.
func (s *Stream) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

func (s *Stream) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// ReadContext returns buffered inbound data, waiting for some when none is
// buffered. After the peer closes, the remaining data is returned before
// io.EOF.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.lock.Lock()
		if s.inbound.Len() > 0 {
			n, _ := s.inbound.Read(p)
			var ack *wire.Message
			if s.inbound.Len() == 0 && s.unacked {
				s.unacked = false
				if s.state == StateOpen {
					ack = &wire.Message{Command: wire.CommandOKAY, Arg0: s.localID, Arg1: s.remoteID}
				}
			}
			s.lock.Unlock()

			if ack != nil {
				if err := s.mux.enqueue(ack); err != nil {
					logrus.WithError(err).Debugf("Failed to acknowledge stream %d", s.localID)
				}
			}
			return n, nil
		}

		switch s.state {
		case StateRemoteClosed:
			s.lock.Unlock()
			return 0, io.EOF
		case StateLocalClosed:
			s.lock.Unlock()
			return 0, types.ErrStreamClosed
		case StateClosed:
			err := s.closedErr()
			s.lock.Unlock()
			return 0, err
		}

		wait := s.changed
		s.lock.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// WriteContext sends p as one or more WRTE messages of at most the
// negotiated max payload, each waiting for its own credit.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if uint32(len(chunk)) > s.mux.maxPayload {
			chunk = chunk[:s.mux.maxPayload]
		}

		remoteID, err := s.acquireCredit(ctx)
		if err != nil {
			return written, err
		}
		if err := s.mux.enqueue(&wire.Message{
			Command: wire.CommandWRTE,
			Arg0:    s.localID,
			Arg1:    remoteID,
			Data:    append([]byte(nil), chunk...),
		}); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *Stream) acquireCredit(ctx context.Context) (uint32, error) {
	for {
		s.lock.Lock()
		switch s.state {
		case StateOpen:
			if s.credit {
				s.credit = false
				remoteID := s.remoteID
				s.lock.Unlock()
				return remoteID, nil
			}
		case StateOpening:
		case StateRemoteClosed:
			s.lock.Unlock()
			return 0, errors.Wrapf(types.ErrStreamClosed, "%q closed by peer", s.destination)
		default:
			err := s.closedErr()
			s.lock.Unlock()
			return 0, err
		}

		wait := s.changed
		s.lock.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close sends CLSE to the peer. Data still buffered is discarded.
func (s *Stream) Close() error {
	s.lock.Lock()
	remove := false
	switch s.state {
	case StateOpening, StateOpen:
		s.state = StateLocalClosed
	case StateRemoteClosed:
		s.state = StateClosed
		remove = true
	default:
		s.lock.Unlock()
		return nil
	}
	msg := &wire.Message{Command: wire.CommandCLSE, Arg0: s.localID, Arg1: s.remoteID}
	s.inbound.Reset()
	s.unacked = false
	s.notify()
	s.lock.Unlock()

	if remove {
		s.mux.remove(s.localID)
	}
	logrus.Debugf("Closing stream %d to %q", s.localID, s.destination)
	if err := s.mux.enqueue(msg); err != nil {
		logrus.WithError(err).Debugf("Stream %d closed after its connection", s.localID)
	}
	return nil
}

func (s *Stream) waitOpen(ctx context.Context) error {
	for {
		s.lock.Lock()
		switch s.state {
		case StateOpening:
		case StateClosed:
			err := s.closedErr()
			s.lock.Unlock()
			return err
		default:
			s.lock.Unlock()
			return nil
		}
		wait := s.changed
		s.lock.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closedErr must be called with the lock held.
func (s *Stream) closedErr() error {
	if s.err != nil {
		return s.err
	}
	return types.ErrStreamClosed
}

// handleOkay applies an OKAY from the peer. When the stream was closed
// before the peer accepted it, the returned CLSE names the peer's stream
// and the stream must leave the stream table.
func (s *Stream) handleOkay(remoteID uint32) *wire.Message {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch s.state {
	case StateOpening:
		s.remoteID = remoteID
		s.state = StateOpen
		s.credit = true
		s.notify()
	case StateOpen:
		if remoteID != s.remoteID {
			logrus.Debugf("Ignoring OKAY for stream %d from remote %d, expected %d", s.localID, remoteID, s.remoteID)
			return nil
		}
		s.credit = true
		s.notify()
	case StateLocalClosed:
		if s.remoteID != 0 {
			return nil
		}
		s.remoteID = remoteID
		s.state = StateClosed
		s.notify()
		logrus.Debugf("Stream %d to %q accepted by remote %d after close", s.localID, s.destination, remoteID)
		return &wire.Message{Command: wire.CommandCLSE, Arg0: s.localID, Arg1: remoteID}
	}
	return nil
}

// handleWrite buffers an inbound payload. It returns an OKAY to send right
// away when there is nothing for a reader to consume.
func (s *Stream) handleWrite(remoteID uint32, data []byte) *wire.Message {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateOpen || remoteID != s.remoteID {
		return nil
	}
	if len(data) == 0 && s.inbound.Len() == 0 {
		return &wire.Message{Command: wire.CommandOKAY, Arg0: s.localID, Arg1: s.remoteID}
	}
	s.inbound.Write(data)
	s.unacked = true
	s.notify()
	return nil
}

// handleClose applies a CLSE from the peer and reports whether the stream
// is finished and must leave the stream table.
func (s *Stream) handleClose(remoteID uint32) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != StateOpening && remoteID != 0 && remoteID != s.remoteID {
		return false
	}
	switch s.state {
	case StateOpening:
		s.state = StateClosed
		s.err = types.NewStreamRefused(s.destination)
		s.notify()
		return true
	case StateOpen:
		s.state = StateRemoteClosed
		s.notify()
		return false
	case StateLocalClosed:
		s.state = StateClosed
		s.notify()
		return true
	}
	return false
}

// abort releases the stream because its connection died.
func (s *Stream) abort(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.err == nil {
		s.err = err
	}
	s.inbound.Reset()
	s.notify()
}
