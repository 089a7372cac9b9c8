package mux

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"

	"github.com/goadb/adb-engine/pkg/transport"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

const (
	waitInterval = 10 * time.Millisecond
	waitCount    = 200
)

// peer scripts the device end of a connection message by message.
type peer struct {
	wire *wire.Wire
	mux  *Mux
}

func newPeer(cfg Config) *peer {
	host, dev := transport.NewPipe("pipe")
	return &peer{
		wire: wire.NewWire(dev),
		mux:  New(wire.NewWire(host), cfg),
	}
}

func (p *peer) close() {
	p.mux.Close()
	p.wire.Close()
}

func (p *peer) expect(c *C, command wire.Command) *wire.Message {
	msg, err := p.wire.Read()
	c.Assert(err, IsNil)
	c.Assert(msg.Command, Equals, command, Commentf("got %v", msg))
	return msg
}

func (p *peer) send(c *C, msg *wire.Message) {
	c.Assert(p.wire.Write(msg), IsNil)
}

// open opens a stream from the host and has the device accept it as remoteID.
func (p *peer) open(c *C, destination string, remoteID uint32) *Stream {
	type result struct {
		s   *Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := p.mux.Open(context.Background(), destination)
		done <- result{s, err}
	}()

	msg := p.expect(c, wire.CommandOPEN)
	c.Assert(msg.Arg1, Equals, uint32(0))
	c.Assert(string(msg.Data), Equals, destination+"\x00")
	p.send(c, &wire.Message{Command: wire.CommandOKAY, Arg0: remoteID, Arg1: msg.Arg0})

	r := <-done
	c.Assert(r.err, IsNil)
	c.Assert(r.s.LocalID(), Equals, msg.Arg0)
	c.Assert(r.s.RemoteID(), Equals, remoteID)
	c.Assert(r.s.State(), Equals, StateOpen)
	return r.s
}

func waitFor(c *C, cond func() bool) {
	for i := 0; i < waitCount; i++ {
		if cond() {
			return
		}
		time.Sleep(waitInterval)
	}
	c.Fatal("condition not met in time")
}

func readString(c *C, s *Stream, n int) string {
	buf := make([]byte, n)
	got, err := s.Read(buf)
	c.Assert(err, IsNil)
	return string(buf[:got])
}

func (s *TestSuite) TestStreamIsolation(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	s1 := p.open(c, "shell:a", 101)
	s2 := p.open(c, "shell:b", 102)
	c.Assert(s1.LocalID(), Not(Equals), s2.LocalID())

	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 101, Arg1: s1.LocalID(), Data: []byte("hello ")})
	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 102, Arg1: s2.LocalID(), Data: []byte("other")})

	c.Assert(readString(c, s2, 64), Equals, "other")
	ack := p.expect(c, wire.CommandOKAY)
	c.Assert(ack.Arg0, Equals, s2.LocalID())
	c.Assert(ack.Arg1, Equals, uint32(102))

	c.Assert(readString(c, s1, 64), Equals, "hello ")
	ack = p.expect(c, wire.CommandOKAY)
	c.Assert(ack.Arg0, Equals, s1.LocalID())
	c.Assert(ack.Arg1, Equals, uint32(101))

	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 101, Arg1: s1.LocalID(), Data: []byte("world")})
	c.Assert(readString(c, s1, 64), Equals, "world")
	p.expect(c, wire.CommandOKAY)
	c.Assert(p.mux.NumStreams(), Equals, 2)
}

func (s *TestSuite) TestPartialReadAcksWhenDrained(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 7)
	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 7, Arg1: st.LocalID(), Data: []byte("abcdef")})
	c.Assert(readString(c, st, 4), Equals, "abcd")
	c.Assert(readString(c, st, 4), Equals, "ef")
	ack := p.expect(c, wire.CommandOKAY)
	c.Assert(ack.Arg0, Equals, st.LocalID())
}

func (s *TestSuite) TestCreditExhaustion(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 9)

	n, err := st.Write([]byte("one"))
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 3)
	msg := p.expect(c, wire.CommandWRTE)
	c.Assert(msg.Arg0, Equals, st.LocalID())
	c.Assert(msg.Arg1, Equals, uint32(9))
	c.Assert(string(msg.Data), Equals, "one")

	done := make(chan error, 1)
	go func() {
		_, err := st.Write([]byte("two"))
		done <- err
	}()
	select {
	case err := <-done:
		c.Fatalf("write completed without credit: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	p.send(c, &wire.Message{Command: wire.CommandOKAY, Arg0: 9, Arg1: st.LocalID()})
	msg = p.expect(c, wire.CommandWRTE)
	c.Assert(string(msg.Data), Equals, "two")
	c.Assert(<-done, IsNil)
}

func (s *TestSuite) TestWriteContextCancelled(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 9)
	_, err := st.Write([]byte("one"))
	c.Assert(err, IsNil)
	p.expect(c, wire.CommandWRTE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err := st.WriteContext(ctx, []byte("two"))
	c.Assert(n, Equals, 0)
	c.Assert(errors.Is(err, context.DeadlineExceeded), Equals, true)
}

func (s *TestSuite) TestWriteChunking(c *C) {
	p := newPeer(Config{MaxPayload: 4})
	defer p.close()

	st := p.open(c, "shell:", 3)
	done := make(chan error, 1)
	go func() {
		n, err := st.Write([]byte("abcdefghij"))
		if err == nil && n != 10 {
			err = errors.Newf("short write %d", n)
		}
		done <- err
	}()

	for _, chunk := range []string{"abcd", "efgh", "ij"} {
		msg := p.expect(c, wire.CommandWRTE)
		c.Assert(string(msg.Data), Equals, chunk)
		p.send(c, &wire.Message{Command: wire.CommandOKAY, Arg0: 3, Arg1: st.LocalID()})
	}
	c.Assert(<-done, IsNil)
}

func (s *TestSuite) TestClosePreservesBufferedData(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 11)
	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 11, Arg1: st.LocalID(), Data: []byte("buffered")})
	p.send(c, &wire.Message{Command: wire.CommandCLSE, Arg0: 11, Arg1: st.LocalID()})
	waitFor(c, func() bool { return st.State() == StateRemoteClosed })

	data, err := io.ReadAll(st)
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "buffered")

	_, err = st.Write([]byte("late"))
	c.Assert(errors.Is(err, types.ErrStreamClosed), Equals, true)

	c.Assert(st.Close(), IsNil)
	msg := p.expect(c, wire.CommandCLSE)
	c.Assert(msg.Arg0, Equals, st.LocalID())
	c.Assert(msg.Arg1, Equals, uint32(11))
	c.Assert(st.State(), Equals, StateClosed)
	c.Assert(p.mux.NumStreams(), Equals, 0)
}

func (s *TestSuite) TestCloseWakesBlockedReader(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 12)
	done := make(chan []byte, 1)
	go func() {
		data, err := io.ReadAll(st)
		c.Check(err, IsNil)
		done <- data
	}()

	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 12, Arg1: st.LocalID(), Data: []byte("last words")})
	p.expect(c, wire.CommandOKAY)
	p.send(c, &wire.Message{Command: wire.CommandCLSE, Arg0: 12, Arg1: st.LocalID()})
	c.Assert(string(<-done), Equals, "last words")
}

func (s *TestSuite) TestLocalClose(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 13)
	c.Assert(st.Close(), IsNil)
	msg := p.expect(c, wire.CommandCLSE)
	c.Assert(msg.Arg0, Equals, st.LocalID())
	c.Assert(msg.Arg1, Equals, uint32(13))
	c.Assert(st.State(), Equals, StateLocalClosed)

	_, err := st.Read(make([]byte, 1))
	c.Assert(errors.Is(err, types.ErrStreamClosed), Equals, true)

	// Data already in flight is dropped.
	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 13, Arg1: st.LocalID(), Data: []byte("late")})
	p.send(c, &wire.Message{Command: wire.CommandCLSE, Arg0: 13, Arg1: st.LocalID()})
	waitFor(c, func() bool { return st.State() == StateClosed })
	c.Assert(p.mux.NumStreams(), Equals, 0)
	c.Assert(st.Close(), IsNil)
}

func (s *TestSuite) TestConnectionLossFanOut(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	reading := p.open(c, "shell:r", 21)
	writing := p.open(c, "shell:w", 22)
	idle := p.open(c, "shell:i", 23)

	_, err := writing.Write([]byte("first"))
	c.Assert(err, IsNil)
	p.expect(c, wire.CommandWRTE)

	readErr := make(chan error, 1)
	go func() {
		_, err := reading.Read(make([]byte, 16))
		readErr <- err
	}()
	writeErr := make(chan error, 1)
	go func() {
		_, err := writing.Write([]byte("second"))
		writeErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.wire.Close()

	for _, ch := range []chan error{readErr, writeErr} {
		select {
		case err := <-ch:
			c.Assert(errors.Is(err, types.ErrConnectionClosed), Equals, true, Commentf("%v", err))
		case <-time.After(2 * time.Second):
			c.Fatal("blocked operation was not released")
		}
	}

	_, err = idle.Read(make([]byte, 1))
	c.Assert(errors.Is(err, types.ErrConnectionClosed), Equals, true)
	_, err = idle.Write([]byte("x"))
	c.Assert(errors.Is(err, types.ErrConnectionClosed), Equals, true)

	<-p.mux.Done()
	c.Assert(p.mux.Err(), NotNil)
	c.Assert(p.mux.NumStreams(), Equals, 0)
	for _, st := range []*Stream{reading, writing, idle} {
		c.Assert(st.State(), Equals, StateClosed)
	}

	_, err = p.mux.Open(context.Background(), "shell:")
	c.Assert(errors.Is(err, types.ErrConnectionClosed), Equals, true)
}

func (s *TestSuite) TestStreamRefused(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	other := p.open(c, "shell:", 31)

	done := make(chan error, 1)
	go func() {
		_, err := p.mux.Open(context.Background(), "jdwp:1234")
		done <- err
	}()
	msg := p.expect(c, wire.CommandOPEN)
	p.send(c, &wire.Message{Command: wire.CommandCLSE, Arg0: 0, Arg1: msg.Arg0})

	err := <-done
	c.Assert(errors.Is(err, types.ErrStreamRefused), Equals, true)
	c.Assert(p.mux.Err(), IsNil)
	c.Assert(p.mux.NumStreams(), Equals, 1)
	c.Assert(other.State(), Equals, StateOpen)
}

func (s *TestSuite) TestOpenCancelled(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.mux.Open(ctx, "shell:")
		done <- err
	}()
	msg := p.expect(c, wire.CommandOPEN)
	cancel()
	c.Assert(errors.Is(<-done, context.Canceled), Equals, true)

	clse := p.expect(c, wire.CommandCLSE)
	c.Assert(clse.Arg0, Equals, msg.Arg0)
}

func (s *TestSuite) TestOpenCancelledThenAccepted(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.mux.Open(ctx, "shell:slow")
		done <- err
	}()
	msg := p.expect(c, wire.CommandOPEN)
	cancel()
	c.Assert(errors.Is(<-done, context.Canceled), Equals, true)

	clse := p.expect(c, wire.CommandCLSE)
	c.Assert(clse.Arg0, Equals, msg.Arg0)
	c.Assert(clse.Arg1, Equals, uint32(0))

	p.send(c, &wire.Message{Command: wire.CommandOKAY, Arg0: 77, Arg1: msg.Arg0})
	clse = p.expect(c, wire.CommandCLSE)
	c.Assert(clse.Arg0, Equals, msg.Arg0)
	c.Assert(clse.Arg1, Equals, uint32(77))
	c.Assert(p.mux.NumStreams(), Equals, 0)

	// A late OKAY for the released id is ignored.
	p.send(c, &wire.Message{Command: wire.CommandOKAY, Arg0: 77, Arg1: msg.Arg0})
	st := p.open(c, "shell:", 78)
	c.Assert(st.State(), Equals, StateOpen)
	c.Assert(p.mux.Err(), IsNil)
}

func (s *TestSuite) TestUnknownStreamIgnored(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 5, Arg1: 999, Data: []byte("x")})
	p.send(c, &wire.Message{Command: wire.CommandOKAY, Arg0: 5, Arg1: 998})
	p.send(c, &wire.Message{Command: wire.CommandCLSE, Arg0: 5, Arg1: 997})

	st := p.open(c, "shell:", 41)
	c.Assert(st.State(), Equals, StateOpen)
	c.Assert(p.mux.Err(), IsNil)
}

func (s *TestSuite) TestUnknownCommandIsFatal(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 51)
	p.send(c, &wire.Message{Command: wire.Command(0x434e5953)})

	<-p.mux.Done()
	c.Assert(errors.Is(p.mux.Err(), types.ErrProtocolViolation), Equals, true)
	c.Assert(errors.Is(p.mux.Err(), types.ErrConnectionClosed), Equals, true)
	_, err := st.Read(make([]byte, 1))
	c.Assert(errors.Is(err, types.ErrProtocolViolation), Equals, true)
}

func (s *TestSuite) TestConnectAfterHandshakeIsFatal(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	p.send(c, &wire.Message{Command: wire.CommandCNXN, Arg0: wire.VersionMin, Arg1: 4096, Data: []byte("device::\x00")})
	<-p.mux.Done()
	c.Assert(errors.Is(p.mux.Err(), types.ErrProtocolViolation), Equals, true)
}

func (s *TestSuite) TestIncomingRefusedWithoutBacklog(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	p.send(c, &wire.Message{Command: wire.CommandOPEN, Arg0: 55, Data: []byte("tcp:8080\x00")})
	msg := p.expect(c, wire.CommandCLSE)
	c.Assert(msg.Arg0, Equals, uint32(0))
	c.Assert(msg.Arg1, Equals, uint32(55))

	_, err := p.mux.Accept(context.Background())
	c.Assert(errors.Is(err, ErrNotAccepting), Equals, true)
}

func (s *TestSuite) TestIncomingAccepted(c *C) {
	p := newPeer(Config{MaxPayload: 4096, Backlog: 1})
	defer p.close()

	p.send(c, &wire.Message{Command: wire.CommandOPEN, Arg0: 55, Data: []byte("tcp:8080\x00")})
	okay := p.expect(c, wire.CommandOKAY)
	c.Assert(okay.Arg1, Equals, uint32(55))

	st, err := p.mux.Accept(context.Background())
	c.Assert(err, IsNil)
	c.Assert(st.Destination(), Equals, "tcp:8080")
	c.Assert(st.LocalID(), Equals, okay.Arg0)
	c.Assert(st.RemoteID(), Equals, uint32(55))

	_, err = st.Write([]byte("hi"))
	c.Assert(err, IsNil)
	msg := p.expect(c, wire.CommandWRTE)
	c.Assert(msg.Arg1, Equals, uint32(55))
	c.Assert(string(msg.Data), Equals, "hi")

	// The backlog is full until Accept is called again.
	p.send(c, &wire.Message{Command: wire.CommandOPEN, Arg0: 56, Data: []byte("tcp:1\x00")})
	p.expect(c, wire.CommandOKAY)
	p.send(c, &wire.Message{Command: wire.CommandOPEN, Arg0: 57, Data: []byte("tcp:2\x00")})
	refused := p.expect(c, wire.CommandCLSE)
	c.Assert(refused.Arg1, Equals, uint32(57))
}

func (s *TestSuite) TestEmptyWriteAcknowledged(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 61)
	p.send(c, &wire.Message{Command: wire.CommandWRTE, Arg0: 61, Arg1: st.LocalID()})
	ack := p.expect(c, wire.CommandOKAY)
	c.Assert(ack.Arg0, Equals, st.LocalID())
}

func (s *TestSuite) TestReadContextCancelled(c *C) {
	p := newPeer(Config{MaxPayload: 4096})
	defer p.close()

	st := p.open(c, "shell:", 71)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := st.ReadContext(ctx, make([]byte, 1))
	c.Assert(errors.Is(err, context.DeadlineExceeded), Equals, true)
	c.Assert(st.State(), Equals, StateOpen)
}

func (s *TestSuite) TestDestinationTooLong(c *C) {
	p := newPeer(Config{MaxPayload: 8})
	defer p.close()

	_, err := p.mux.Open(context.Background(), "shell:echo hello")
	c.Assert(err, NotNil)
	c.Assert(p.mux.NumStreams(), Equals, 0)
}

func (s *TestSuite) TestIncomingFiltered(c *C) {
	p := newPeer(Config{
		MaxPayload: 4096,
		Backlog:    4,
		Filter:     func(destination string) bool { return destination == "tcp:8080" },
	})
	defer p.close()

	p.send(c, &wire.Message{Command: wire.CommandOPEN, Arg0: 81, Data: []byte("jdwp:1\x00")})
	refused := p.expect(c, wire.CommandCLSE)
	c.Assert(refused.Arg1, Equals, uint32(81))

	p.send(c, &wire.Message{Command: wire.CommandOPEN, Arg0: 82, Data: []byte("tcp:8080\x00")})
	okay := p.expect(c, wire.CommandOKAY)
	c.Assert(okay.Arg1, Equals, uint32(82))
	st, err := p.mux.Accept(context.Background())
	c.Assert(err, IsNil)
	c.Assert(st.RemoteID(), Equals, uint32(82))
}
