package device

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"

	"github.com/goadb/adb-engine/pkg/adbtest"
	"github.com/goadb/adb-engine/pkg/auth"
	"github.com/goadb/adb-engine/pkg/transport"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct {
	key *auth.Key
}

var _ = Suite(&TestSuite{})

const (
	waitInterval = 10 * time.Millisecond
	waitCount    = 300
)

type staticSigners []auth.Signer

func (s staticSigners) Signers() ([]auth.Signer, error) {
	return s, nil
}

func (s *TestSuite) SetUpSuite(c *C) {
	key, err := auth.GenerateKey()
	c.Assert(err, IsNil)
	s.key = key
}

func (s *TestSuite) managerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Keys = staticSigners{s.key}
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.Connection.Handshake.Timeout = 300 * time.Millisecond
	return cfg
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

func (s *TestSuite) TestConnectAndOpen(c *C) {
	d := adbtest.NewDevice("sim-1")
	defer d.Close()

	t, err := d.Dial(context.Background())
	c.Assert(err, IsNil)
	conn, err := Connect(context.Background(), t, DefaultConfig())
	c.Assert(err, IsNil)
	defer conn.Close()

	c.Assert(conn.ID, Not(Equals), "")
	c.Assert(conn.Banner().Model, Equals, "Simulator")
	c.Assert(conn.Version(), Equals, wire.VersionMin)
	c.Assert(conn.MaxPayload(), Equals, wire.MaxPayload)

	st, err := conn.Open(context.Background(), "echo:")
	c.Assert(err, IsNil)
	_, err = st.Write([]byte("hello"))
	c.Assert(err, IsNil)
	buf := make([]byte, 5)
	_, err = io.ReadFull(st, buf)
	c.Assert(err, IsNil)
	c.Assert(string(buf), Equals, "hello")
	c.Assert(conn.NumStreams(), Equals, 1)

	c.Assert(conn.Close(), IsNil)
	<-conn.Done()
	_, err = st.Read(buf)
	c.Assert(errors.Is(err, types.ErrConnectionClosed), Equals, true)
}

func (s *TestSuite) TestManagerSelection(c *C) {
	d1 := adbtest.NewDevice("sim-1")
	defer d1.Close()
	d2 := adbtest.NewDevice("sim-2")
	defer d2.Close()

	m, err := NewManager(s.managerConfig(), transport.StaticEnumerator{d1.Candidate(), d2.Candidate()})
	c.Assert(err, IsNil)
	defer m.Close()

	c.Assert(m.Refresh(context.Background()), IsNil)
	infos := m.List()
	c.Assert(infos, HasLen, 2)
	for i, info := range infos {
		c.Assert(info.State, Equals, StateDevice)
		c.Assert(info.TransportID, Equals, uint64(i+1))
		c.Assert(info.Kind, Equals, transport.KindLocal)
		c.Assert(info.ConnectionID, Not(Equals), "")
	}

	_, err = m.Find(Any())
	c.Assert(errors.Is(err, ErrMoreThanOneDevice), Equals, true)
	_, err = m.Find(USB())
	c.Assert(errors.Is(err, ErrNoDevice), Equals, true)
	_, err = m.Find(Serial("nope"))
	c.Assert(errors.Is(err, ErrDeviceNotFound), Equals, true)
	c.Assert(err.Error(), Equals, "device 'nope' not found")

	info, err := m.Find(Serial("sim-2"))
	c.Assert(err, IsNil)
	byID, err := m.Find(TransportID(info.TransportID))
	c.Assert(err, IsNil)
	c.Assert(byID.Serial, Equals, "sim-2")

	st, _, err := m.Open(context.Background(), Serial("sim-1"), "echo:")
	c.Assert(err, IsNil)
	c.Assert(st.Close(), IsNil)

	// A second refresh leaves connected devices alone.
	c.Assert(m.Refresh(context.Background()), IsNil)
	c.Assert(d1.Accepted(), Equals, 1)
	c.Assert(d2.Accepted(), Equals, 1)
}

func (s *TestSuite) TestManagerForgetsDeadDevice(c *C) {
	d := adbtest.NewDevice("sim-1")
	defer d.Close()

	m, err := NewManager(s.managerConfig(), transport.StaticEnumerator{d.Candidate()})
	c.Assert(err, IsNil)
	defer m.Close()

	c.Assert(m.Refresh(context.Background()), IsNil)
	c.Assert(m.List(), HasLen, 1)

	d.Disconnect()
	waitFor(c, func() bool { return len(m.List()) == 0 })

	c.Assert(m.Refresh(context.Background()), IsNil)
	infos := m.List()
	c.Assert(infos, HasLen, 1)
	c.Assert(infos[0].State, Equals, StateDevice)
	c.Assert(infos[0].TransportID, Equals, uint64(2))
}

func (s *TestSuite) TestManagerUnauthorized(c *C) {
	d := adbtest.NewDevice("sim-locked")
	defer d.Close()
	d.RequireAuth = true

	cfg := s.managerConfig()
	cfg.ConnectRetries = 2
	m, err := NewManager(cfg, transport.StaticEnumerator{d.Candidate()})
	c.Assert(err, IsNil)
	defer m.Close()

	c.Assert(m.Refresh(context.Background()), IsNil)
	info, err := m.Find(Any())
	c.Assert(err, IsNil)
	c.Assert(info.State, Equals, StateUnauthorized)
	c.Assert(info.Error, Not(Equals), "")
	c.Assert(len(d.OfferedKeys()) >= 1, Equals, true)

	_, _, err = m.Open(context.Background(), Any(), "echo:")
	c.Assert(errors.Is(err, ErrDeviceUnavailable), Equals, true)

	// Once the user accepts the key the next pass connects.
	d.Authorize(s.key.RSAPublicKey())
	c.Assert(m.Refresh(context.Background()), IsNil)
	info, err = m.Find(Any())
	c.Assert(err, IsNil)
	c.Assert(info.State, Equals, StateDevice)
}

// misbehavingCandidate answers CNXN with an OPEN and counts connects.
type misbehavingCandidate struct {
	connects int32
}

func (b *misbehavingCandidate) Kind() transport.Kind { return transport.KindLocal }
func (b *misbehavingCandidate) Address() string      { return "bad" }
func (b *misbehavingCandidate) Serial() string       { return "bad" }

func (b *misbehavingCandidate) Connect(ctx context.Context) (transport.Transport, error) {
	atomic.AddInt32(&b.connects, 1)
	host, dev := transport.NewPipe("bad")
	go func() {
		w := wire.NewWire(dev)
		defer w.Close()
		if _, err := w.Read(); err != nil {
			return
		}
		w.Write(&wire.Message{Command: wire.CommandOPEN, Arg0: 1, Data: []byte("shell:\x00")})
		w.Read()
	}()
	return host, nil
}

func (s *TestSuite) TestProtocolViolationNotRetried(c *C) {
	bad := &misbehavingCandidate{}
	cfg := s.managerConfig()
	cfg.ConnectRetries = 3
	m, err := NewManager(cfg, transport.StaticEnumerator{bad})
	c.Assert(err, IsNil)
	defer m.Close()

	c.Assert(m.Refresh(context.Background()), IsNil)
	info, err := m.Find(Serial("bad"))
	c.Assert(err, IsNil)
	c.Assert(info.State, Equals, StateOffline)
	c.Assert(atomic.LoadInt32(&bad.connects), Equals, int32(1))
}

func serveTCP(c *C, d *adbtest.Device) (string, func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go d.Serve(context.Background(), conn)
		}
	}()
	return l.Addr().String(), func() { l.Close() }
}

func (s *TestSuite) TestConnectDisconnectTCP(c *C) {
	d := adbtest.NewDevice("tcp-sim")
	defer d.Close()
	address, stop := serveTCP(c, d)
	defer stop()

	m, err := NewManager(s.managerConfig())
	c.Assert(err, IsNil)
	defer m.Close()

	info, added, err := m.ConnectTCP(context.Background(), address)
	c.Assert(err, IsNil)
	c.Assert(added, Equals, true)
	c.Assert(info.Serial, Equals, address)
	c.Assert(info.Kind, Equals, transport.KindTCP)
	c.Assert(info.State, Equals, StateDevice)

	_, added, err = m.ConnectTCP(context.Background(), address)
	c.Assert(err, IsNil)
	c.Assert(added, Equals, false)

	found, err := m.Find(TCP())
	c.Assert(err, IsNil)
	c.Assert(found.Serial, Equals, address)

	c.Assert(m.Disconnect(address), IsNil)
	c.Assert(m.List(), HasLen, 0)
	c.Assert(m.Refresh(context.Background()), IsNil)
	c.Assert(m.List(), HasLen, 0)

	err = m.Disconnect("10.0.0.1:5555")
	c.Assert(errors.Is(err, ErrDeviceNotFound), Equals, true)
}

func (s *TestSuite) TestConnectTCPRefused(c *C) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	address := l.Addr().String()
	l.Close()

	cfg := s.managerConfig()
	cfg.ConnectRetries = 1
	m, err := NewManager(cfg)
	c.Assert(err, IsNil)
	defer m.Close()

	_, _, err = m.ConnectTCP(context.Background(), address)
	c.Assert(errors.Is(err, types.ErrTransport), Equals, true)
	c.Assert(m.List(), HasLen, 0)
}

func (s *TestSuite) TestManagerClose(c *C) {
	d := adbtest.NewDevice("sim-1")
	defer d.Close()

	m, err := NewManager(s.managerConfig(), transport.StaticEnumerator{d.Candidate()})
	c.Assert(err, IsNil)
	c.Assert(m.Refresh(context.Background()), IsNil)
	conn, _, err := m.Connection(Any())
	c.Assert(err, IsNil)

	c.Assert(m.Close(), IsNil)
	<-conn.Done()
	c.Assert(m.Running(), Equals, false)
	c.Assert(m.List(), HasLen, 0)
	c.Assert(m.Refresh(context.Background()), IsNil)
	c.Assert(m.List(), HasLen, 0)
	_, _, err = m.ConnectTCP(context.Background(), "127.0.0.1:1")
	c.Assert(errors.Is(err, ErrManagerClosed), Equals, true)
}

func (s *TestSuite) TestRun(c *C) {
	d := adbtest.NewDevice("sim-1")
	defer d.Close()

	cfg := s.managerConfig()
	cfg.DiscoveryInterval = 20 * time.Millisecond
	m, err := NewManager(cfg, transport.StaticEnumerator{d.Candidate()})
	c.Assert(err, IsNil)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	waitFor(c, func() bool { return len(m.List()) == 1 })
	cancel()
	<-done
}

func (s *TestSuite) TestCriteria(c *C) {
	usb := Info{Serial: "abc", Kind: transport.KindUSB, TransportID: 4}
	tcp := Info{Serial: "1.2.3.4:5555", Kind: transport.KindTCP, TransportID: 5}

	c.Assert(Any().Matches(usb), Equals, true)
	c.Assert(USB().Matches(usb), Equals, true)
	c.Assert(USB().Matches(tcp), Equals, false)
	c.Assert(TCP().Matches(tcp), Equals, true)
	c.Assert(Serial("abc").Matches(usb), Equals, true)
	c.Assert(TransportID(5).Matches(tcp), Equals, true)
	c.Assert(TransportID(5).Matches(usb), Equals, false)
	c.Assert(Serial("abc").String(), Equals, "serial:abc")
	c.Assert(TransportID(7).String(), Equals, "transport-id:7")
	c.Assert(Criteria{}.String(), Equals, "any")
}
