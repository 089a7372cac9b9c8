package transport

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"

	"github.com/goadb/adb-engine/pkg/types"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) TestPipeDisconnect(c *C) {
	host, device := NewPipe("pipe")
	c.Assert(host.Kind(), Equals, KindLocal)
	c.Assert(host.Address(), Equals, "pipe")

	go func() {
		device.Write([]byte("ab"))
		device.Close()
	}()

	buf := make([]byte, 4)
	n, err := io.ReadAtLeast(host, buf, 2)
	c.Assert(err, IsNil)
	c.Assert(string(buf[:n]), Equals, "ab")

	_, err = host.Read(buf)
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrDisconnected), Equals, true)
	c.Assert(errors.Is(err, types.ErrTransport), Equals, true)
	c.Assert(IsDisconnect(err), Equals, true)

	_, err = host.Write([]byte("x"))
	c.Assert(errors.Is(err, ErrDisconnected), Equals, true)
}

func (s *TestSuite) TestDialTCPRefused(c *C) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	address := l.Addr().String()
	l.Close()

	_, err = DialTCP(context.Background(), address)
	c.Assert(err, NotNil)
	c.Assert(errors.Is(err, ErrNotFound), Equals, true)
	c.Assert(errors.Is(err, types.ErrTransport), Equals, true)
}

func (s *TestSuite) TestDialTCP(c *C) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("CNXN"))
		conn.Close()
	}()

	t, err := DialTCP(context.Background(), l.Addr().String())
	c.Assert(err, IsNil)
	defer t.Close()
	c.Assert(t.Kind(), Equals, KindTCP)

	buf := make([]byte, 4)
	_, err = io.ReadFull(t, buf)
	c.Assert(err, IsNil)
	c.Assert(string(buf), Equals, "CNXN")
}

func (s *TestSuite) TestNormalizeTCPAddress(c *C) {
	for input, expected := range map[string]string{
		"192.168.1.2":      "192.168.1.2:5555",
		"192.168.1.2:5556": "192.168.1.2:5556",
		"localhost":        "localhost:5555",
		"::1":              "[::1]:5555",
		"[::1]":            "[::1]:5555",
		"[::1]:7000":       "[::1]:7000",
	} {
		address, err := NormalizeTCPAddress(input)
		c.Assert(err, IsNil, Commentf("input %v", input))
		c.Assert(address, Equals, expected)
	}

	for _, input := range []string{"", "5555", ":5555", "host:0", "host:70000", "host:abc"} {
		_, err := NormalizeTCPAddress(input)
		c.Assert(err, NotNil, Commentf("input %v", input))
	}
}

func (s *TestSuite) TestTCPEnumerator(c *C) {
	e, err := NewTCPEnumerator("10.0.0.2", "10.0.0.1:5557")
	c.Assert(err, IsNil)

	address, err := e.Add("10.0.0.3")
	c.Assert(err, IsNil)
	c.Assert(address, Equals, "10.0.0.3:5555")

	candidates, err := e.Enumerate(context.Background())
	c.Assert(err, IsNil)
	c.Assert(len(candidates), Equals, 3)
	c.Assert(candidates[0].Address(), Equals, "10.0.0.1:5557")
	c.Assert(candidates[0].Serial(), Equals, "10.0.0.1:5557")
	c.Assert(candidates[0].Kind(), Equals, KindTCP)

	c.Assert(e.Remove("10.0.0.2"), Equals, true)
	c.Assert(e.Remove("10.0.0.2"), Equals, false)
	candidates, err = e.Enumerate(context.Background())
	c.Assert(err, IsNil)
	c.Assert(len(candidates), Equals, 2)

	_, err = NewTCPEnumerator("")
	c.Assert(err, NotNil)
}

type fakeUSBInterface struct {
	path   string
	serial string
	conn   io.ReadWriteCloser
	err    error
}

func (f *fakeUSBInterface) Path() string   { return f.path }
func (f *fakeUSBInterface) Serial() string { return f.serial }
func (f *fakeUSBInterface) Open() (io.ReadWriteCloser, error) {
	return f.conn, f.err
}

type fakeUSBBackend []USBInterface

func (f fakeUSBBackend) List(ctx context.Context) ([]USBInterface, error) {
	return f, nil
}

func (s *TestSuite) TestUSBEnumerator(c *C) {
	host, _ := net.Pipe()
	e := NewUSBEnumerator(fakeUSBBackend{
		&fakeUSBInterface{path: "usb:1-1", serial: "R58M123", conn: host},
		&fakeUSBInterface{path: "usb:1-2", err: errors.Wrap(errors.New("open failed"), "libusb")},
	})

	candidates, err := e.Enumerate(context.Background())
	c.Assert(err, IsNil)
	c.Assert(len(candidates), Equals, 2)
	c.Assert(candidates[0].Serial(), Equals, "R58M123")
	c.Assert(candidates[1].Serial(), Equals, "usb:1-2")

	t, err := candidates[0].Connect(context.Background())
	c.Assert(err, IsNil)
	c.Assert(t.Kind(), Equals, KindUSB)
	c.Assert(t.Address(), Equals, "usb:1-1")
	t.Close()

	_, err = candidates[1].Connect(context.Background())
	c.Assert(errors.Is(err, ErrIO), Equals, true)
}
