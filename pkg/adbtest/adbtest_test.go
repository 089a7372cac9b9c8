package adbtest

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"

	"github.com/goadb/adb-engine/pkg/auth"
	"github.com/goadb/adb-engine/pkg/handshake"
	"github.com/goadb/adb-engine/pkg/mux"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func connect(c *C, d *Device, cfg handshake.Config) (*mux.Mux, *handshake.Result) {
	t, err := d.Dial(context.Background())
	c.Assert(err, IsNil)
	w := wire.NewWire(t)
	result, err := handshake.Run(context.Background(), w, cfg)
	c.Assert(err, IsNil)
	return mux.New(w, mux.Config{Name: d.Serial, MaxPayload: result.MaxPayload}), result
}

func (s *TestSuite) TestEcho(c *C) {
	d := NewDevice("sim-1")
	defer d.Close()

	m, result := connect(c, d, handshake.DefaultConfig())
	defer m.Close()
	c.Assert(result.Banner.Model, Equals, "Simulator")
	c.Assert(result.Banner.HasFeature(handshake.FeatureShellV2), Equals, true)

	st, err := m.Open(context.Background(), "echo:")
	c.Assert(err, IsNil)
	_, err = st.Write([]byte("ping"))
	c.Assert(err, IsNil)
	buf := make([]byte, 4)
	_, err = io.ReadFull(st, buf)
	c.Assert(err, IsNil)
	c.Assert(string(buf), Equals, "ping")
	c.Assert(st.Close(), IsNil)
}

func (s *TestSuite) TestUnknownServiceRefused(c *C) {
	d := NewDevice("sim-1")
	defer d.Close()

	m, _ := connect(c, d, handshake.DefaultConfig())
	defer m.Close()

	_, err := m.Open(context.Background(), "jdwp:42")
	c.Assert(errors.Is(err, types.ErrStreamRefused), Equals, true)
}

func (s *TestSuite) TestAuthorizedKey(c *C) {
	key, err := auth.GenerateKey()
	c.Assert(err, IsNil)

	d := NewDevice("sim-auth")
	defer d.Close()
	d.RequireAuth = true
	d.Authorize(key.RSAPublicKey())

	cfg := handshake.DefaultConfig()
	cfg.Signers = []auth.Signer{key}
	m, result := connect(c, d, cfg)
	defer m.Close()
	c.Assert(result.SignatureAttempts, Equals, 1)
	c.Assert(result.PublicKeySent, Equals, false)
	c.Assert(d.Accepted(), Equals, 1)
}

func (s *TestSuite) TestNewKeyAllowed(c *C) {
	key, err := auth.GenerateKey()
	c.Assert(err, IsNil)

	d := NewDevice("sim-auth")
	defer d.Close()
	d.RequireAuth = true
	d.AllowNewKeys = true

	cfg := handshake.DefaultConfig()
	cfg.Signers = []auth.Signer{key}
	m, result := connect(c, d, cfg)
	defer m.Close()
	c.Assert(result.PublicKeySent, Equals, true)
	c.Assert(d.OfferedKeys(), HasLen, 1)
	c.Assert(d.OfferedKeys()[0].N.Cmp(key.RSAPublicKey().N), Equals, 0)
}

func (s *TestSuite) TestShellV2(c *C) {
	d := NewDevice("sim-1")
	defer d.Close()

	m, _ := connect(c, d, handshake.DefaultConfig())
	defer m.Close()

	st, err := m.Open(context.Background(), "shell,v2,raw:exit 3")
	c.Assert(err, IsNil)
	data, err := io.ReadAll(st)
	c.Assert(err, IsNil)
	c.Assert(data, HasLen, 6)
	c.Assert(data[0], Equals, byte(packetExit))
	c.Assert(binary.LittleEndian.Uint32(data[1:]), Equals, uint32(1))
	c.Assert(data[5], Equals, byte(3))
}

func (s *TestSuite) TestDisconnect(c *C) {
	d := NewDevice("sim-1")
	defer d.Close()

	m, _ := connect(c, d, handshake.DefaultConfig())
	defer m.Close()
	c.Assert(d.NumConnections(), Equals, 1)

	d.Disconnect()
	<-m.Done()
	c.Assert(errors.Is(m.Err(), types.ErrConnectionClosed), Equals, true)
}

func (s *TestSuite) TestFileSystem(c *C) {
	fs := NewFileSystem()
	fs.WriteFile("/sdcard/a.txt", []byte("abc"), 0o644, 100)
	fs.WriteFile("/sdcard/sub/b.txt", []byte("b"), 0o600, 200)

	mode, size, mtime := fs.stat("/sdcard/a.txt")
	c.Assert(mode, Equals, uint32(ModeFile|0o644))
	c.Assert(size, Equals, uint32(3))
	c.Assert(mtime, Equals, uint32(100))

	mode, _, _ = fs.stat("/sdcard")
	c.Assert(mode&ModeDir, Not(Equals), uint32(0))
	mode, _, _ = fs.stat("/missing")
	c.Assert(mode, Equals, uint32(0))

	names := []string{}
	for _, e := range fs.list("/sdcard") {
		names = append(names, e.name)
	}
	c.Assert(names, DeepEquals, []string{".", "..", "a.txt", "sub"})
}
