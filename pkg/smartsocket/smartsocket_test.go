package smartsocket

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) TestHexPrefixed(c *C) {
	buf := &bytes.Buffer{}
	c.Assert(WriteHexPrefixed(buf, []byte("host:version")), IsNil)
	c.Assert(buf.String(), Equals, "000chost:version")

	data, err := ReadHexPrefixed(buf)
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "host:version")

	_, err = ReadHexPrefixed(strings.NewReader("zzzz"))
	c.Assert(errors.Is(err, ErrUnexpectedData), Equals, true)

	c.Assert(WriteHexPrefixed(buf, make([]byte, MaxLength+1)), NotNil)
}

func (s *TestSuite) TestStatus(c *C) {
	buf := &bytes.Buffer{}
	c.Assert(WriteOkay(buf), IsNil)
	c.Assert(ReadStatus(buf), IsNil)

	c.Assert(WriteFail(buf, "device 'x' not found"), IsNil)
	c.Assert(buf.String(), Equals, "FAIL0014device 'x' not found")
	err := ReadStatus(buf)
	c.Assert(errors.Is(err, ErrService), Equals, true)
	c.Assert(err.Error(), Equals, "device 'x' not found")

	err = ReadStatus(strings.NewReader("WHAT"))
	c.Assert(errors.Is(err, ErrUnexpectedData), Equals, true)

	buf.Reset()
	c.Assert(WriteOkayString(buf, "0029"), IsNil)
	c.Assert(buf.String(), Equals, "OKAY00040029")
}
