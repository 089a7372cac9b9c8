package types

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) TestErrorClasses(c *C) {
	err := NewProtocolViolation("unknown command 0x%08x", 0x12345678)
	c.Assert(errors.Is(err, ErrProtocolViolation), Equals, true)
	c.Assert(IsFatal(err), Equals, true)
	c.Assert(IsRetryable(err), Equals, false)
	c.Assert(err.Error(), Equals, "unknown command 0x12345678")

	err = NewStreamRefused("shell:ls")
	c.Assert(errors.Is(err, ErrStreamRefused), Equals, true)
	c.Assert(IsFatal(err), Equals, false)

	err = errors.Mark(errors.New("timed out"), ErrAuthTimeout)
	c.Assert(IsRetryable(err), Equals, true)
}

func (s *TestSuite) TestConnectionClosed(c *C) {
	c.Assert(NewConnectionClosed(nil), Equals, ErrConnectionClosed)

	err := NewConnectionClosed(io.EOF)
	c.Assert(errors.Is(err, ErrConnectionClosed), Equals, true)
	c.Assert(errors.Is(err, io.EOF), Equals, true)
	c.Assert(NewConnectionClosed(err), Equals, err)
}
