package wire

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/goadb/adb-engine/pkg/types"
)

type Command uint32

const (
	CommandCNXN = Command(0x4e584e43)
	CommandAUTH = Command(0x48545541)
	CommandOPEN = Command(0x4e45504f)
	CommandOKAY = Command(0x59414b4f)
	CommandCLSE = Command(0x45534c43)
	CommandWRTE = Command(0x45545257)
)

const (
	HeaderSize = 24

	// VersionMin is the protocol revision that still carries payload
	// checksums. Later revisions let the device send a zero checksum.
	VersionMin          = uint32(0x01000000)
	VersionSkipChecksum = uint32(0x01000001)

	MaxPayloadV1 = uint32(4 * 1024)
	MaxPayload   = uint32(256 * 1024)
	// MaxPayloadLimit bounds any configured max payload.
	MaxPayloadLimit = uint32(1024 * 1024)

	AuthToken        = uint32(1)
	AuthSignature    = uint32(2)
	AuthRSAPublicKey = uint32(3)

	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
)

var (
	ErrBadMagic         = errors.New("bad magic")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrTruncated        = errors.New("truncated message")
)

func (c Command) String() string {
	b := []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
	for _, ch := range b {
		if ch < 'A' || ch > 'Z' {
			return fmt.Sprintf("0x%08x", uint32(c))
		}
	}
	return string(b)
}

// Known reports whether c is one of the six commands of the protocol.
func (c Command) Known() bool {
	switch c {
	case CommandCNXN, CommandAUTH, CommandOPEN, CommandOKAY, CommandCLSE, CommandWRTE:
		return true
	}
	return false
}

func (c Command) Magic() uint32 {
	return uint32(c) ^ 0xffffffff
}

type Message struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Data    []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%v(0x%x, 0x%x, %d bytes)", m.Command, m.Arg0, m.Arg1, len(m.Data))
}

func Checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}

func newPayloadTooLarge(length, max uint32) error {
	err := errors.Newf("declared payload length %d exceeds max payload %d", length, max)
	return errors.Mark(errors.Mark(err, types.ErrPayloadTooLarge), types.ErrProtocolViolation)
}

func markViolation(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), types.ErrProtocolViolation)
}
