package shell

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/util"
)

type PacketID byte

const (
	PacketStdin            = PacketID(0)
	PacketStdout           = PacketID(1)
	PacketStderr           = PacketID(2)
	PacketExit             = PacketID(3)
	PacketCloseStdin       = PacketID(4)
	PacketWindowSizeChange = PacketID(5)

	packetHeaderSize = 5
	stdinChunkSize   = 4096
	// maxPacketSize bounds what a device may send in one packet.
	maxPacketSize = 1 << 20
)

var (
	ErrUnexpectedData = errors.New("unexpected data from device")
)

func (id PacketID) String() string {
	switch id {
	case PacketStdin:
		return "stdin"
	case PacketStdout:
		return "stdout"
	case PacketStderr:
		return "stderr"
	case PacketExit:
		return "exit"
	case PacketCloseStdin:
		return "close-stdin"
	case PacketWindowSizeChange:
		return "window-size-change"
	}
	return fmt.Sprintf("unknown(%d)", byte(id))
}

// Options describe the shell service to open.
type Options struct {
	Command []string
	// Protocol selects the v2 shell protocol, which keeps stdout, stderr
	// and the exit code apart.
	Protocol bool
	Term     string
	TTY      bool
}

// Service returns the destination string for the options.
func (o Options) Service() string {
	command := strings.Join(o.Command, " ")
	if !o.Protocol {
		return "shell:" + command
	}

	service := "shell,v2"
	if o.TTY {
		if o.Term != "" {
			service += ",TERM=" + o.Term
		}
		service += ",pty"
	} else {
		service += ",raw"
	}
	return service + ":" + command
}

func unexpected(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnexpectedData)
}

func WritePacket(w io.Writer, id PacketID, data []byte) error {
	buf := make([]byte, packetHeaderSize+len(data))
	buf[0] = byte(id)
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(data)))
	copy(buf[packetHeaderSize:], data)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads one packet sent by the device. Packets only the host
// may send, unknown ids and malformed exit packets are ErrUnexpectedData.
func ReadPacket(r io.Reader) (PacketID, []byte, error) {
	header := make([]byte, packetHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, err
		}
		return 0, nil, errors.Mark(errors.Wrap(err, "failed to read shell packet header"), ErrUnexpectedData)
	}
	id := PacketID(header[0])
	length := binary.LittleEndian.Uint32(header[1:])
	if length > maxPacketSize {
		return 0, nil, unexpected("shell %v packet of %d bytes", id, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, errors.Mark(errors.Wrap(err, "failed to read shell data"), ErrUnexpectedData)
	}

	switch id {
	case PacketStdout, PacketStderr:
	case PacketExit:
		if len(data) != 1 {
			return 0, nil, unexpected("received exit packet with incorrect size: %d", len(data))
		}
	case PacketStdin, PacketCloseStdin:
		return 0, nil, unexpected("received unexpected %v packet from device", id)
	default:
		return 0, nil, unexpected("received unexpected packet from device: %d", byte(id))
	}
	return id, data, nil
}

// WindowSize encodes a terminal size for a PacketWindowSizeChange.
func WindowSize(rows, cols, xpixels, ypixels uint16) []byte {
	return []byte(fmt.Sprintf("%dx%d,%dx%d\x00", rows, cols, xpixels, ypixels))
}

// Input writes host packets to a protocol shell. It is safe for
// concurrent use.
type Input struct {
	lock sync.Mutex
	w    io.Writer
}

func NewInput(w io.Writer) *Input {
	return &Input{w: w}
}

func (in *Input) Stdin(data []byte) error {
	in.lock.Lock()
	defer in.lock.Unlock()
	return WritePacket(in.w, PacketStdin, data)
}

func (in *Input) CloseStdin() error {
	in.lock.Lock()
	defer in.lock.Unlock()
	return WritePacket(in.w, PacketCloseStdin, nil)
}

func (in *Input) Resize(rows, cols, xpixels, ypixels uint16) error {
	in.lock.Lock()
	defer in.lock.Unlock()
	return WritePacket(in.w, PacketWindowSizeChange, WindowSize(rows, cols, xpixels, ypixels))
}

// Run drives a protocol shell on rw: stdin is forwarded until EOF, output
// is copied until the device reports the exit code, which is returned.
func Run(ctx context.Context, rw io.ReadWriteCloser, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	defer util.CloseOnCancel(ctx, rw)()

	if stdin != nil {
		in := NewInput(rw)
		go func() {
			buf := make([]byte, stdinChunkSize)
			for {
				n, err := stdin.Read(buf)
				if n > 0 {
					if werr := in.Stdin(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					if err != io.EOF {
						logrus.WithError(err).Debug("Failed to read shell input")
					}
					in.CloseStdin()
					return
				}
			}
		}()
	}

	for {
		id, data, err := ReadPacket(rw)
		if err != nil {
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return -1, unexpected("shell closed without an exit status")
			}
			return -1, err
		}
		switch id {
		case PacketStdout:
			_, err = stdout.Write(data)
		case PacketStderr:
			_, err = stderr.Write(data)
		case PacketExit:
			return int(data[0]), nil
		}
		if err != nil {
			return -1, errors.Wrapf(err, "failed to write shell %v", id)
		}
	}
}

// RunRaw copies a raw shell: stdin goes to the device, everything the
// device sends goes to stdout. The exit code is not known and reported as 0.
func RunRaw(ctx context.Context, rw io.ReadWriteCloser, stdin io.Reader, stdout io.Writer) (int, error) {
	defer util.CloseOnCancel(ctx, rw)()

	if stdin != nil {
		go func() {
			if _, err := io.Copy(rw, stdin); err != nil {
				logrus.WithError(err).Debug("Raw shell input stopped")
			}
		}()
	}
	if _, err := io.Copy(stdout, rw); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, err
	}
	return 0, nil
}
