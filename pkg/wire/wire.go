package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Wire reads and writes adb messages on a byte stream. Read and Write may
// run concurrently with each other, but each must have a single caller.
type Wire struct {
	conn        io.ReadWriteCloser
	writer      *bufio.Writer
	reader      io.Reader
	writeHeader []byte
	readHeader  []byte
	maxPayload  uint32
}

func NewWire(conn io.ReadWriteCloser) *Wire {
	return &Wire{
		conn:        conn,
		writer:      bufio.NewWriterSize(conn, writeBufferSize),
		reader:      bufio.NewReaderSize(conn, readBufferSize),
		writeHeader: make([]byte, HeaderSize),
		readHeader:  make([]byte, HeaderSize),
		maxPayload:  MaxPayload,
	}
}

// SetMaxPayload bounds the payload length accepted by Read.
func (w *Wire) SetMaxPayload(max uint32) {
	atomic.StoreUint32(&w.maxPayload, max)
}

func (w *Wire) MaxPayload() uint32 {
	return atomic.LoadUint32(&w.maxPayload)
}

// Encode serializes msg into its on-wire form.
func Encode(msg *Message) []byte {
	buf := make([]byte, HeaderSize+len(msg.Data))
	putHeader(buf, msg)
	copy(buf[HeaderSize:], msg.Data)
	return buf
}

func putHeader(header []byte, msg *Message) {
	binary.LittleEndian.PutUint32(header[0:], uint32(msg.Command))
	binary.LittleEndian.PutUint32(header[4:], msg.Arg0)
	binary.LittleEndian.PutUint32(header[8:], msg.Arg1)
	binary.LittleEndian.PutUint32(header[12:], uint32(len(msg.Data)))
	binary.LittleEndian.PutUint32(header[16:], Checksum(msg.Data))
	binary.LittleEndian.PutUint32(header[20:], msg.Command.Magic())
}

func (w *Wire) Write(msg *Message) error {
	putHeader(w.writeHeader, msg)

	if _, err := w.writer.Write(w.writeHeader); err != nil {
		return err
	}
	if len(msg.Data) > 0 {
		if _, err := w.writer.Write(msg.Data); err != nil {
			return err
		}
	}
	return w.writer.Flush()
}

func (w *Wire) Read() (*Message, error) {
	return decode(w.reader, w.readHeader, w.MaxPayload())
}

// Decode reads exactly one message from r. Payloads longer than maxPayload
// are rejected before anything is allocated for them.
func Decode(r io.Reader, maxPayload uint32) (*Message, error) {
	return decode(r, make([]byte, HeaderSize), maxPayload)
}

func decode(r io.Reader, header []byte, maxPayload uint32) (*Message, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, markViolation(ErrTruncated, "short header")
		}
		// A clean EOF between messages is the transport's to report.
		return nil, err
	}

	command := Command(binary.LittleEndian.Uint32(header[0:]))
	magic := binary.LittleEndian.Uint32(header[20:])
	if magic != command.Magic() {
		return nil, markViolation(ErrBadMagic, "command 0x%08x magic 0x%08x", uint32(command), magic)
	}

	msg := &Message{
		Command: command,
		Arg0:    binary.LittleEndian.Uint32(header[4:]),
		Arg1:    binary.LittleEndian.Uint32(header[8:]),
	}
	length := binary.LittleEndian.Uint32(header[12:])
	checksum := binary.LittleEndian.Uint32(header[16:])

	if length > maxPayload {
		return nil, newPayloadTooLarge(length, maxPayload)
	}
	if length > 0 {
		msg.Data = make([]byte, length)
		if _, err := io.ReadFull(r, msg.Data); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, markViolation(ErrTruncated, "%v payload: want %d bytes", command, length)
			}
			return nil, err
		}
	}

	if sum := Checksum(msg.Data); sum != checksum {
		return nil, markViolation(ErrChecksumMismatch, "%v payload checksum 0x%08x, header says 0x%08x", command, sum, checksum)
	}
	return msg, nil
}

func (w *Wire) Close() error {
	return w.conn.Close()
}
