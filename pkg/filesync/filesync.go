package filesync

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/util"
)

const (
	MaxChunkSize  = 64 * 1024
	MaxPathLength = 1024

	idStat = "STAT"
	idList = "LIST"
	idSend = "SEND"
	idRecv = "RECV"
	idQuit = "QUIT"
	idDent = "DENT"
	idData = "DATA"
	idDone = "DONE"
	idOkay = "OKAY"
	idFail = "FAIL"

	modeTypeMask = 0o170000
	modeDir      = 0o040000
	modeRegular  = 0o100000
	modeSymlink  = 0o120000

	// maxFailLength bounds the error text a device may send.
	maxFailLength = 4096
)

var (
	ErrPathTooLong    = errors.New("path too long")
	ErrFailed         = errors.New("sync request failed")
	ErrUnexpectedData = errors.New("unexpected sync data from device")
)

// FileInfo is what the device reports for a path. A zero Mode means the
// path does not exist.
type FileInfo struct {
	Name    string
	Mode    uint32
	Size    uint32
	ModTime time.Time
}

func (fi FileInfo) Exists() bool {
	return fi.Mode != 0
}

func (fi FileInfo) IsDir() bool {
	return fi.Mode&modeTypeMask == modeDir
}

func (fi FileInfo) IsRegular() bool {
	return fi.Mode&modeTypeMask == modeRegular
}

func (fi FileInfo) IsSymlink() bool {
	return fi.Mode&modeTypeMask == modeSymlink
}

func (fi FileInfo) Perm() os.FileMode {
	return os.FileMode(fi.Mode & 0o777)
}

// Progress is called with the number of bytes transferred so far.
type Progress func(transferred int64)

// Client speaks the file sync protocol on a "sync:" stream. Requests are
// sequential; a Client must not be shared between goroutines.
type Client struct {
	rw     io.ReadWriteCloser
	header []byte
}

func New(rw io.ReadWriteCloser) *Client {
	return &Client{
		rw:     rw,
		header: make([]byte, 8),
	}
}

func unexpected(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnexpectedData)
}

func syncHeader(id string, arg uint32) []byte {
	buf := make([]byte, 8)
	copy(buf, id)
	binary.LittleEndian.PutUint32(buf[4:], arg)
	return buf
}

func (c *Client) request(id, path string) error {
	if len(path) > MaxPathLength {
		return errors.Mark(errors.Newf("path of %d bytes exceeds %d", len(path), MaxPathLength), ErrPathTooLong)
	}
	_, err := c.rw.Write(append(syncHeader(id, uint32(len(path))), path...))
	return err
}

// readHeader reads the next 4 byte id and 32 bit argument.
func (c *Client) readHeader() (string, uint32, error) {
	if _, err := io.ReadFull(c.rw, c.header); err != nil {
		return "", 0, errors.Wrap(err, "failed to read sync response")
	}
	return string(c.header[:4]), binary.LittleEndian.Uint32(c.header[4:]), nil
}

// readFail reads the message of a FAIL response of length n.
func (c *Client) readFail(n uint32) error {
	if n > maxFailLength {
		return unexpected("sync failure message of %d bytes", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.rw, msg); err != nil {
		return errors.Wrap(err, "failed to read sync failure")
	}
	return errors.Mark(errors.Newf("%s", msg), ErrFailed)
}

func (c *Client) readUint32s(values ...*uint32) error {
	buf := make([]byte, 4*len(values))
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return errors.Wrap(err, "failed to read sync response")
	}
	for i, v := range values {
		*v = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return nil
}

func (c *Client) Stat(path string) (*FileInfo, error) {
	if err := c.request(idStat, path); err != nil {
		return nil, err
	}
	id, mode, err := c.readHeader()
	if err != nil {
		return nil, err
	}
	if id != idStat {
		return nil, unexpected("expected STAT response, got %q", id)
	}
	var size, mtime uint32
	if err := c.readUint32s(&size, &mtime); err != nil {
		return nil, err
	}
	return &FileInfo{
		Name:    path,
		Mode:    mode,
		Size:    size,
		ModTime: time.Unix(int64(mtime), 0),
	}, nil
}

// List returns the entries of a device directory, without "." and "..".
func (c *Client) List(path string) ([]FileInfo, error) {
	if err := c.request(idList, path); err != nil {
		return nil, err
	}
	entries := []FileInfo{}
	for {
		id, mode, err := c.readHeader()
		if err != nil {
			return nil, err
		}
		var size, mtime, nameLen uint32
		switch id {
		case idDone:
			if err := c.readUint32s(&size, &mtime, &nameLen); err != nil {
				return nil, err
			}
			return entries, nil
		case idFail:
			return nil, c.readFail(mode)
		case idDent:
		default:
			return nil, unexpected("expected DENT or DONE, got %q", id)
		}

		if err := c.readUint32s(&size, &mtime, &nameLen); err != nil {
			return nil, err
		}
		if nameLen > MaxPathLength {
			return nil, unexpected("directory entry name of %d bytes", nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(c.rw, name); err != nil {
			return nil, errors.Wrap(err, "failed to read directory entry")
		}
		if string(name) == "." || string(name) == ".." {
			continue
		}
		entries = append(entries, FileInfo{
			Name:    string(name),
			Mode:    mode,
			Size:    size,
			ModTime: time.Unix(int64(mtime), 0),
		})
	}
}

// Send stores the content of r as path on the device.
func (c *Client) Send(ctx context.Context, r io.Reader, path string, mode os.FileMode, mtime time.Time, progress Progress) (int64, error) {
	defer util.CloseOnCancel(ctx, c.rw)()

	if len(path) > MaxPathLength {
		return 0, errors.Mark(errors.Newf("remote path of %d bytes", len(path)), ErrPathTooLong)
	}
	if err := c.request(idSend, path+","+strconv.FormatUint(uint64(modeRegular|uint32(mode.Perm())), 10)); err != nil {
		return 0, err
	}

	var sent int64
	buf := make([]byte, 8+MaxChunkSize)
	copy(buf, idData)
	for {
		n, err := io.ReadFull(r, buf[8:])
		if n > 0 {
			binary.LittleEndian.PutUint32(buf[4:], uint32(n))
			if _, werr := c.rw.Write(buf[:8+n]); werr != nil {
				return sent, c.interrupted(ctx, werr)
			}
			sent += int64(n)
			if progress != nil {
				progress(sent)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return sent, errors.Wrap(err, "failed to read local data")
		}
	}

	if _, err := c.rw.Write(syncHeader(idDone, uint32(mtime.Unix()))); err != nil {
		return sent, c.interrupted(ctx, err)
	}
	id, arg, err := c.readHeader()
	if err != nil {
		return sent, c.interrupted(ctx, err)
	}
	switch id {
	case idOkay:
		logrus.Debugf("Sent %d bytes to %v", sent, path)
		return sent, nil
	case idFail:
		return sent, c.readFail(arg)
	}
	return sent, unexpected("expected OKAY or FAIL after SEND, got %q", id)
}

// Recv copies the device file at path into w.
func (c *Client) Recv(ctx context.Context, path string, w io.Writer, progress Progress) (int64, error) {
	defer util.CloseOnCancel(ctx, c.rw)()

	if err := c.request(idRecv, path); err != nil {
		return 0, err
	}

	var received int64
	buf := make([]byte, MaxChunkSize)
	for {
		id, arg, err := c.readHeader()
		if err != nil {
			return received, c.interrupted(ctx, err)
		}
		switch id {
		case idDone:
			logrus.Debugf("Received %d bytes from %v", received, path)
			return received, nil
		case idFail:
			return received, c.readFail(arg)
		case idData:
		default:
			return received, unexpected("expected DATA, DONE or FAIL, got %q", id)
		}

		if arg > MaxChunkSize {
			return received, unexpected("data chunk of %d bytes", arg)
		}
		if _, err := io.ReadFull(c.rw, buf[:arg]); err != nil {
			return received, c.interrupted(ctx, err)
		}
		if _, err := w.Write(buf[:arg]); err != nil {
			return received, errors.Wrap(err, "failed to write local data")
		}
		received += int64(arg)
		if progress != nil {
			progress(received)
		}
	}
}

func (c *Client) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close ends the sync session and closes the stream.
func (c *Client) Close() error {
	_, err := c.rw.Write(syncHeader(idQuit, 0))
	if cerr := c.rw.Close(); err == nil {
		err = cerr
	}
	return err
}
