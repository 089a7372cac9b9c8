// Package smartsocket implements the framing of the host service protocol:
// requests and string replies carry a 4 hex digit length prefix, and every
// request is answered with OKAY or FAIL.
package smartsocket

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
)

const (
	Okay = "OKAY"
	Fail = "FAIL"

	// MaxLength is the largest payload a 4 hex digit prefix can describe.
	MaxLength = 0xffff
)

var (
	ErrService        = errors.New("service failed")
	ErrUnexpectedData = errors.New("unexpected data from server")
)

// WriteHexPrefixed writes data preceded by its length in 4 hex digits.
func WriteHexPrefixed(w io.Writer, data []byte) error {
	if len(data) > MaxLength {
		return errors.Newf("message of %d bytes is too long", len(data))
	}
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, fmt.Sprintf("%04x", len(data))...)
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func ReadHexPrefixed(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	length, err := strconv.ParseUint(string(prefix), 16, 16)
	if err != nil {
		return nil, errors.Mark(errors.Newf("bad length prefix %q", prefix), ErrUnexpectedData)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func WriteOkay(w io.Writer) error {
	_, err := io.WriteString(w, Okay)
	return err
}

// WriteOkayString answers OKAY followed by a length prefixed message.
func WriteOkayString(w io.Writer, msg string) error {
	buf := append([]byte(Okay), fmt.Sprintf("%04x", len(msg))...)
	_, err := w.Write(append(buf, msg...))
	return err
}

func WriteFail(w io.Writer, msg string) error {
	if len(msg) > MaxLength {
		msg = msg[:MaxLength]
	}
	buf := append([]byte(Fail), fmt.Sprintf("%04x", len(msg))...)
	_, err := w.Write(append(buf, msg...))
	return err
}

// ReadStatus consumes an OKAY, or turns a FAIL into an ErrService error
// carrying the server's message.
func ReadStatus(r io.Reader) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(r, status); err != nil {
		return errors.Wrap(err, "failed to read status")
	}
	switch string(status) {
	case Okay:
		return nil
	case Fail:
		msg, err := ReadHexPrefixed(r)
		if err != nil {
			return errors.Wrap(err, "failed to read failure message")
		}
		return errors.Mark(errors.Newf("%s", msg), ErrService)
	}
	return errors.Mark(errors.Newf("expected OKAY or FAIL, got %q", status), ErrUnexpectedData)
}
