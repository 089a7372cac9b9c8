package transport

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/goadb/adb-engine/pkg/types"
)

// Failure kinds of a transport. Every error returned by this package is
// marked with one of these and with types.ErrTransport.
var (
	ErrNotFound         = errors.New("endpoint not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIO               = errors.New("i/o error")
	ErrDisconnected     = errors.New("disconnected")
)

type Kind string

const (
	KindUSB   = Kind(types.TransportKindUSB)
	KindTCP   = Kind(types.TransportKindTCP)
	KindLocal = Kind(types.TransportKindLocal)
)

// Transport is a connected raw byte stream to a device. Reads and writes
// may be short; callers above this layer loop.
type Transport interface {
	io.ReadWriteCloser

	Kind() Kind
	Address() string
}

// Candidate is an endpoint that has been discovered but not connected.
type Candidate interface {
	Kind() Kind
	// Address identifies the endpoint: host:port for TCP, a device path for USB.
	Address() string
	// Serial is the serial number the device is listed under.
	Serial() string
	Connect(ctx context.Context) (Transport, error)
}

type Enumerator interface {
	Enumerate(ctx context.Context) ([]Candidate, error)
}

type stream struct {
	rwc     io.ReadWriteCloser
	kind    Kind
	address string
}

// New wraps a raw byte stream so its failures are reported with the
// transport error kinds.
func New(rwc io.ReadWriteCloser, kind Kind, address string) Transport {
	return &stream{
		rwc:     rwc,
		kind:    kind,
		address: address,
	}
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.rwc.Read(p)
	if err != nil {
		return n, classifyIO(err, s.address)
	}
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.rwc.Write(p)
	if err != nil {
		return n, classifyIO(err, s.address)
	}
	return n, nil
}

func (s *stream) Close() error {
	return s.rwc.Close()
}

func (s *stream) Kind() Kind {
	return s.kind
}

func (s *stream) Address() string {
	return s.address
}

func mark(err error, kind error) error {
	return errors.Mark(errors.Mark(err, kind), types.ErrTransport)
}

// classifyIO maps a read or write failure to ErrDisconnected or ErrIO.
func classifyIO(err error, address string) error {
	if errors.Is(err, types.ErrTransport) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) || isDisconnectErrno(err) {
		return mark(errors.Wrapf(err, "%v disconnected", address), ErrDisconnected)
	}
	return mark(errors.Wrapf(err, "i/o error on %v", address), ErrIO)
}

// classifyConnect maps a connect failure to ErrNotFound, ErrPermissionDenied
// or ErrIO.
func classifyConnect(err error, address string) error {
	if errors.Is(err, types.ErrTransport) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrNotExist) || isNotFoundErrno(err):
		return mark(errors.Wrapf(err, "cannot connect to %v", address), ErrNotFound)
	case errors.Is(err, os.ErrPermission) || isPermissionErrno(err):
		return mark(errors.Wrapf(err, "cannot connect to %v", address), ErrPermissionDenied)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return mark(errors.Wrapf(err, "cannot resolve %v", address), ErrNotFound)
	}
	return mark(errors.Wrapf(err, "cannot connect to %v", address), ErrIO)
}

// IsDisconnect reports whether err means the peer went away.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
