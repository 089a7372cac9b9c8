package transport

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
)

// USBInterface is one adb interface exposed by a USB backend. The backend
// owns endpoint selection and bulk transfers; this package only sees the
// resulting byte stream.
type USBInterface interface {
	Path() string
	Serial() string
	Open() (io.ReadWriteCloser, error)
}

type USBBackend interface {
	List(ctx context.Context) ([]USBInterface, error)
}

type usbCandidate struct {
	iface USBInterface
}

func (u *usbCandidate) Kind() Kind {
	return KindUSB
}

func (u *usbCandidate) Address() string {
	return u.iface.Path()
}

func (u *usbCandidate) Serial() string {
	if serial := u.iface.Serial(); serial != "" {
		return serial
	}
	return u.iface.Path()
}

func (u *usbCandidate) Connect(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rwc, err := u.iface.Open()
	if err != nil {
		return nil, classifyConnect(err, u.iface.Path())
	}
	return New(rwc, KindUSB, u.iface.Path()), nil
}

type USBEnumerator struct {
	backend USBBackend
}

func NewUSBEnumerator(backend USBBackend) *USBEnumerator {
	return &USBEnumerator{
		backend: backend,
	}
}

func (e *USBEnumerator) Enumerate(ctx context.Context) ([]Candidate, error) {
	ifaces, err := e.backend.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list usb devices")
	}
	candidates := make([]Candidate, 0, len(ifaces))
	for _, iface := range ifaces {
		candidates = append(candidates, &usbCandidate{iface: iface})
	}
	return candidates, nil
}
