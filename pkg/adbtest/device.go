// Package adbtest provides an in-memory adb device for tests. It speaks
// the device side of the connection handshake and serves a small set of
// services on the streams the host opens.
package adbtest

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/auth"
	"github.com/goadb/adb-engine/pkg/handshake"
	"github.com/goadb/adb-engine/pkg/mux"
	"github.com/goadb/adb-engine/pkg/transport"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

const (
	serviceBacklog = 16
)

// Handler serves one stream opened by the host. service is the full
// destination the host asked for.
type Handler func(ctx context.Context, service string, s *mux.Stream)

type Device struct {
	Serial     string
	Banner     handshake.Banner
	Version    uint32
	MaxPayload uint32

	// RequireAuth makes the device challenge the host with AUTH tokens.
	RequireAuth bool
	// AllowNewKeys accepts any public key the host offers, as if the user
	// confirmed the prompt. Otherwise an offered key is never answered.
	AllowNewKeys bool

	FS *FileSystem

	lock     sync.Mutex
	services map[string]Handler
	keys     []*rsa.PublicKey
	offered  []*rsa.PublicKey
	conns    map[*mux.Mux]struct{}
	accepted int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDevice(serial string) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		Serial: serial,
		Banner: handshake.Banner{
			Type:     "device",
			Product:  "sdk_gphone",
			Model:    "Simulator",
			Device:   "generic",
			Features: []string{handshake.FeatureShellV2, handshake.FeatureCmd, handshake.FeatureStatV2},
		},
		Version:    wire.VersionMin,
		MaxPayload: wire.MaxPayload,
		FS:         NewFileSystem(),
		services:   map[string]Handler{},
		conns:      map[*mux.Mux]struct{}{},
		ctx:        ctx,
		cancel:     cancel,
	}
	d.Handle("echo:", Echo)
	d.Handle("shell:", RawShell)
	d.Handle("shell,", ShellV2)
	d.Handle("sync:", d.Sync)
	return d
}

// Handle registers h for destinations starting with prefix. The longest
// matching prefix wins.
func (d *Device) Handle(prefix string, h Handler) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.services[prefix] = h
}

// Authorize adds a key the device accepts signatures from.
func (d *Device) Authorize(pub *rsa.PublicKey) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.keys = append(d.keys, pub)
}

// OfferedKeys returns the public keys hosts sent to this device.
func (d *Device) OfferedKeys() []*rsa.PublicKey {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]*rsa.PublicKey(nil), d.offered...)
}

func (d *Device) NumConnections() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.conns)
}

// Accepted counts the handshakes the device completed.
func (d *Device) Accepted() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.accepted
}

// Disconnect drops every live connection, as if the cable was pulled.
func (d *Device) Disconnect() {
	d.lock.Lock()
	conns := d.conns
	d.conns = map[*mux.Mux]struct{}{}
	d.lock.Unlock()

	for m := range conns {
		m.SetError(errors.New("device disconnected"))
	}
}

func (d *Device) Close() {
	d.cancel()
	d.Disconnect()
}

// Dial returns the host end of a new in-memory connection to the device.
func (d *Device) Dial(ctx context.Context) (transport.Transport, error) {
	if d.ctx.Err() != nil {
		return nil, errors.Mark(errors.Mark(errors.Newf("device %v is gone", d.Serial), transport.ErrNotFound), types.ErrTransport)
	}
	host, dev := transport.NewPipe(d.Serial)
	go func() {
		if err := d.Serve(d.ctx, dev); err != nil {
			logrus.WithError(err).Debugf("Simulated device %v stopped serving", d.Serial)
		}
	}()
	return host, nil
}

// Candidate returns a transport candidate that dials the device.
func (d *Device) Candidate() transport.Candidate {
	return &transport.PipeCandidate{
		Name: d.Serial,
		Dial: d.Dial,
	}
}

// Serve runs the device side of one connection until it closes.
func (d *Device) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	w := wire.NewWire(conn)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-stop:
		}
	}()

	maxPayload, err := d.handshake(w)
	if err != nil {
		w.Close()
		return err
	}

	m := mux.New(w, mux.Config{
		Name:       d.Serial,
		MaxPayload: maxPayload,
		Backlog:    serviceBacklog,
		Filter: func(destination string) bool {
			return d.handler(destination) != nil
		},
	})
	d.lock.Lock()
	d.conns[m] = struct{}{}
	d.accepted++
	d.lock.Unlock()
	defer func() {
		m.Close()
		d.lock.Lock()
		delete(d.conns, m)
		d.lock.Unlock()
	}()

	for {
		s, err := m.Accept(ctx)
		if err != nil {
			return err
		}
		h := d.handler(s.Destination())
		go func() {
			defer s.Close()
			h(ctx, s.Destination(), s)
		}()
	}
}

func (d *Device) handler(destination string) Handler {
	d.lock.Lock()
	defer d.lock.Unlock()

	prefixes := []string{}
	for prefix := range d.services {
		if strings.HasPrefix(destination, prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) == 0 {
		return nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return d.services[prefixes[0]]
}

func (d *Device) handshake(w *wire.Wire) (uint32, error) {
	msg, err := w.Read()
	if err != nil {
		return 0, err
	}
	if msg.Command != wire.CommandCNXN {
		return 0, types.NewProtocolViolation("expected CNXN from host, got %v", msg.Command)
	}
	version := msg.Arg0
	if d.Version < version {
		version = d.Version
	}
	maxPayload := msg.Arg1
	if d.MaxPayload < maxPayload {
		maxPayload = d.MaxPayload
	}

	if d.RequireAuth {
		if err := d.authenticate(w); err != nil {
			return 0, err
		}
	}

	w.SetMaxPayload(maxPayload)
	if err := w.Write(&wire.Message{
		Command: wire.CommandCNXN,
		Arg0:    version,
		Arg1:    maxPayload,
		Data:    []byte(d.Banner.String() + "\x00"),
	}); err != nil {
		return 0, err
	}
	return maxPayload, nil
}

func (d *Device) authenticate(w *wire.Wire) error {
	token, err := d.challenge(w)
	if err != nil {
		return err
	}
	for {
		msg, err := w.Read()
		if err != nil {
			return err
		}
		if msg.Command != wire.CommandAUTH {
			return types.NewProtocolViolation("expected AUTH from host, got %v", msg.Command)
		}

		switch msg.Arg0 {
		case wire.AuthSignature:
			if d.verify(token, msg.Data) {
				return nil
			}
			if token, err = d.challenge(w); err != nil {
				return err
			}
		case wire.AuthRSAPublicKey:
			pub, _, err := auth.ParsePublicKey(msg.Data)
			if err != nil {
				return err
			}
			d.lock.Lock()
			d.offered = append(d.offered, pub)
			d.lock.Unlock()
			if d.AllowNewKeys {
				d.Authorize(pub)
				return nil
			}
		default:
			return types.NewProtocolViolation("unexpected AUTH type %d from host", msg.Arg0)
		}
	}
}

func (d *Device) challenge(w *wire.Wire) ([]byte, error) {
	token := make([]byte, auth.TokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	return token, w.Write(&wire.Message{Command: wire.CommandAUTH, Arg0: wire.AuthToken, Data: token})
}

func (d *Device) verify(token, signature []byte) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, pub := range d.keys {
		if rsa.VerifyPKCS1v15(pub, crypto.SHA1, token, signature) == nil {
			return true
		}
	}
	return false
}

// Echo writes back everything it reads.
func Echo(ctx context.Context, service string, s *mux.Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ReadContext(ctx, buf)
		if err != nil {
			return
		}
		if _, err := s.WriteContext(ctx, buf[:n]); err != nil {
			return
		}
	}
}
