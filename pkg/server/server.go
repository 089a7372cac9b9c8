package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/smartsocket"
	"github.com/goadb/adb-engine/pkg/socketspec"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/util"
)

const (
	requestTimeout = 10 * time.Second
)

// Devices is the device directory the server answers from.
type Devices interface {
	List() []device.Info
	Connection(criteria device.Criteria) (*device.Connection, device.Info, error)
	ConnectTCP(ctx context.Context, address string) (device.Info, bool, error)
	Disconnect(serial string) error
}

// Server answers host service requests on a smart socket and bridges
// device service requests to Logical Streams.
type Server struct {
	devices  Devices
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	killed chan struct{}
	kill   sync.Once

	lock   sync.Mutex
	active map[net.Conn]struct{}
	wg     sync.WaitGroup
}

func Listen(spec socketspec.SocketSpec, devices Devices) (*Server, error) {
	l, err := spec.Listen()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %v", spec)
	}
	return Serve(l, devices), nil
}

// Serve answers requests arriving on l until Close.
func Serve(l net.Listener, devices Devices) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		devices:  devices,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
		active:   map[net.Conn]struct{}{},
	}
	go s.serve()
	logrus.Infof("Listening for host service requests on %v", l.Addr())
	return s
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Killed is closed when a client asked the server to exit.
func (s *Server) Killed() <-chan struct{} {
	return s.killed
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				logrus.WithError(err).Error("Stopped accepting host service connections")
			}
			return
		}
		s.lock.Lock()
		s.active[conn] = struct{}{}
		s.wg.Add(1)
		s.lock.Unlock()

		go func() {
			defer func() {
				conn.Close()
				s.lock.Lock()
				delete(s.active, conn)
				s.lock.Unlock()
				s.wg.Done()
			}()
			if err := s.handle(conn); err != nil {
				logrus.WithError(err).Debugf("Host service connection from %v ended", conn.RemoteAddr())
			}
		}()
	}
}

func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	<-s.done

	s.lock.Lock()
	for conn := range s.active {
		err = multierr.Append(err, conn.Close())
	}
	s.lock.Unlock()
	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func readRequest(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	defer conn.SetReadDeadline(time.Time{})
	req, err := smartsocket.ReadHexPrefixed(conn)
	if err != nil {
		return "", errors.Wrap(err, "failed to read request")
	}
	return string(req), nil
}

func (s *Server) handle(conn net.Conn) error {
	req, err := readRequest(conn)
	if err != nil {
		return err
	}
	logrus.Debugf("Host service request %q", req)

	switch {
	case req == "host:version":
		return smartsocket.WriteOkayString(conn, fmt.Sprintf("%04x", types.ServerVersion))
	case req == "host:devices" || req == "host:devices-l":
		return smartsocket.WriteOkayString(conn, FormatDevices(s.devices.List(), req == "host:devices-l"))
	case req == "host:kill":
		err := smartsocket.WriteOkay(conn)
		s.kill.Do(func() {
			logrus.Info("Server kill requested")
			close(s.killed)
		})
		return err
	case strings.HasPrefix(req, "host:connect:"):
		return s.connect(conn, strings.TrimPrefix(req, "host:connect:"))
	case strings.HasPrefix(req, "host:disconnect:"):
		return s.disconnect(conn, strings.TrimPrefix(req, "host:disconnect:"))
	case strings.HasPrefix(req, "host:tport:"):
		criteria, err := parseCriteria(strings.TrimPrefix(req, "host:tport:"))
		if err != nil {
			return smartsocket.WriteFail(conn, err.Error())
		}
		return s.transport(conn, criteria, true)
	case strings.HasPrefix(req, "host:transport"):
		criteria, err := parseTransport(strings.TrimPrefix(req, "host:transport"))
		if err != nil {
			return smartsocket.WriteFail(conn, err.Error())
		}
		return s.transport(conn, criteria, false)
	}
	return smartsocket.WriteFail(conn, fmt.Sprintf("unknown host service '%v'", req))
}

// parseCriteria parses the selector of host:tport:<selector>.
func parseCriteria(selector string) (device.Criteria, error) {
	switch {
	case selector == "any":
		return device.Any(), nil
	case selector == "usb":
		return device.USB(), nil
	case selector == "local" || selector == "tcp":
		return device.TCP(), nil
	case strings.HasPrefix(selector, "serial:"):
		return device.Serial(strings.TrimPrefix(selector, "serial:")), nil
	}
	return device.Criteria{}, errors.Newf("unknown transport selector '%v'", selector)
}

// parseTransport parses the suffix of the host:transport family.
func parseTransport(suffix string) (device.Criteria, error) {
	switch {
	case suffix == "-any":
		return device.Any(), nil
	case suffix == "-usb":
		return device.USB(), nil
	case suffix == "-local":
		return device.TCP(), nil
	case strings.HasPrefix(suffix, "-id:"):
		id, err := strconv.ParseUint(strings.TrimPrefix(suffix, "-id:"), 10, 64)
		if err != nil {
			return device.Criteria{}, errors.Newf("invalid transport id '%v'", strings.TrimPrefix(suffix, "-id:"))
		}
		return device.TransportID(id), nil
	case strings.HasPrefix(suffix, ":"):
		return device.Serial(strings.TrimPrefix(suffix, ":")), nil
	}
	return device.Criteria{}, errors.Newf("unknown host service 'host:transport%v'", suffix)
}

// transport selects a device, then serves the one device request that
// follows on the same connection.
func (s *Server) transport(conn net.Conn, criteria device.Criteria, sendID bool) error {
	dc, info, err := s.devices.Connection(criteria)
	if err != nil {
		return smartsocket.WriteFail(conn, err.Error())
	}
	if err := smartsocket.WriteOkay(conn); err != nil {
		return err
	}
	if sendID {
		id := make([]byte, 8)
		binary.LittleEndian.PutUint64(id, info.TransportID)
		if _, err := conn.Write(id); err != nil {
			return err
		}
	}

	req, err := readRequest(conn)
	if err != nil {
		return err
	}
	switch req {
	case "host:get-state":
		return smartsocket.WriteOkayString(conn, string(info.State))
	case "host:get-serialno":
		return smartsocket.WriteOkayString(conn, info.Serial)
	case "host:features":
		return smartsocket.WriteOkayString(conn, strings.Join(dc.Banner().Features, ","))
	}

	logrus.Debugf("Opening %q on %v for %v", req, info.Serial, conn.RemoteAddr())
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	stream, err := dc.Open(ctx, req)
	cancel()
	if err != nil {
		if errors.Is(err, types.ErrStreamRefused) {
			return smartsocket.WriteFail(conn, "closed")
		}
		return smartsocket.WriteFail(conn, err.Error())
	}
	if err := smartsocket.WriteOkay(conn); err != nil {
		stream.Close()
		return err
	}
	return util.Splice(conn, stream)
}

func (s *Server) connect(conn net.Conn, address string) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	info, added, err := s.devices.ConnectTCP(ctx, address)
	switch {
	case err != nil:
		return smartsocket.WriteOkayString(conn, fmt.Sprintf("failed to connect to '%v': %v", address, err))
	case !added:
		return smartsocket.WriteOkayString(conn, "already connected to "+info.Serial)
	}
	return smartsocket.WriteOkayString(conn, "connected to "+info.Serial)
}

func (s *Server) disconnect(conn net.Conn, serial string) error {
	if err := s.devices.Disconnect(serial); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return smartsocket.WriteFail(conn, fmt.Sprintf("no such device '%v'", serial))
		}
		return smartsocket.WriteFail(conn, err.Error())
	}
	if serial == "" {
		return smartsocket.WriteOkayString(conn, "disconnected everything")
	}
	return smartsocket.WriteOkayString(conn, "disconnected "+serial)
}

// FormatDevices renders a device listing in the host:devices format.
func FormatDevices(infos []device.Info, long bool) string {
	b := strings.Builder{}
	for _, info := range infos {
		if !long {
			fmt.Fprintf(&b, "%s\t%s\n", info.Serial, info.State)
			continue
		}
		fmt.Fprintf(&b, "%-22s %s", info.Serial, info.State)
		if info.Banner.Product != "" {
			fmt.Fprintf(&b, " product:%s", info.Banner.Product)
		}
		if info.Banner.Model != "" {
			fmt.Fprintf(&b, " model:%s", strings.ReplaceAll(info.Banner.Model, " ", "_"))
		}
		if info.Banner.Device != "" {
			fmt.Fprintf(&b, " device:%s", info.Banner.Device)
		}
		fmt.Fprintf(&b, " transport_id:%d\n", info.TransportID)
	}
	return b.String()
}
