package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/smartsocket"
	"github.com/goadb/adb-engine/pkg/socketspec"
	"github.com/goadb/adb-engine/pkg/types"
)

var (
	ErrService        = smartsocket.ErrService
	ErrUnexpectedData = smartsocket.ErrUnexpectedData
)

// Remote talks to a host server listening on a socket spec.
type Remote struct {
	spec socketspec.SocketSpec
}

func NewRemote(spec socketspec.SocketSpec) *Remote {
	return &Remote{spec: spec}
}

func (r *Remote) Spec() socketspec.SocketSpec {
	return r.spec
}

func (r *Remote) dial(ctx context.Context) (net.Conn, error) {
	conn, err := r.spec.Dial(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to adb server at %v", r.spec)
	}
	return conn, nil
}

func request(conn net.Conn, req string) error {
	if err := smartsocket.WriteHexPrefixed(conn, []byte(req)); err != nil {
		return errors.Wrapf(err, "failed to send %q", req)
	}
	return smartsocket.ReadStatus(conn)
}

// OpenChannel sends a host service request and returns the connection
// positioned after the OKAY.
func (r *Remote) OpenChannel(ctx context.Context, service string) (net.Conn, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := request(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// OpenDeviceChannel selects a device with host:tport and then opens
// service on it. The returned connection carries the service's bytes.
func (r *Remote) OpenDeviceChannel(ctx context.Context, criteria device.Criteria, service string) (uint64, net.Conn, error) {
	selector, err := tportSelector(criteria)
	if err != nil {
		return 0, nil, err
	}
	conn, err := r.OpenChannel(ctx, "host:tport:"+selector)
	if err != nil {
		return 0, nil, err
	}
	id := make([]byte, 8)
	if _, err := io.ReadFull(conn, id); err != nil {
		conn.Close()
		return 0, nil, errors.Mark(errors.Wrap(err, "failed to read transport id"), ErrUnexpectedData)
	}
	if err := request(conn, service); err != nil {
		conn.Close()
		return 0, nil, err
	}
	return binary.LittleEndian.Uint64(id), conn, nil
}

// openTransport selects a device with the host:transport family, for
// selectors host:tport cannot express.
func (r *Remote) openTransport(ctx context.Context, criteria device.Criteria, service string) (net.Conn, error) {
	var req string
	switch criteria.Kind {
	case device.CriteriaTransportID:
		req = "host:transport-id:" + strconv.FormatUint(criteria.TransportID, 10)
	case device.CriteriaSerial:
		req = "host:transport:" + criteria.Serial
	case device.CriteriaUSB:
		req = "host:transport-usb"
	case device.CriteriaTCP:
		req = "host:transport-local"
	default:
		req = "host:transport-any"
	}
	conn, err := r.OpenChannel(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := request(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func tportSelector(criteria device.Criteria) (string, error) {
	switch criteria.Kind {
	case device.CriteriaAny, "":
		return "any", nil
	case device.CriteriaUSB:
		return "usb", nil
	case device.CriteriaTCP:
		return "local", nil
	case device.CriteriaSerial:
		return "serial:" + criteria.Serial, nil
	}
	return "", errors.Newf("cannot select %v with host:tport", criteria)
}

// Open opens service on the selected device. Transport id selection goes
// through host:transport-id, everything else through host:tport.
func (r *Remote) Open(ctx context.Context, criteria device.Criteria, service string) (net.Conn, error) {
	if criteria.Kind == device.CriteriaTransportID {
		return r.openTransport(ctx, criteria, service)
	}
	_, conn, err := r.OpenDeviceChannel(ctx, criteria, service)
	return conn, err
}

// Query sends a host request that is answered with a single string.
func (r *Remote) Query(ctx context.Context, req string) (string, error) {
	conn, err := r.OpenChannel(ctx, req)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return readString(conn)
}

// DeviceQuery sends a request answered by the server for the selected
// device, such as host:get-state.
func (r *Remote) DeviceQuery(ctx context.Context, criteria device.Criteria, req string) (string, error) {
	conn, err := r.openTransport(ctx, criteria, req)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return readString(conn)
}

func readString(conn net.Conn) (string, error) {
	data, err := smartsocket.ReadHexPrefixed(conn)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "failed to read reply"), ErrUnexpectedData)
	}
	return string(data), nil
}

func (r *Remote) Version(ctx context.Context) (int, error) {
	reply, err := r.Query(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseUint(reply, 16, 32)
	if err != nil {
		return 0, errors.Mark(errors.Newf("bad version reply %q", reply), ErrUnexpectedData)
	}
	return int(version), nil
}

func (r *Remote) Devices(ctx context.Context, long bool) (string, error) {
	if long {
		return r.Query(ctx, "host:devices-l")
	}
	return r.Query(ctx, "host:devices")
}

// Connect asks the server to connect a TCP device. The reply is the
// server's message, which also reports connection failures.
func (r *Remote) Connect(ctx context.Context, address string) (string, error) {
	return r.Query(ctx, "host:connect:"+address)
}

func (r *Remote) Disconnect(ctx context.Context, serial string) (string, error) {
	return r.Query(ctx, "host:disconnect:"+serial)
}

// Kill asks the server to exit.
func (r *Remote) Kill(ctx context.Context) error {
	conn, err := r.OpenChannel(ctx, "host:kill")
	if err != nil {
		return err
	}
	return conn.Close()
}

// CheckVersion fails when the server speaks a different revision.
func (r *Remote) CheckVersion(ctx context.Context) error {
	version, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if version != types.ServerVersion {
		return errors.Newf("adb server version (%d) doesn't match this client (%d)", version, types.ServerVersion)
	}
	return nil
}

func (r *Remote) String() string {
	return fmt.Sprintf("adb server at %v", r.spec)
}
