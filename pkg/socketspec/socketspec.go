package socketspec

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalid         = errors.New("invalid socket spec")
	ErrMissingHost     = errors.New("socket spec has no host")
	ErrUnsupportedType = errors.New("socket spec type unsupported on this platform")
)

type Type string

const (
	TypeTCP            = Type("tcp")
	TypeUnixAbstract   = Type("localabstract")
	TypeUnixFilesystem = Type("localfilesystem")
	TypeVsock          = Type("vsock")
)

// SocketSpec is an adb socket address such as tcp:localhost:5037 or
// localabstract:adbd.
type SocketSpec struct {
	Type Type
	// Host is empty for hostless tcp/vsock specs. IPv6 hosts keep their brackets.
	Host string
	Port uint32
	Path string
}

func TCP(host string, port uint16) SocketSpec {
	return SocketSpec{Type: TypeTCP, Host: host, Port: uint32(port)}
}

func Parse(s string) (SocketSpec, error) {
	switch {
	case strings.HasPrefix(s, "tcp:"):
		host, port, err := parseHostPort(strings.TrimPrefix(s, "tcp:"), 65535)
		if err != nil {
			return SocketSpec{}, errors.Wrapf(err, "%q", s)
		}
		return SocketSpec{Type: TypeTCP, Host: host, Port: port}, nil
	case strings.HasPrefix(s, "vsock:"):
		host, port, err := parseHostPort(strings.TrimPrefix(s, "vsock:"), 1<<32-1)
		if err != nil {
			return SocketSpec{}, errors.Wrapf(err, "%q", s)
		}
		return SocketSpec{Type: TypeVsock, Host: host, Port: port}, nil
	case strings.HasPrefix(s, "localabstract:"):
		return unixSpec(TypeUnixAbstract, strings.TrimPrefix(s, "localabstract:"), s)
	case strings.HasPrefix(s, "localfilesystem:"):
		return unixSpec(TypeUnixFilesystem, strings.TrimPrefix(s, "localfilesystem:"), s)
	case strings.HasPrefix(s, "local:"):
		return unixSpec(TypeUnixFilesystem, strings.TrimPrefix(s, "local:"), s)
	}
	return SocketSpec{}, errors.Wrapf(ErrInvalid, "%q", s)
}

func unixSpec(t Type, path, s string) (SocketSpec, error) {
	if path == "" {
		return SocketSpec{}, errors.Wrapf(ErrInvalid, "%q: empty path", s)
	}
	return SocketSpec{Type: t, Path: path}, nil
}

func parseHostPort(tail string, maxPort uint64) (string, uint32, error) {
	if port, err := parsePort(tail, maxPort); err == nil {
		return "", port, nil
	}

	var host, rest string
	if strings.HasPrefix(tail, "[") {
		end := strings.Index(tail, "]")
		if end < 0 {
			return "", 0, ErrInvalid
		}
		host, rest = tail[:end+1], tail[end+1:]
		if host == "[]" {
			return "", 0, ErrInvalid
		}
	} else {
		colon := strings.Index(tail, ":")
		if colon <= 0 {
			return "", 0, ErrInvalid
		}
		host, rest = tail[:colon], tail[colon:]
	}
	if !strings.HasPrefix(rest, ":") {
		return "", 0, ErrInvalid
	}
	port, err := parsePort(rest[1:], maxPort)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(s string, maxPort uint64) (uint32, error) {
	if s == "" || strings.HasPrefix(s, "+") {
		return 0, ErrInvalid
	}
	port, err := strconv.ParseUint(s, 10, 64)
	if err != nil || port > maxPort {
		return 0, ErrInvalid
	}
	return uint32(port), nil
}

func (s SocketSpec) String() string {
	switch s.Type {
	case TypeTCP, TypeVsock:
		if s.Host == "" {
			return fmt.Sprintf("%v:%d", s.Type, s.Port)
		}
		return fmt.Sprintf("%v:%v:%d", s.Type, s.Host, s.Port)
	case TypeUnixAbstract, TypeUnixFilesystem:
		return fmt.Sprintf("%v:%v", s.Type, s.Path)
	}
	return "unknown:"
}

// Address is the dialable network address of a tcp spec.
func (s SocketSpec) Address() string {
	host := strings.TrimSuffix(strings.TrimPrefix(s.Host, "["), "]")
	return net.JoinHostPort(host, strconv.FormatUint(uint64(s.Port), 10))
}

func (s SocketSpec) network() (string, string, error) {
	switch s.Type {
	case TypeTCP:
		return "tcp", s.Address(), nil
	case TypeUnixAbstract:
		if runtime.GOOS != "linux" && runtime.GOOS != "android" {
			return "", "", errors.Wrapf(ErrUnsupportedType, "%v", s)
		}
		return "unix", "@" + s.Path, nil
	case TypeUnixFilesystem:
		if runtime.GOOS == "windows" {
			return "", "", errors.Wrapf(ErrUnsupportedType, "%v", s)
		}
		return "unix", s.Path, nil
	}
	return "", "", errors.Wrapf(ErrUnsupportedType, "%v", s)
}

func (s SocketSpec) Dial(ctx context.Context) (net.Conn, error) {
	if s.Type == TypeTCP && s.Host == "" {
		return nil, errors.Wrapf(ErrMissingHost, "cannot dial %v", s)
	}
	network, address, err := s.network()
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %v", s)
	}
	return conn, nil
}

// Listen listens on the spec. Hostless tcp specs bind localhost.
func (s SocketSpec) Listen() (net.Listener, error) {
	if s.Type == TypeTCP && s.Host == "" {
		s.Host = "localhost"
	}
	network, address, err := s.network()
	if err != nil {
		return nil, err
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %v", s)
	}
	return l, nil
}
