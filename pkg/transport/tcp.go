package transport

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/goadb/adb-engine/pkg/types"
)

const (
	tcpDialTimeout = 10 * time.Second
)

// DialTCP connects to a device listening for adb connections on address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	dialer := &net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyConnect(err, address)
	}
	return New(conn, KindTCP, address), nil
}

// NormalizeTCPAddress appends the default device port when address has none.
func NormalizeTCPAddress(address string) (string, error) {
	if address == "" {
		return "", errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// No port, or a bare IPv6 literal.
		if _, err := strconv.Atoi(address); err == nil {
			return "", errors.Newf("invalid address %v: missing host", address)
		}
		host := strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
		return net.JoinHostPort(host, strconv.Itoa(types.DefaultDevicePort)), nil
	}
	if host == "" {
		return "", errors.Newf("invalid address %v: missing host", address)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", errors.Newf("invalid address %v: bad port", address)
	}
	return address, nil
}

type tcpCandidate struct {
	address string
}

func (t *tcpCandidate) Kind() Kind {
	return KindTCP
}

func (t *tcpCandidate) Address() string {
	return t.address
}

func (t *tcpCandidate) Serial() string {
	return t.address
}

func (t *tcpCandidate) Connect(ctx context.Context) (Transport, error) {
	return DialTCP(ctx, t.address)
}

// TCPEnumerator lists a configured, mutable set of TCP device endpoints.
type TCPEnumerator struct {
	lock      sync.RWMutex
	endpoints map[string]struct{}
}

func NewTCPEnumerator(addresses ...string) (*TCPEnumerator, error) {
	e := &TCPEnumerator{
		endpoints: map[string]struct{}{},
	}
	for _, address := range addresses {
		if _, err := e.Add(address); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Add registers an endpoint and returns its normalized address.
func (e *TCPEnumerator) Add(address string) (string, error) {
	address, err := NormalizeTCPAddress(address)
	if err != nil {
		return "", err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	e.endpoints[address] = struct{}{}
	return address, nil
}

func (e *TCPEnumerator) Remove(address string) bool {
	if normalized, err := NormalizeTCPAddress(address); err == nil {
		address = normalized
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.endpoints[address]; !ok {
		return false
	}
	delete(e.endpoints, address)
	return true
}

func (e *TCPEnumerator) Enumerate(ctx context.Context) ([]Candidate, error) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	addresses := make([]string, 0, len(e.endpoints))
	for address := range e.endpoints {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	candidates := make([]Candidate, 0, len(addresses))
	for _, address := range addresses {
		candidates = append(candidates, &tcpCandidate{address: address})
	}
	return candidates, nil
}
