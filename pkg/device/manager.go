package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/goadb/adb-engine/pkg/auth"
	"github.com/goadb/adb-engine/pkg/handshake"
	"github.com/goadb/adb-engine/pkg/mux"
	"github.com/goadb/adb-engine/pkg/transport"
	"github.com/goadb/adb-engine/pkg/types"
)

type State string

const (
	StateDevice       = State(types.DeviceStateDevice)
	StateUnauthorized = State(types.DeviceStateUnauthorized)
	StateOffline      = State(types.DeviceStateOffline)
)

var (
	ErrNoDevice          = errors.New("no devices/emulators found")
	ErrMoreThanOneDevice = errors.New("more than one device/emulator")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrManagerClosed     = errors.New("device manager is closed")
)

const (
	DefaultConnectRetries = 3
	DefaultRetryInterval  = 500 * time.Millisecond
)

// Info is a snapshot of one device known to the Manager.
type Info struct {
	Serial       string
	State        State
	Kind         transport.Kind
	Address      string
	TransportID  uint64
	Banner       handshake.Banner
	ConnectionID string
	Error        string
}

// SignerSource supplies the host keys offered during authentication.
type SignerSource interface {
	Signers() ([]auth.Signer, error)
}

type ManagerConfig struct {
	Connection Config
	Keys       SignerSource
	// Endpoints are TCP devices to keep connected.
	Endpoints         []string
	ConnectRetries    int
	RetryInterval     time.Duration
	DiscoveryInterval time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Connection:        DefaultConfig(),
		ConnectRetries:    DefaultConnectRetries,
		RetryInterval:     DefaultRetryInterval,
		DiscoveryInterval: types.DefaultDiscoveryInterval,
	}
}

type entry struct {
	info       Info
	conn       *Connection
	connecting bool
}

// Manager keeps the directory of devices: it discovers candidates through
// its enumerators, connects to them and forgets a device once its
// connection dies.
type Manager struct {
	lock sync.RWMutex

	cfg             ManagerConfig
	tcp             *transport.TCPEnumerator
	enumerators     []transport.Enumerator
	devices         map[string]*entry
	lastTransportID uint64
	closed          bool
}

func NewManager(cfg ManagerConfig, enumerators ...transport.Enumerator) (*Manager, error) {
	tcp, err := transport.NewTCPEnumerator(cfg.Endpoints...)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = types.DefaultDiscoveryInterval
	}
	return &Manager{
		cfg:         cfg,
		tcp:         tcp,
		enumerators: append([]transport.Enumerator{tcp}, enumerators...),
		devices:     map[string]*entry{},
	}, nil
}

// Run refreshes the directory every discovery interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	logrus.Infof("Device manager started, discovery interval %v", m.cfg.DiscoveryInterval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := m.Refresh(ctx); err != nil {
			logrus.WithError(err).Warn("Device discovery failed")
		}
	}, m.cfg.DiscoveryInterval)
}

// Refresh enumerates candidates and connects every one that has no live
// connection yet. Candidates are connected concurrently.
func (m *Manager) Refresh(ctx context.Context) error {
	var errs error
	seen := map[string]bool{}
	candidates := []transport.Candidate{}
	for _, e := range m.enumerators {
		found, err := e.Enumerate(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, cand := range found {
			if seen[cand.Serial()] {
				continue
			}
			seen[cand.Serial()] = true
			candidates = append(candidates, cand)
		}
	}

	if errs == nil {
		m.lock.Lock()
		for serial, e := range m.devices {
			if e.conn == nil && !e.connecting && !seen[serial] {
				logrus.Infof("Device %v is gone", serial)
				delete(m.devices, serial)
			}
		}
		m.lock.Unlock()
	}

	wg := sync.WaitGroup{}
	for _, cand := range candidates {
		if !m.claim(cand) {
			continue
		}
		wg.Add(1)
		go func(cand transport.Candidate) {
			defer wg.Done()
			m.connect(ctx, cand)
		}(cand)
	}
	wg.Wait()
	return errs
}

// claim marks cand as being connected. It fails when the device is
// already connected or another connect is in progress.
func (m *Manager) claim(cand transport.Candidate) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return false
	}
	e := m.devices[cand.Serial()]
	if e == nil {
		m.lastTransportID++
		e = &entry{
			info: Info{
				Serial:      cand.Serial(),
				State:       StateOffline,
				Kind:        cand.Kind(),
				Address:     cand.Address(),
				TransportID: m.lastTransportID,
			},
		}
		m.devices[cand.Serial()] = e
	}
	if e.conn != nil || e.connecting {
		return false
	}
	e.connecting = true
	return true
}

func (m *Manager) connect(ctx context.Context, cand transport.Candidate) (*Connection, error) {
	serial := cand.Serial()
	conn, err := m.dial(ctx, cand)

	m.lock.Lock()
	e := m.devices[serial]
	if e == nil || m.closed {
		closed := m.closed
		m.lock.Unlock()
		if conn != nil {
			conn.Close()
		}
		if closed {
			return nil, ErrManagerClosed
		}
		return nil, markf(ErrDeviceNotFound, "device '%v' was removed while connecting", serial)
	}
	e.connecting = false
	if err != nil {
		e.info.State = stateOf(err)
		e.info.Error = err.Error()
		m.lock.Unlock()
		logrus.WithError(err).Warnf("Failed to connect to %v device %v, marked %v", cand.Kind(), serial, stateOf(err))
		return nil, err
	}
	e.conn = conn
	e.info.State = StateDevice
	e.info.Banner = conn.Banner()
	e.info.ConnectionID = conn.ID
	e.info.Error = ""
	m.lock.Unlock()

	go m.watch(serial, conn)
	return conn, nil
}

// dial connects and authenticates, retrying failures that may go away.
func (m *Manager) dial(ctx context.Context, cand transport.Candidate) (*Connection, error) {
	cfg := m.cfg.Connection
	if m.cfg.Keys != nil {
		signers, err := m.cfg.Keys.Signers()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load host keys")
		}
		cfg.Handshake.Signers = signers
	}

	var (
		conn    *Connection
		lastErr error
	)
	backoff := wait.Backoff{
		Duration: m.cfg.RetryInterval,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    m.cfg.ConnectRetries,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		t, err := cand.Connect(ctx)
		if err == nil {
			conn, err = Connect(ctx, t, cfg)
		}
		if err == nil {
			return true, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return false, err
		}
		logrus.WithError(err).Debugf("Connection attempt to %v failed", cand.Address())
		return false, nil
	})
	if conn != nil {
		return conn, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, err
}

func (m *Manager) watch(serial string, conn *Connection) {
	<-conn.Done()

	m.lock.Lock()
	if e := m.devices[serial]; e != nil && e.conn == conn {
		delete(m.devices, serial)
	}
	m.lock.Unlock()
	logrus.Infof("Device %v disconnected: %v", serial, conn.Err())
}

func markf(class error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), class)
}

func stateOf(err error) State {
	if errors.Is(err, types.ErrAuthFailure) || errors.Is(err, types.ErrAuthTimeout) {
		return StateUnauthorized
	}
	return StateOffline
}

func (m *Manager) isClosed() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.closed
}

// List returns every known device ordered by transport id.
func (m *Manager) List() []Info {
	m.lock.RLock()
	defer m.lock.RUnlock()

	infos := make([]Info, 0, len(m.devices))
	for _, e := range m.devices {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TransportID < infos[j].TransportID })
	return infos
}

// Find selects exactly one device.
func (m *Manager) Find(criteria Criteria) (Info, error) {
	info, _, err := m.find(criteria)
	return info, err
}

func (m *Manager) find(criteria Criteria) (Info, *Connection, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var found *entry
	for _, e := range m.devices {
		if !criteria.Matches(e.info) {
			continue
		}
		if found != nil && !criteria.unique() {
			return Info{}, nil, ErrMoreThanOneDevice
		}
		found = e
	}
	if found != nil {
		return found.info, found.conn, nil
	}
	switch criteria.Kind {
	case CriteriaSerial:
		return Info{}, nil, markf(ErrDeviceNotFound, "device '%v' not found", criteria.Serial)
	case CriteriaTransportID:
		return Info{}, nil, markf(ErrDeviceNotFound, "no device with transport id '%d'", criteria.TransportID)
	}
	return Info{}, nil, ErrNoDevice
}

// Connection returns the live connection of the selected device.
func (m *Manager) Connection(criteria Criteria) (*Connection, Info, error) {
	info, conn, err := m.find(criteria)
	if err != nil {
		return nil, Info{}, err
	}
	if conn == nil {
		return nil, info, markf(ErrDeviceUnavailable, "device %v is %v", info.Serial, info.State)
	}
	return conn, info, nil
}

// Open opens a stream to destination on the selected device.
func (m *Manager) Open(ctx context.Context, criteria Criteria, destination string) (*mux.Stream, Info, error) {
	conn, info, err := m.Connection(criteria)
	if err != nil {
		return nil, info, err
	}
	s, err := conn.Open(ctx, destination)
	return s, info, err
}

// ConnectTCP adds a TCP endpoint and connects it right away. It reports
// false when the device was already connected.
func (m *Manager) ConnectTCP(ctx context.Context, address string) (Info, bool, error) {
	if m.isClosed() {
		return Info{}, false, ErrManagerClosed
	}
	address, err := m.tcp.Add(address)
	if err != nil {
		return Info{}, false, err
	}
	cands, err := m.tcp.Enumerate(ctx)
	if err != nil {
		return Info{}, false, err
	}
	for _, cand := range cands {
		if cand.Address() != address {
			continue
		}
		if !m.claim(cand) {
			info, err := m.Find(Serial(address))
			if err == nil && info.State == StateDevice {
				return info, false, nil
			}
			return info, false, markf(ErrDeviceUnavailable, "connection to %v already in progress", address)
		}
		if _, err := m.connect(ctx, cand); err != nil {
			m.tcp.Remove(address)
			m.forget(address)
			return Info{}, false, err
		}
		info, err := m.Find(Serial(address))
		return info, true, err
	}
	return Info{}, false, markf(ErrDeviceNotFound, "endpoint %v vanished", address)
}

// Disconnect drops a TCP device and stops rediscovering it. An empty
// serial drops every TCP device.
func (m *Manager) Disconnect(serial string) error {
	cands, err := m.tcp.Enumerate(context.Background())
	if err != nil {
		return err
	}
	targets := []string{}
	for _, cand := range cands {
		if serial == "" || cand.Serial() == serial {
			targets = append(targets, cand.Serial())
		}
	}
	if serial != "" && len(targets) == 0 {
		if normalized, err := transport.NormalizeTCPAddress(serial); err == nil && m.tcp.Remove(normalized) {
			targets = append(targets, normalized)
		}
	}
	if serial != "" && len(targets) == 0 {
		return markf(ErrDeviceNotFound, "no such device '%v'", serial)
	}

	var errs error
	for _, target := range targets {
		m.tcp.Remove(target)
		if conn := m.forget(target); conn != nil {
			errs = multierr.Append(errs, conn.Close())
		}
	}
	return errs
}

// forget removes a device entry and returns its connection, if any.
func (m *Manager) forget(serial string) *Connection {
	m.lock.Lock()
	defer m.lock.Unlock()

	e := m.devices[serial]
	if e == nil {
		return nil
	}
	delete(m.devices, serial)
	return e.conn
}

// Close disconnects every device. The Manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil
	}
	m.closed = true
	devices := m.devices
	m.devices = map[string]*entry{}
	m.lock.Unlock()

	var errs error
	for _, e := range devices {
		if e.conn != nil {
			errs = multierr.Append(errs, e.conn.Close())
		}
	}
	return errs
}

// Running reports whether the manager still serves devices.
func (m *Manager) Running() bool {
	return !m.isClosed()
}
