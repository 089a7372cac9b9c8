package types

import (
	"time"
)

const (
	// ServerVersion is the host service protocol revision reported by host:version.
	ServerVersion = 41

	DefaultServerPort = 5037
	DefaultDevicePort = 5555

	DeviceStateDevice       = "device"
	DeviceStateUnauthorized = "unauthorized"
	DeviceStateOffline      = "offline"

	TransportKindUSB   = "usb"
	TransportKindTCP   = "tcp"
	TransportKindLocal = "local"
)

var (
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultDiscoveryInterval = 5 * time.Second

	WaitInterval = 100 * time.Millisecond
	WaitCount    = 600
)
