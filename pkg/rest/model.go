package rest

import (
	"github.com/goadb/adb-engine/pkg/device"
)

type Device struct {
	Type         string   `json:"type"`
	Serial       string   `json:"serial"`
	State        string   `json:"state"`
	Kind         string   `json:"kind"`
	Address      string   `json:"address"`
	TransportID  uint64   `json:"transportId"`
	ConnectionID string   `json:"connectionId,omitempty"`
	Product      string   `json:"product,omitempty"`
	Model        string   `json:"model,omitempty"`
	Device       string   `json:"device,omitempty"`
	Features     []string `json:"features,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type DeviceCollection struct {
	Type string   `json:"type"`
	Data []Device `json:"data"`
}

func NewDevice(info device.Info) Device {
	return Device{
		Type:         "device",
		Serial:       info.Serial,
		State:        string(info.State),
		Kind:         string(info.Kind),
		Address:      info.Address,
		TransportID:  info.TransportID,
		ConnectionID: info.ConnectionID,
		Product:      info.Banner.Product,
		Model:        info.Banner.Model,
		Device:       info.Banner.Device,
		Features:     info.Banner.Features,
		Error:        info.Error,
	}
}
