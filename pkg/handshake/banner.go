package handshake

import (
	"strings"
)

const (
	propProductName   = "ro.product.name"
	propProductModel  = "ro.product.model"
	propProductDevice = "ro.product.device"
	propFeatures      = "features"
)

// Banner is the identity string carried in a CNXN payload, e.g.
// "device::ro.product.name=x;ro.product.model=y;features=shell_v2,cmd".
type Banner struct {
	// Type is the connection state the peer reports: host, device,
	// recovery, bootloader, sideload or rescue.
	Type     string
	Product  string
	Model    string
	Device   string
	Features []string
}

func ParseBanner(s string) Banner {
	s = strings.TrimRight(s, "\x00")
	b := Banner{}

	parts := strings.SplitN(s, ":", 3)
	b.Type = parts[0]
	if len(parts) < 3 {
		return b
	}
	for _, prop := range strings.Split(parts[2], ";") {
		kv := strings.SplitN(prop, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case propProductName:
			b.Product = kv[1]
		case propProductModel:
			b.Model = kv[1]
		case propProductDevice:
			b.Device = kv[1]
		case propFeatures:
			if kv[1] != "" {
				b.Features = strings.Split(kv[1], ",")
			}
		}
	}
	return b
}

func (b Banner) String() string {
	props := []string{}
	if b.Product != "" {
		props = append(props, propProductName+"="+b.Product)
	}
	if b.Model != "" {
		props = append(props, propProductModel+"="+b.Model)
	}
	if b.Device != "" {
		props = append(props, propProductDevice+"="+b.Device)
	}
	if len(b.Features) > 0 {
		props = append(props, propFeatures+"="+strings.Join(b.Features, ","))
	}
	return b.Type + "::" + strings.Join(props, ";")
}

func (b Banner) HasFeature(feature string) bool {
	for _, f := range b.Features {
		if f == feature {
			return true
		}
	}
	return false
}
