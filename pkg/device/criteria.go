package device

import (
	"fmt"

	"github.com/goadb/adb-engine/pkg/transport"
)

type CriteriaKind string

const (
	CriteriaAny         = CriteriaKind("any")
	CriteriaUSB         = CriteriaKind("usb")
	CriteriaTCP         = CriteriaKind("tcp")
	CriteriaSerial      = CriteriaKind("serial")
	CriteriaTransportID = CriteriaKind("transport-id")
)

// Criteria selects the device a request is meant for.
type Criteria struct {
	Kind        CriteriaKind
	Serial      string
	TransportID uint64
}

func Any() Criteria {
	return Criteria{Kind: CriteriaAny}
}

func USB() Criteria {
	return Criteria{Kind: CriteriaUSB}
}

func TCP() Criteria {
	return Criteria{Kind: CriteriaTCP}
}

func Serial(serial string) Criteria {
	return Criteria{Kind: CriteriaSerial, Serial: serial}
}

func TransportID(id uint64) Criteria {
	return Criteria{Kind: CriteriaTransportID, TransportID: id}
}

// unique reports whether the criteria names one device, in which case a
// miss is "not found" rather than "no devices".
func (c Criteria) unique() bool {
	return c.Kind == CriteriaSerial || c.Kind == CriteriaTransportID
}

func (c Criteria) Matches(info Info) bool {
	switch c.Kind {
	case CriteriaAny, "":
		return true
	case CriteriaUSB:
		return info.Kind == transport.KindUSB
	case CriteriaTCP:
		return info.Kind == transport.KindTCP
	case CriteriaSerial:
		return info.Serial == c.Serial
	case CriteriaTransportID:
		return info.TransportID == c.TransportID
	}
	return false
}

func (c Criteria) String() string {
	switch c.Kind {
	case CriteriaSerial:
		return "serial:" + c.Serial
	case CriteriaTransportID:
		return fmt.Sprintf("transport-id:%d", c.TransportID)
	case "":
		return string(CriteriaAny)
	}
	return string(c.Kind)
}
