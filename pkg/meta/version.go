package meta

import (
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

// Following variables are filled in by main.go
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string
	GitCommit string
	BuildDate string

	// ServerVersion is the host service revision answered to host:version.
	ServerVersion int
	// ProtocolVersion is the newest device protocol revision offered in CNXN.
	ProtocolVersion uint32
	MaxPayload      uint32
}

func GetVersion() *VersionOutput {
	return &VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		ServerVersion:   types.ServerVersion,
		ProtocolVersion: wire.VersionMin,
		MaxPayload:      wire.MaxPayload,
	}
}
