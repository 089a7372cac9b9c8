package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/goadb/adb-engine/app/cmd"
	"github.com/goadb/adb-engine/pkg/meta"
	"github.com/goadb/adb-engine/pkg/types"
)

// following variables will be filled by `-ldflags "-X ..."`
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	meta.Version = Version
	meta.GitCommit = GitCommit
	meta.BuildDate = BuildDate

	a := cli.NewApp()
	a.Name = "adb"
	a.Usage = "Android Debug Bridge"
	a.Version = fmt.Sprintf("1.0.%d (%s)", types.ServerVersion, Version)
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Flags = cmd.GlobalFlags()
	a.Commands = []cli.Command{
		cmd.VersionCmd(),
		cmd.DevicesCmd(),
		cmd.ShellCmd(),
		cmd.RawCmd(),
		cmd.ConnectCmd(),
		cmd.DisconnectCmd(),
		cmd.PushCmd(),
		cmd.PullCmd(),
		cmd.ForwardCmd(),
		cmd.ServerCmd(),
		cmd.KillServerCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
