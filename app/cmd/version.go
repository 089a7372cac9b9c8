package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/goadb/adb-engine/pkg/meta"
)

func VersionCmd() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "show version numbers of this client and the running server",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name: "client-only",
			},
		},
		Action: func(c *cli.Context) {
			if err := version(c); err != nil {
				logrus.WithError(err).Fatalf("Error running version command")
			}
		},
	}
}

type VersionOutput struct {
	ClientVersion *meta.VersionOutput `json:"clientVersion"`
	ServerVersion *int                `json:"serverVersion,omitempty"`
}

func version(c *cli.Context) error {
	v := VersionOutput{ClientVersion: meta.GetVersion()}

	if !c.Bool("client-only") {
		remote, err := getRemote(c)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		serverVersion, err := remote.Version(ctx)
		if err != nil {
			return err
		}
		v.ServerVersion = &serverVersion
	}
	output, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}

	fmt.Println(string(output))
	return nil
}
