package cmd

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/goadb/adb-engine/pkg/forward"
	"github.com/goadb/adb-engine/pkg/socketspec"
)

func ForwardCmd() cli.Command {
	return cli.Command{
		Name:      "forward",
		Usage:     "forward socket connections until interrupted",
		ArgsUsage: "LOCAL REMOTE",
		Description: "LOCAL is a socket spec such as tcp:8080 or localabstract:name.\n" +
			"   REMOTE is a device destination such as tcp:8080 or localabstract:name.",
		Action: func(c *cli.Context) {
			if err := forwardPorts(c); err != nil {
				logrus.WithError(err).Fatalf("Error running forward command")
			}
		},
	}
}

func forwardPorts(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("local and remote socket specs are required")
	}
	local, err := socketspec.Parse(c.Args()[0])
	if err != nil {
		return err
	}
	dest := c.Args()[1]

	remote, criteria, err := getTarget(c)
	if err != nil {
		return err
	}
	ctx, cancel := shutdownContext()
	defer cancel()

	f, err := forward.Listen(local, dest, forward.OpenerFunc(func(ctx context.Context, destination string) (io.ReadWriteCloser, error) {
		return remote.Open(ctx, criteria, destination)
	}))
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-f.Done():
	}
	return f.Close()
}
