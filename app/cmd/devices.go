package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	requestTimeout = 10 * time.Second
	connectTimeout = 60 * time.Second
)

func DevicesCmd() cli.Command {
	return cli.Command{
		Name:  "devices",
		Usage: "list connected devices",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "l",
				Usage: "long output",
			},
		},
		Action: func(c *cli.Context) {
			if err := devices(c); err != nil {
				logrus.WithError(err).Fatalf("Error running devices command")
			}
		},
	}
}

func devices(c *cli.Context) error {
	remote, err := getRemote(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	listing, err := remote.Devices(ctx, c.Bool("l"))
	if err != nil {
		return err
	}
	fmt.Println("List of devices attached")
	fmt.Print(listing)
	fmt.Println()
	return nil
}

func ConnectCmd() cli.Command {
	return cli.Command{
		Name:      "connect",
		Usage:     "connect to a device via TCP/IP [default port=5555]",
		ArgsUsage: "HOST[:PORT]",
		Action: func(c *cli.Context) {
			if err := connect(c); err != nil {
				logrus.WithError(err).Fatalf("Error running connect command")
			}
		},
	}
}

func connect(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: adb connect HOST[:PORT]")
	}
	remote, err := getRemote(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	msg, err := remote.Connect(ctx, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func DisconnectCmd() cli.Command {
	return cli.Command{
		Name:      "disconnect",
		Usage:     "disconnect from given TCP/IP device, or all",
		ArgsUsage: "[HOST[:PORT]]",
		Action: func(c *cli.Context) {
			if err := disconnect(c); err != nil {
				logrus.WithError(err).Fatalf("Error running disconnect command")
			}
		},
	}
}

func disconnect(c *cli.Context) error {
	remote, err := getRemote(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	msg, err := remote.Disconnect(ctx, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}
