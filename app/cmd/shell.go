package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/goadb/adb-engine/pkg/handshake"
	"github.com/goadb/adb-engine/pkg/shell"
)

func ShellCmd() cli.Command {
	return cli.Command{
		Name:      "shell",
		Usage:     "run remote shell command (interactive shell if no command given)",
		ArgsUsage: "[COMMAND...]",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "T",
				Usage: "disable pty allocation",
			},
			cli.BoolFlag{
				Name:  "t",
				Usage: "allocate a pty if on a tty",
			},
			cli.BoolFlag{
				Name:  "tt",
				Usage: "force pty allocation",
			},
			cli.BoolFlag{
				Name:  "x",
				Usage: "disable remote exit codes and stdout/stderr separation",
			},
			cli.BoolFlag{
				Name:  "n",
				Usage: "don't read from stdin",
			},
		},
		Action: func(c *cli.Context) {
			code, err := runShell(c)
			if err != nil {
				logrus.WithError(err).Fatalf("Error running shell command")
			}
			os.Exit(code)
		},
	}
}

// shellOptions picks the shell service for the command line and the
// device's features.
func shellOptions(c *cli.Context, features []string, stdinIsTerminal bool) shell.Options {
	opts := shell.Options{
		Command:  []string(c.Args()),
		Protocol: !c.Bool("x") && hasFeature(features, handshake.FeatureShellV2),
		Term:     os.Getenv("TERM"),
	}
	switch {
	case c.Bool("T"):
		opts.TTY = false
	case c.Bool("tt"):
		opts.TTY = true
	case c.Bool("t"):
		if !stdinIsTerminal {
			logrus.Warn("Remote pty will not be allocated because stdin is not a terminal, use -tt to force it")
		}
		opts.TTY = stdinIsTerminal
	default:
		opts.TTY = len(opts.Command) == 0 && stdinIsTerminal
	}
	return opts
}

func hasFeature(features []string, feature string) bool {
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}

func runShell(c *cli.Context) (int, error) {
	remote, criteria, err := getTarget(c)
	if err != nil {
		return 1, err
	}
	ctx, cancel := shutdownContext()
	defer cancel()

	reply, err := remote.DeviceQuery(ctx, criteria, "host:features")
	if err != nil {
		return 1, err
	}
	stdinIsTerminal := isTerminal(int(os.Stdin.Fd()))
	opts := shellOptions(c, strings.Split(reply, ","), stdinIsTerminal)
	logrus.Debugf("Opening %q", opts.Service())

	conn, err := remote.Open(ctx, criteria, opts.Service())
	if err != nil {
		return 1, err
	}
	defer conn.Close()

	var stdin io.Reader = os.Stdin
	if c.Bool("n") {
		stdin = nil
	}
	if opts.TTY && stdinIsTerminal {
		restore, err := makeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return 1, err
		}
		addShutdown(restore)
		defer restore()
	}

	if !opts.Protocol {
		return shell.RunRaw(ctx, conn, stdin, os.Stdout)
	}
	code, err := shell.Run(ctx, conn, stdin, os.Stdout, os.Stderr)
	if err != nil {
		return 1, errors.Wrap(err, "shell failed")
	}
	return code, nil
}

func RawCmd() cli.Command {
	return cli.Command{
		Name:      "raw",
		Usage:     "open a device service and connect it to stdin and stdout",
		ArgsUsage: "SERVICE",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "r",
				Usage: "put the terminal in raw mode",
			},
		},
		Action: func(c *cli.Context) {
			if err := raw(c); err != nil {
				logrus.WithError(err).Fatalf("Error running raw command")
			}
		},
	}
}

func raw(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("service is required")
	}
	remote, criteria, err := getTarget(c)
	if err != nil {
		return err
	}
	ctx, cancel := shutdownContext()
	defer cancel()

	conn, err := remote.Open(ctx, criteria, c.Args().First())
	if err != nil {
		return err
	}
	defer conn.Close()

	if c.Bool("r") && isTerminal(int(os.Stdin.Fd())) {
		restore, err := makeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}
		addShutdown(restore)
		defer restore()
	}
	_, err = shell.RunRaw(ctx, conn, os.Stdin, os.Stdout)
	return err
}
