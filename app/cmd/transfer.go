package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/goadb/adb-engine/pkg/filesync"
)

func PushCmd() cli.Command {
	return cli.Command{
		Name:      "push",
		Usage:     "copy a local file to the device",
		ArgsUsage: "LOCAL REMOTE",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "q",
				Usage: "suppress progress messages",
			},
		},
		Action: func(c *cli.Context) {
			if err := push(c); err != nil {
				logrus.WithError(err).Fatalf("Error running push command")
			}
		},
	}
}

func PullCmd() cli.Command {
	return cli.Command{
		Name:      "pull",
		Usage:     "copy a file from the device",
		ArgsUsage: "REMOTE [LOCAL]",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "q",
				Usage: "suppress progress messages",
			},
		},
		Action: func(c *cli.Context) {
			if err := pull(c); err != nil {
				logrus.WithError(err).Fatalf("Error running pull command")
			}
		},
	}
}

// progressBar shows the share of total transferred so far.
type progressBar struct {
	bar   *pb.ProgressBar
	total int64
}

// newProgressBar returns nil when quiet. A nil bar ignores updates.
func newProgressBar(total int64, quiet bool) *progressBar {
	if quiet {
		return nil
	}
	return &progressBar{bar: pb.StartNew(100), total: total}
}

func (p *progressBar) update(n int64) {
	if p == nil {
		return
	}
	p.bar.Set(percent(n, p.total))
}

func (p *progressBar) finish() {
	if p == nil {
		return
	}
	p.bar.Finish()
}

func percent(n, total int64) int {
	if total <= 0 || n >= total {
		return 100
	}
	return int(n * 100 / total)
}

// transferSummary renders the final line of push and pull.
func transferSummary(name, verb string, n int64, elapsed time.Duration) string {
	rate := float64(n)
	if elapsed > 0 {
		rate = float64(n) / elapsed.Seconds()
	}
	return fmt.Sprintf("%s: 1 file %s. %s/s (%s in %.3fs)",
		name, verb, units.HumanSize(rate), units.HumanSize(float64(n)), elapsed.Seconds())
}

func openSync(ctx context.Context, c *cli.Context) (*filesync.Client, error) {
	remote, criteria, err := getTarget(c)
	if err != nil {
		return nil, err
	}
	conn, err := remote.Open(ctx, criteria, "sync:")
	if err != nil {
		return nil, err
	}
	return filesync.New(conn), nil
}

func push(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("local and remote paths are required")
	}
	local, dest := c.Args()[0], c.Args()[1]

	st, err := os.Stat(local)
	if err != nil {
		return err
	}

	ctx, cancel := shutdownContext()
	defer cancel()
	sc, err := openSync(ctx, c)
	if err != nil {
		return err
	}
	defer sc.Close()

	bar := newProgressBar(st.Size(), c.Bool("q"))
	start := time.Now()
	n, err := filesync.Push(ctx, sc, local, dest, bar.update)
	bar.finish()
	if err != nil {
		return err
	}
	fmt.Println(transferSummary(local, "pushed", n, time.Since(start)))
	return nil
}

func pull(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return errors.New("remote path is required")
	}
	src, local := c.Args()[0], "."
	if c.NArg() == 2 {
		local = c.Args()[1]
	}

	ctx, cancel := shutdownContext()
	defer cancel()
	sc, err := openSync(ctx, c)
	if err != nil {
		return err
	}
	defer sc.Close()

	fi, err := sc.Stat(src)
	if err != nil {
		return err
	}

	bar := newProgressBar(int64(fi.Size), c.Bool("q"))
	start := time.Now()
	n, err := filesync.Pull(ctx, sc, src, local, bar.update)
	bar.finish()
	if err != nil {
		return err
	}
	fmt.Println(transferSummary(src, "pulled", n, time.Since(start)))
	return nil
}
