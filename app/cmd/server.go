package cmd

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/health"
	"github.com/goadb/adb-engine/pkg/rest"
	"github.com/goadb/adb-engine/pkg/server"
	"github.com/goadb/adb-engine/pkg/util"
)

func ServerCmd() cli.Command {
	return cli.Command{
		Name:  "server",
		Usage: "run the host server in the foreground",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "rest-listen",
				Usage: "address of the status API, overrides server.rest_listen",
			},
			cli.StringFlag{
				Name:  "grpc-listen",
				Usage: "address of the gRPC health service, overrides server.grpc_listen",
			},
			cli.StringSliceFlag{
				Name:  "endpoint",
				Usage: "TCP device to connect at start, may be repeated",
			},
			cli.StringFlag{
				Name:  "log-file",
				Usage: "also write logs to this file, rotated by size",
			},
		},
		Action: func(c *cli.Context) {
			if err := startServer(c); err != nil {
				logrus.WithError(err).Fatalf("Error running server command")
			}
		},
	}
}

func startServer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("rest-listen") {
		cfg.Server.RESTListen = c.String("rest-listen")
	}
	if c.IsSet("grpc-listen") {
		cfg.Server.GRPCListen = c.String("grpc-listen")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}
	cfg.Devices.Endpoints = append(cfg.Devices.Endpoints, c.StringSlice("endpoint")...)

	if err := util.SetUpLogger(cfg.LogFile()); err != nil {
		return err
	}
	log := logrus.WithField(util.LogComponentField, "server")

	spec, err := serverSpec(c, cfg)
	if err != nil {
		return err
	}
	mcfg, err := cfg.ManagerConfig()
	if err != nil {
		return err
	}
	m, err := device.NewManager(mcfg)
	if err != nil {
		return err
	}

	ctx, cancel := shutdownContext()
	defer cancel()

	srv, err := server.Listen(spec, m)
	if err != nil {
		m.Close()
		return err
	}
	closers := []func() error{srv.Close}

	if cfg.Server.RESTListen != "" {
		l, err := net.Listen("tcp", cfg.Server.RESTListen)
		if err != nil {
			return multierr.Append(err, closeAll(m, closers))
		}
		rs := rest.NewServer(m)
		rs.Start(l)
		closers = append(closers, rs.Close)
	}

	if cfg.Server.GRPCListen != "" {
		l, err := net.Listen("tcp", cfg.Server.GRPCListen)
		if err != nil {
			return multierr.Append(err, closeAll(m, closers))
		}
		gs := health.NewServer(m)
		go func() {
			if err := gs.Serve(l); err != nil {
				log.WithError(err).Error("gRPC health server stopped")
			}
		}()
		log.Infof("gRPC health service listening on %v", l.Addr())
		closers = append(closers, func() error {
			gs.Stop()
			return nil
		})
	}

	go m.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case <-srv.Killed():
		log.Info("Killed by client request")
	}
	cancel()
	return closeAll(m, closers)
}

// closeAll runs closers in reverse order, then closes the manager.
func closeAll(m *device.Manager, closers []func() error) error {
	var errs error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, closers[i]())
	}
	return multierr.Append(errs, m.Close())
}

func KillServerCmd() cli.Command {
	return cli.Command{
		Name:  "kill-server",
		Usage: "kill the server if it is running",
		Action: func(c *cli.Context) {
			if err := killServer(c); err != nil {
				logrus.WithError(err).Fatalf("Error running kill-server command")
			}
		},
	}
}

func killServer(c *cli.Context) error {
	remote, err := getRemote(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return remote.Kill(ctx)
}
