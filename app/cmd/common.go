package cmd

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli"

	"github.com/goadb/adb-engine/pkg/client"
	"github.com/goadb/adb-engine/pkg/config"
	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/socketspec"
)

// GlobalFlags are the flags accepted before the command name.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{
			Name:  "d",
			Usage: "use USB device (error if multiple devices connected)",
		},
		cli.BoolFlag{
			Name:  "e",
			Usage: "use TCP/IP device (error if multiple TCP/IP devices available)",
		},
		cli.StringFlag{
			Name:   "s",
			Usage:  "use device with given serial",
			EnvVar: "ADB_SERIAL,ANDROID_SERIAL",
		},
		cli.StringFlag{
			Name:  "t",
			Usage: "use device with given transport id",
		},
		cli.StringFlag{
			Name:  "H",
			Usage: "name of adb server host",
		},
		cli.StringFlag{
			Name:  "P",
			Usage: "port of adb server",
		},
		cli.StringFlag{
			Name:   "L",
			Usage:  "listen on given socket for adb server",
			EnvVar: "ADB_SERVER_SOCKET",
		},
		cli.StringFlag{
			Name:   "config",
			Usage:  "YAML config file",
			EnvVar: "ADB_CONFIG",
		},
		cli.BoolFlag{
			Name: "debug",
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.GlobalString("config"))
}

// serverSpec resolves the host server socket from -L, then -H/-P, then
// the config file.
func serverSpec(c *cli.Context, cfg *config.Config) (socketspec.SocketSpec, error) {
	if spec := c.GlobalString("L"); spec != "" {
		return socketspec.Parse(spec)
	}
	host, port := c.GlobalString("H"), c.GlobalString("P")
	if host == "" && port == "" {
		return cfg.ServerSpec()
	}
	def, err := cfg.ServerSpec()
	if err != nil {
		return socketspec.SocketSpec{}, err
	}
	if host == "" {
		host = def.Host
	}
	if port == "" {
		return socketspec.SocketSpec{Type: socketspec.TypeTCP, Host: host, Port: def.Port}, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return socketspec.SocketSpec{}, errors.Newf("invalid port %q", port)
	}
	return socketspec.TCP(host, uint16(p)), nil
}

func getRemote(c *cli.Context) (*client.Remote, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	spec, err := serverSpec(c, cfg)
	if err != nil {
		return nil, err
	}
	return client.NewRemote(spec), nil
}

// getCriteria turns the device selection flags into criteria. At most one
// of -d, -e, -s and -t may be given.
func getCriteria(c *cli.Context) (device.Criteria, error) {
	selected := []device.Criteria{}
	if c.GlobalBool("d") {
		selected = append(selected, device.USB())
	}
	if c.GlobalBool("e") {
		selected = append(selected, device.TCP())
	}
	if serial := c.GlobalString("s"); serial != "" {
		selected = append(selected, device.Serial(serial))
	}
	if id := c.GlobalString("t"); id != "" {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return device.Criteria{}, errors.Newf("invalid transport id %q", id)
		}
		selected = append(selected, device.TransportID(n))
	}
	switch len(selected) {
	case 0:
		return device.Any(), nil
	case 1:
		return selected[0], nil
	}
	return device.Criteria{}, errors.New("only one of -d, -e, -s and -t may be given")
}

// getTarget returns the server to talk to and the device selection.
func getTarget(c *cli.Context) (*client.Remote, device.Criteria, error) {
	remote, err := getRemote(c)
	if err != nil {
		return nil, device.Criteria{}, err
	}
	criteria, err := getCriteria(c)
	if err != nil {
		return nil, device.Criteria{}, err
	}
	return remote, criteria, nil
}
