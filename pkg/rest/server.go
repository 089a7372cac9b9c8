package rest

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/device"
	streammux "github.com/goadb/adb-engine/pkg/mux"
	"github.com/goadb/adb-engine/pkg/util"
)

// Devices is the part of the device manager the API exposes.
type Devices interface {
	List() []device.Info
	Find(criteria device.Criteria) (device.Info, error)
	Open(ctx context.Context, criteria device.Criteria, destination string) (*streammux.Stream, device.Info, error)
}

type Server struct {
	devices Devices
	http    *http.Server
}

func NewServer(devices Devices) *Server {
	return &Server{devices: devices}
}

// Handler returns the routed API with access logging. Health probes on
// /ping are not logged.
func (s *Server) Handler() http.Handler {
	router := http.Handler(NewRouter(s))
	router = util.FilteredLoggingHandler(map[string]struct{}{"/ping": {}}, os.Stdout, router)
	return handlers.ProxyHeaders(router)
}

// Start serves the API on l in the background.
func (s *Server) Start(l net.Listener) {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.Infof("Status API listening on %v", l.Addr())
	go func() {
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Status API stopped")
		}
	}()
}

func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

func (s *Server) Ping(rw http.ResponseWriter, req *http.Request) error {
	rw.Header().Set("Content-Type", "text/plain")
	_, err := rw.Write([]byte("pong"))
	return err
}

func (s *Server) ListDevices(rw http.ResponseWriter, req *http.Request) error {
	infos := s.devices.List()
	resp := DeviceCollection{Type: "collection", Data: make([]Device, 0, len(infos))}
	for _, info := range infos {
		resp.Data = append(resp.Data, NewDevice(info))
	}
	return writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) GetDevice(rw http.ResponseWriter, req *http.Request) error {
	serial := mux.Vars(req)["serial"]
	info, err := s.devices.Find(device.Serial(serial))
	if err != nil {
		return err
	}
	return writeJSON(rw, http.StatusOK, NewDevice(info))
}
