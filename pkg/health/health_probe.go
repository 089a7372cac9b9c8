package health

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the service reported in addition to the server-wide
// empty name.
const ServiceName = "adb.DeviceManager"

const watchInterval = time.Second

// Source reports whether the device manager is running.
type Source interface {
	Running() bool
}

type CheckServer struct {
	source   Source
	interval time.Duration
}

func NewHealthCheckServer(source Source) *CheckServer {
	return &CheckServer{
		source:   source,
		interval: watchInterval,
	}
}

// NewServer returns a gRPC server exposing the health service and
// reflection.
func NewServer(source Source) *grpc.Server {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, NewHealthCheckServer(source))
	reflection.Register(server)
	return server
}

func (hc *CheckServer) status() healthpb.HealthCheckResponse_ServingStatus {
	if hc.source != nil && hc.source.Running() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func known(service string) bool {
	return service == "" || service == ServiceName
}

func (hc *CheckServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !known(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	st := hc.status()
	if st != healthpb.HealthCheckResponse_SERVING {
		return &healthpb.HealthCheckResponse{Status: st}, errors.New("device manager is not running")
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

func (hc *CheckServer) List(ctx context.Context, req *healthpb.HealthListRequest) (*healthpb.HealthListResponse, error) {
	st := hc.status()
	return &healthpb.HealthListResponse{
		Statuses: map[string]*healthpb.HealthCheckResponse{
			"":          {Status: st},
			ServiceName: {Status: st},
		},
	}, nil
}

// Watch sends the current status and then every change of it.
func (hc *CheckServer) Watch(req *healthpb.HealthCheckRequest, ws healthpb.Health_WatchServer) error {
	if !known(req.GetService()) {
		return ws.Send(&healthpb.HealthCheckResponse{
			Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN,
		})
	}

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		if st := hc.status(); st != last {
			if err := ws.Send(&healthpb.HealthCheckResponse{Status: st}); err != nil {
				logrus.Errorf("Failed to send health check result %v for gRPC device manager server: %v", st, err)
				return err
			}
			last = st
		}
		select {
		case <-ws.Context().Done():
			return nil
		case <-ticker.C:
		}
	}
}
