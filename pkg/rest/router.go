package rest

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/types"

	// add pprof endpoint
	_ "net/http/pprof"
)

var errBadRequest = errors.New("bad request")

type apiError struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrMoreThanOneDevice):
		return http.StatusConflict
	case errors.Is(err, device.ErrDeviceUnavailable), errors.Is(err, device.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrStreamRefused), errors.Is(err, types.ErrConnectionClosed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func HandleError(t func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if err := t(rw, req); err != nil {
			status := statusOf(err)
			if status == http.StatusInternalServerError {
				logrus.WithError(err).Errorf("Failed to serve %v %v", req.Method, req.URL.Path)
			}
			writeJSON(rw, status, apiError{Type: "error", Status: status, Message: err.Error()})
		}
	})
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) error {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	return json.NewEncoder(rw).Encode(v)
}

func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	f := HandleError

	router.Methods("GET").Path("/ping").Handler(f(s.Ping))

	// Devices
	router.Methods("GET").Path("/v1/devices").Handler(f(s.ListDevices))
	router.Methods("GET").Path("/v1/devices/{serial}").Handler(f(s.GetDevice))

	// WebSockets
	router.Path("/v1/devices/{serial}/stream").Handler(f(s.StreamDevice))

	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return router
}
