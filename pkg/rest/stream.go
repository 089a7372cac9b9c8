package rest

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/device"
	"github.com/goadb/adb-engine/pkg/util"
)

const (
	keepAlivePeriod = 15 * time.Second

	writeWait = 10 * time.Second

	readBufferSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamDevice bridges a websocket to a Logical Stream opened on the
// device. Binary messages carry stream bytes in both directions.
func (s *Server) StreamDevice(w http.ResponseWriter, r *http.Request) error {
	serial := mux.Vars(r)["serial"]
	service := r.URL.Query().Get("service")
	if service == "" {
		return errors.Mark(errors.New("missing service query parameter"), errBadRequest)
	}

	stream, info, err := s.devices.Open(r.Context(), device.Serial(serial), service)
	if err != nil {
		return err
	}
	defer stream.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		logrus.WithError(err).Debug("websocket: upgrade failed")
		return nil
	}
	defer conn.Close()

	fields := logrus.Fields{
		"id":      util.RandomID(),
		"serial":  info.Serial,
		"service": service,
	}
	logrus.WithFields(fields).Debug("websocket: open")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				logrus.WithFields(fields).Debug(err.Error())
				return
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			if _, err := stream.Write(data); err != nil {
				logrus.WithFields(fields).WithError(err).Debug("websocket: stream write failed")
				return
			}
		}
	}()

	output := make(chan []byte)
	go func() {
		defer close(output)
		buf := make([]byte, readBufferSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case output <- chunk:
				case <-done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	keepAliveTicker := time.NewTicker(keepAlivePeriod)
	defer keepAliveTicker.Stop()
	for {
		select {
		case <-done:
			logrus.WithFields(fields).Debug("websocket: closed by client")
			return nil
		case data, ok := <-output:
			if !ok {
				logrus.WithFields(fields).Debug("websocket: stream ended")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				logrus.WithFields(fields).WithError(err).Debug("websocket: write failed")
				return nil
			}
		case <-keepAliveTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
