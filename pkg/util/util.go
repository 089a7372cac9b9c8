package util

import (
	"context"
	"io"
	"net/http"
	"reflect"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
)

const (
	randomIDLenth = 8
)

func UUID() string {
	return uuid.New().String()
}

func RandomID() string {
	return UUID()[:randomIDLenth]
}

func GetFunctionName(i interface{}) string {
	return runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

// ParseSize parses a human readable size such as "256KiB" or "4096" and
// checks it lies within [min, max].
func ParseSize(size string, min, max int64) (int64, error) {
	if size == "" {
		return 0, errors.New("empty size")
	}
	n, err := units.RAMInBytes(size)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %v", size)
	}
	if n < min || n > max {
		return 0, errors.Newf("size %v out of range [%v, %v]",
			size, units.BytesSize(float64(min)), units.BytesSize(float64(max)))
	}
	return n, nil
}

type filteredLoggingHandler struct {
	filteredPaths  map[string]struct{}
	handler        http.Handler
	loggingHandler http.Handler
}

func FilteredLoggingHandler(filteredPaths map[string]struct{}, writer io.Writer, router http.Handler) http.Handler {
	return filteredLoggingHandler{
		filteredPaths:  filteredPaths,
		handler:        router,
		loggingHandler: handlers.CombinedLoggingHandler(writer, router),
	}
}

func (h filteredLoggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		if _, exists := h.filteredPaths[req.URL.Path]; exists {
			h.handler.ServeHTTP(w, req)
			return
		}
	}
	h.loggingHandler.ServeHTTP(w, req)
}

// Splice copies between a and b in both directions until one side hits
// EOF or an error, then closes both. It returns the error of the half that
// finished first.
func Splice(a, b io.ReadWriteCloser) error {
	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	copyHalf := func(dst io.Writer, src io.Reader) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		once.Do(func() {
			firstErr = err
		})
		a.Close()
		b.Close()
	}

	wg.Add(2)
	go copyHalf(a, b)
	go copyHalf(b, a)
	wg.Wait()

	return firstErr
}

// CloseOnCancel closes c once ctx is done, unblocking pending reads and
// writes on it. Calling the returned func stops the watch.
func CloseOnCancel(ctx context.Context, c io.Closer) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
