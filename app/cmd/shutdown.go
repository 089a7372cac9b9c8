package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/util"
)

var (
	hooksLock sync.Mutex
	hooks     = []func(){}
)

// addShutdown registers f to run when a shutdown signal arrives, before
// the command's context is cancelled. Hooks run newest first.
func addShutdown(f func()) {
	hooksLock.Lock()
	defer hooksLock.Unlock()

	hooks = append(hooks, f)
	logrus.Debugf("Added shutdown func %v", util.GetFunctionName(f))
}

func runShutdownHooks() {
	hooksLock.Lock()
	defer hooksLock.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		logrus.Debugf("Starting to execute registered shutdown func %v", util.GetFunctionName(hooks[i]))
		hooks[i]()
	}
	hooks = nil
}

// shutdownContext returns a context cancelled on SIGINT or SIGTERM.
func shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case s := <-c:
			logrus.Warnf("Received signal %v to shutdown", s)
			runShutdownHooks()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
