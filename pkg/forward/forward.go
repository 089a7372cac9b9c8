package forward

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/goadb/adb-engine/pkg/socketspec"
	"github.com/goadb/adb-engine/pkg/util"
)

// Opener opens a stream to a device service.
type Opener interface {
	Open(ctx context.Context, destination string) (io.ReadWriteCloser, error)
}

type OpenerFunc func(ctx context.Context, destination string) (io.ReadWriteCloser, error)

func (f OpenerFunc) Open(ctx context.Context, destination string) (io.ReadWriteCloser, error) {
	return f(ctx, destination)
}

// Forwarder accepts local connections and splices each one with a new
// stream to the remote destination.
type Forwarder struct {
	local  socketspec.SocketSpec
	remote string
	opener Opener

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	lock   sync.Mutex
	active map[net.Conn]struct{}
	wg     sync.WaitGroup
}

func Listen(local socketspec.SocketSpec, remote string, opener Opener) (*Forwarder, error) {
	l, err := local.Listen()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %v", local)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		local:    local,
		remote:   remote,
		opener:   opener,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		active:   map[net.Conn]struct{}{},
	}
	go f.serve()
	logrus.Infof("Forwarding %v to %v", l.Addr(), remote)
	return f, nil
}

func (f *Forwarder) Addr() net.Addr {
	return f.listener.Addr()
}

func (f *Forwarder) Remote() string {
	return f.remote
}

// Done is closed when the forwarder stops accepting connections.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

func (f *Forwarder) serve() {
	defer close(f.done)
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() == nil {
				logrus.WithError(err).Errorf("Stopped accepting connections for %v", f.remote)
			}
			return
		}

		f.lock.Lock()
		f.active[conn] = struct{}{}
		f.wg.Add(1)
		f.lock.Unlock()
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		f.lock.Lock()
		delete(f.active, conn)
		f.lock.Unlock()
		f.wg.Done()
	}()

	stream, err := f.opener.Open(f.ctx, f.remote)
	if err != nil {
		logrus.WithError(err).Warnf("Cannot forward %v to %v", conn.RemoteAddr(), f.remote)
		return
	}
	logrus.Debugf("Forwarding connection from %v to %v", conn.RemoteAddr(), f.remote)
	if err := util.Splice(conn, stream); err != nil {
		logrus.WithError(err).Debugf("Forwarded connection to %v ended", f.remote)
	}
}

// NumActive returns the number of connections being forwarded.
func (f *Forwarder) NumActive() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.active)
}

// Close stops listening and tears down every active connection.
func (f *Forwarder) Close() error {
	f.cancel()
	err := f.listener.Close()
	<-f.done

	f.lock.Lock()
	for conn := range f.active {
		err = multierr.Append(err, conn.Close())
	}
	f.lock.Unlock()

	f.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
