//go:build !windows

package transport

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func isDisconnectErrno(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.ENODEV) ||
		errors.Is(err, unix.ENOTCONN)
}

func isNotFoundErrno(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EHOSTUNREACH) || errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.ENODEV)
}

func isPermissionErrno(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}
