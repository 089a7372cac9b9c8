//go:build windows

package transport

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

func isDisconnectErrno(err error) bool {
	return errors.Is(err, windows.WSAECONNRESET) || errors.Is(err, windows.WSAECONNABORTED) ||
		errors.Is(err, windows.ERROR_BROKEN_PIPE) || errors.Is(err, windows.ERROR_DEVICE_NOT_CONNECTED)
}

func isNotFoundErrno(err error) bool {
	return errors.Is(err, windows.WSAECONNREFUSED) || errors.Is(err, windows.WSAEHOSTUNREACH) ||
		errors.Is(err, windows.WSAENETUNREACH) || errors.Is(err, windows.ERROR_FILE_NOT_FOUND)
}

func isPermissionErrno(err error) bool {
	return errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.WSAEACCES)
}
