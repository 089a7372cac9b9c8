//go:build !linux

package cmd

func isTerminal(fd int) bool {
	return false
}

// makeRaw is a no-op where termios is not available.
func makeRaw(fd int) (func(), error) {
	return func() {}, nil
}
