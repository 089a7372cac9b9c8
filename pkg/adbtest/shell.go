package adbtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/goadb/adb-engine/pkg/mux"
)

const (
	packetStdin      = 0
	packetStdout     = 1
	packetStderr     = 2
	packetExit       = 3
	packetCloseStdin = 4
	packetWindowSize = 5

	packetHeaderSize = 5
)

// Command is a simulated shell command. It returns the exit code.
type Command func(args []string, stdin io.Reader, stdout, stderr io.Writer) int

// Commands understood by the simulated shell. A trailing ">&2" argument
// sends output to stderr.
var Commands = map[string]Command{
	"echo": func(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	},
	"cat": func(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		if _, err := io.Copy(stdout, stdin); err != nil {
			return 1
		}
		return 0
	},
	"true": func(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		return 0
	},
	"false": func(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		return 1
	},
	"exit": func(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		if len(args) == 0 {
			return 0
		}
		code, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(stderr, "exit: %v: bad number\n", args[0])
			return 2
		}
		return code
	},
}

func runCommand(line string, stdin io.Reader, stdout, stderr io.Writer) int {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0
	}
	if fields[len(fields)-1] == ">&2" {
		fields = fields[:len(fields)-1]
		stdout = stderr
	}
	cmd, ok := Commands[fields[0]]
	if !ok {
		fmt.Fprintf(stderr, "/system/bin/sh: %v: inaccessible or not found\n", fields[0])
		return 127
	}
	return cmd(fields[1:], stdin, stdout, stderr)
}

func shellCommand(service string) string {
	if i := strings.Index(service, ":"); i >= 0 {
		return service[i+1:]
	}
	return ""
}

// RawShell serves "shell:<cmd>": output is written to the stream as is
// and the stream is closed when the command ends.
func RawShell(ctx context.Context, service string, s *mux.Stream) {
	runCommand(shellCommand(service), s, s, s)
}

// ShellV2 serves "shell,v2,...:<cmd>" with the packet protocol.
func ShellV2(ctx context.Context, service string, s *mux.Stream) {
	stdinReader, stdinWriter := io.Pipe()
	out := &packetWriter{s: s}

	go func() {
		defer stdinWriter.Close()
		header := make([]byte, packetHeaderSize)
		for {
			if _, err := io.ReadFull(s, header); err != nil {
				return
			}
			data := make([]byte, binary.LittleEndian.Uint32(header[1:]))
			if _, err := io.ReadFull(s, data); err != nil {
				return
			}
			switch header[0] {
			case packetStdin:
				if _, err := stdinWriter.Write(data); err != nil {
					return
				}
			case packetCloseStdin:
				return
			case packetWindowSize:
			default:
				return
			}
		}
	}()

	code := runCommand(shellCommand(service), stdinReader,
		out.channel(packetStdout), out.channel(packetStderr))
	stdinReader.Close()
	out.write(packetExit, []byte{byte(code)})
}

type packetWriter struct {
	lock sync.Mutex
	s    *mux.Stream
}

func (p *packetWriter) write(id byte, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	buf := make([]byte, packetHeaderSize+len(data))
	buf[0] = id
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(data)))
	copy(buf[packetHeaderSize:], data)
	_, err := p.s.Write(buf)
	return err
}

func (p *packetWriter) channel(id byte) io.Writer {
	return writerFunc(func(data []byte) (int, error) {
		if err := p.write(id, data); err != nil {
			return 0, err
		}
		return len(data), nil
	})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}
