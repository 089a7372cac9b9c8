package adbtest

import (
	"context"
	"encoding/binary"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goadb/adb-engine/pkg/mux"
)

const (
	ModeDir  = 0o040000
	ModeFile = 0o100000

	syncMaxChunk   = 64 * 1024
	syncMaxPathLen = 1024
)

type File struct {
	Mode  uint32
	MTime uint32
	Data  []byte
}

// FileSystem is the flat in-memory storage behind the sync service.
// Directories exist implicitly above every file.
type FileSystem struct {
	lock  sync.Mutex
	files map[string]*File
}

func NewFileSystem() *FileSystem {
	return &FileSystem{
		files: map[string]*File{},
	}
}

func (fs *FileSystem) WriteFile(name string, data []byte, mode, mtime uint32) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.files[path.Clean(name)] = &File{
		Mode:  ModeFile | (mode & 0o7777),
		MTime: mtime,
		Data:  append([]byte(nil), data...),
	}
}

func (fs *FileSystem) File(name string) (*File, bool) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	f, ok := fs.files[path.Clean(name)]
	return f, ok
}

func (fs *FileSystem) isDir(name string) bool {
	if name == "/" {
		return true
	}
	prefix := name + "/"
	for p := range fs.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (fs *FileSystem) stat(name string) (mode, size, mtime uint32) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	name = path.Clean(name)
	if f, ok := fs.files[name]; ok {
		return f.Mode, uint32(len(f.Data)), f.MTime
	}
	if fs.isDir(name) {
		return ModeDir | 0o755, 4096, 0
	}
	return 0, 0, 0
}

type dirEntry struct {
	name              string
	mode, size, mtime uint32
}

func (fs *FileSystem) list(dir string) []dirEntry {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	dir = path.Clean(dir)
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	entries := []dirEntry{
		{name: ".", mode: ModeDir | 0o755, size: 4096},
		{name: "..", mode: ModeDir | 0o755, size: 4096},
	}
	seen := map[string]bool{}
	names := []string{}
	for p := range fs.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		name := strings.SplitN(rest, "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if f, ok := fs.files[prefix+name]; ok {
			entries = append(entries, dirEntry{name: name, mode: f.Mode, size: uint32(len(f.Data)), mtime: f.MTime})
		} else {
			entries = append(entries, dirEntry{name: name, mode: ModeDir | 0o755, size: 4096})
		}
	}
	return entries
}

// Sync serves the "sync:" file transfer service on the device filesystem.
func (d *Device) Sync(ctx context.Context, service string, s *mux.Stream) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(s, header); err != nil {
			return
		}
		id := string(header[:4])
		length := binary.LittleEndian.Uint32(header[4:])
		if id == "QUIT" {
			return
		}
		if length > syncMaxPathLen {
			syncFail(s, "path too long")
			return
		}
		name := make([]byte, length)
		if _, err := io.ReadFull(s, name); err != nil {
			return
		}

		var err error
		switch id {
		case "STAT":
			mode, size, mtime := d.FS.stat(string(name))
			err = syncWrite(s, "STAT", mode, size, mtime)
		case "LIST":
			err = d.syncList(s, string(name))
		case "SEND":
			err = d.syncReceive(s, string(name))
		case "RECV":
			err = d.syncSend(s, string(name))
		default:
			syncFail(s, "unknown sync request "+strconv.Quote(id))
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Device) syncList(s *mux.Stream, dir string) error {
	if mode, _, _ := d.FS.stat(dir); mode&ModeDir == 0 {
		return syncWrite(s, "DONE", 0, 0, 0, 0)
	}
	for _, e := range d.FS.list(dir) {
		buf := syncHeader("DENT", e.mode, e.size, e.mtime, uint32(len(e.name)))
		if _, err := s.Write(append(buf, e.name...)); err != nil {
			return err
		}
	}
	return syncWrite(s, "DONE", 0, 0, 0, 0)
}

// syncReceive stores a file pushed by the host.
func (d *Device) syncReceive(s *mux.Stream, spec string) error {
	name := spec
	mode := uint64(0o644)
	if i := strings.LastIndex(spec, ","); i >= 0 {
		name = spec[:i]
		m, err := strconv.ParseUint(spec[i+1:], 10, 32)
		if err != nil {
			return syncFail(s, "bad mode "+spec[i+1:])
		}
		mode = m
	}

	data := []byte{}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(s, header); err != nil {
			return err
		}
		id := string(header[:4])
		arg := binary.LittleEndian.Uint32(header[4:])
		switch id {
		case "DATA":
			if arg > syncMaxChunk {
				return syncFail(s, "data chunk too large")
			}
			chunk := make([]byte, arg)
			if _, err := io.ReadFull(s, chunk); err != nil {
				return err
			}
			data = append(data, chunk...)
		case "DONE":
			if d.FS.isDirPath(name) {
				return syncFail(s, name+": Is a directory")
			}
			d.FS.WriteFile(name, data, uint32(mode), arg)
			return syncWrite(s, "OKAY", 0)
		default:
			return syncFail(s, "unexpected "+strconv.Quote(id)+" during SEND")
		}
	}
}

// syncSend streams a device file to the host.
func (d *Device) syncSend(s *mux.Stream, name string) error {
	f, ok := d.FS.File(name)
	if !ok {
		return syncFail(s, name+": No such file or directory")
	}
	for data := f.Data; len(data) > 0; {
		n := len(data)
		if n > syncMaxChunk {
			n = syncMaxChunk
		}
		if _, err := s.Write(append(syncHeader("DATA", uint32(n)), data[:n]...)); err != nil {
			return err
		}
		data = data[n:]
	}
	return syncWrite(s, "DONE", 0)
}

func (fs *FileSystem) isDirPath(name string) bool {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.isDir(path.Clean(name))
}

func syncHeader(id string, args ...uint32) []byte {
	buf := make([]byte, 4+4*len(args))
	copy(buf, id)
	for i, arg := range args {
		binary.LittleEndian.PutUint32(buf[4+4*i:], arg)
	}
	return buf
}

func syncWrite(s *mux.Stream, id string, args ...uint32) error {
	_, err := s.Write(syncHeader(id, args...))
	return err
}

func syncFail(s *mux.Stream, msg string) error {
	if _, err := s.Write(append(syncHeader("FAIL", uint32(len(msg))), msg...)); err != nil {
		return err
	}
	return io.EOF
}
