package filesync

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Push copies a local regular file to the device. When remote names an
// existing directory the file keeps its base name inside it.
func Push(ctx context.Context, c *Client, local, remote string, progress Progress) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, errors.Newf("%v is not a regular file", local)
	}

	target, err := c.Stat(remote)
	if err != nil {
		return 0, err
	}
	if target.IsDir() {
		remote = path.Join(remote, filepath.Base(local))
	}

	logrus.Debugf("Pushing %v to %v", local, remote)
	return c.Send(ctx, f, remote, fi.Mode(), fi.ModTime(), progress)
}

// Pull copies a device file to local. When local is an existing directory
// the file keeps its base name inside it. A partial file is removed on
// failure.
func Pull(ctx context.Context, c *Client, remote, local string, progress Progress) (n int64, err error) {
	source, err := c.Stat(remote)
	if err != nil {
		return 0, err
	}
	if !source.Exists() {
		return 0, errors.Mark(errors.Newf("remote object '%v' does not exist", remote), ErrFailed)
	}
	if source.IsDir() {
		return 0, errors.Newf("remote object '%v' is a directory", remote)
	}

	if fi, err := os.Stat(local); err == nil && fi.IsDir() {
		local = filepath.Join(local, path.Base(remote))
	}

	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, source.Perm()|0o200)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(local)
		}
	}()

	logrus.Debugf("Pulling %v to %v", remote, local)
	n, err = c.Recv(ctx, remote, f, progress)
	if err != nil {
		return n, err
	}
	return n, os.Chtimes(local, source.ModTime, source.ModTime)
}
