package util

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	. "gopkg.in/check.v1"
)

// lazyFile loads a file the first time it is needed, the way the adb key
// store loads its private key.
type lazyFile struct {
	path  string
	once  Once
	loads int32
	data  []byte
}

func (l *lazyFile) get() ([]byte, error) {
	if err := l.once.Do(func() error {
		atomic.AddInt32(&l.loads, 1)
		data, err := os.ReadFile(l.path)
		if err != nil {
			return errors.Wrapf(err, "failed to load %v", l.path)
		}
		l.data = data
		return nil
	}); err != nil {
		return nil, err
	}
	return l.data, nil
}

func (s *TestSuite) TestOnceRetriesFailedLoad(c *C) {
	l := &lazyFile{path: filepath.Join(c.MkDir(), "adbkey")}

	_, err := l.get()
	c.Assert(os.IsNotExist(errors.UnwrapAll(err)), Equals, true)
	_, err = l.get()
	c.Assert(err, NotNil)
	c.Assert(atomic.LoadInt32(&l.loads), Equals, int32(2))

	c.Assert(os.WriteFile(l.path, []byte("key"), 0600), IsNil)
	data, err := l.get()
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "key")

	// Later changes to the file are not picked up once a load succeeded.
	c.Assert(os.Remove(l.path), IsNil)
	data, err = l.get()
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "key")
	c.Assert(atomic.LoadInt32(&l.loads), Equals, int32(3))
}

func (s *TestSuite) TestOnceConcurrentLoad(c *C) {
	l := &lazyFile{path: filepath.Join(c.MkDir(), "adbkey")}
	c.Assert(os.WriteFile(l.path, []byte("key"), 0600), IsNil)

	var wg sync.WaitGroup
	results := make([]string, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := l.get()
			results[i], errs[i] = string(data), err
		}(i)
	}
	wg.Wait()

	for i := range results {
		c.Assert(errs[i], IsNil)
		c.Assert(results[i], Equals, "key")
	}
	c.Assert(atomic.LoadInt32(&l.loads), Equals, int32(1))
}
