package auth

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/util"
)

const (
	DefaultKeyName = "adbkey"
	lockSuffix     = ".lock"
	pubSuffix      = ".pub"
)

// DefaultKeyPath is $HOME/.android/adbkey.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".android", DefaultKeyName)
}

// LoadOrGenerate loads the private key at path, creating it together with
// path.pub when it does not exist. A file lock next to the key serializes
// concurrent adb processes.
func LoadOrGenerate(path string) (key *Key, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrapf(err, "failed to create key directory for %v", path)
	}

	fileLock := flock.New(path + lockSuffix)
	if err := fileLock.Lock(); err != nil {
		return nil, errors.Wrapf(err, "failed to lock %v", fileLock.Path())
	}
	defer fileLock.Unlock()

	data, err := os.ReadFile(path)
	if err == nil {
		key, err := ParsePEM(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load key %v", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to read key %v", path)
	}

	logrus.Infof("Generating new adb key at %v", path)
	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	data, err = key.MarshalPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, errors.Wrapf(err, "failed to write key %v", path)
	}
	pub := key.PublicKey()
	if err := os.WriteFile(path+pubSuffix, pub[:len(pub)-1], 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write public key %v", path+pubSuffix)
	}
	return key, nil
}

// KeyStore loads the key once on first use. A failed load is retried by
// the next caller.
type KeyStore struct {
	path string
	once util.Once
	key  *Key
}

func NewKeyStore(path string) *KeyStore {
	if path == "" {
		path = DefaultKeyPath()
	}
	return &KeyStore{
		path: path,
	}
}

func (s *KeyStore) Path() string {
	return s.path
}

func (s *KeyStore) Signers() ([]Signer, error) {
	if err := s.once.Do(func() error {
		key, err := LoadOrGenerate(s.path)
		if err != nil {
			return err
		}
		s.key = key
		return nil
	}); err != nil {
		return nil, err
	}
	return []Signer{s.key}, nil
}
