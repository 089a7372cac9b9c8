package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"os"
	"os/user"

	"github.com/cockroachdb/errors"
)

const (
	KeyBits = 2048
	// TokenSize is the length of the challenge sent by AUTH TOKEN.
	TokenSize = sha1.Size
)

// Signer answers an AUTH challenge on behalf of one private key.
type Signer interface {
	Sign(token []byte) ([]byte, error)
	// PublicKey returns the AUTH RSAPUBLICKEY payload for the key.
	PublicKey() []byte
}

type Key struct {
	priv    *rsa.PrivateKey
	comment string
}

func GenerateKey() (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate rsa key")
	}
	return NewKey(priv)
}

func NewKey(priv *rsa.PrivateKey) (*Key, error) {
	if priv.N.BitLen() != KeyBits {
		return nil, errors.Newf("rsa key must be %d bits, got %d", KeyBits, priv.N.BitLen())
	}
	return &Key{
		priv:    priv,
		comment: defaultComment(),
	}, nil
}

func defaultComment() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return name + "@" + host
}

// Sign signs the token as if it were a SHA-1 digest, which is what the
// device verifies against.
func (k *Key) Sign(token []byte) ([]byte, error) {
	if len(token) != TokenSize {
		return nil, errors.Newf("auth token must be %d bytes, got %d", TokenSize, len(token))
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign auth token")
	}
	return sig, nil
}

func (k *Key) PublicKey() []byte {
	return FormatPublicKey(&k.priv.PublicKey, k.comment)
}

func (k *Key) RSAPublicKey() *rsa.PublicKey {
	return &k.priv.PublicKey
}

func (k *Key) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func ParsePEM(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse PKCS#1 key")
		}
		priv = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse PKCS#8 key")
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Newf("unsupported private key type %T", k)
		}
		priv = rsaKey
	default:
		return nil, errors.Newf("unsupported PEM block %v", block.Type)
	}
	return NewKey(priv)
}
