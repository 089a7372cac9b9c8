package auth

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"math/big"

	"github.com/cockroachdb/errors"
)

const (
	modulusWords = KeyBits / 32
	modulusBytes = KeyBits / 8
	// word count, n0inv, modulus, R^2 mod n, exponent
	encodedKeySize = 4 + 4 + modulusBytes + modulusBytes + 4
)

// FormatPublicKey encodes pub in the layout adbd keeps in adb_keys:
// base64 of the little-endian RSAPublicKey structure, a space, the
// comment and a terminating NUL.
func FormatPublicKey(pub *rsa.PublicKey, comment string) []byte {
	raw := encodePublicKey(pub)
	out := &bytes.Buffer{}
	out.WriteString(base64.StdEncoding.EncodeToString(raw))
	if comment != "" {
		out.WriteString(" ")
		out.WriteString(comment)
	}
	out.WriteByte(0)
	return out.Bytes()
}

func encodePublicKey(pub *rsa.PublicKey) []byte {
	buf := make([]byte, encodedKeySize)
	binary.LittleEndian.PutUint32(buf[0:], modulusWords)

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0inv := new(big.Int).Mod(pub.N, r32)
	n0inv.ModInverse(n0inv, r32)
	n0inv.Sub(r32, n0inv)
	binary.LittleEndian.PutUint32(buf[4:], uint32(n0inv.Uint64()))

	putLittleEndian(buf[8:8+modulusBytes], pub.N)

	rr := new(big.Int).Lsh(big.NewInt(1), 2*KeyBits)
	rr.Mod(rr, pub.N)
	putLittleEndian(buf[8+modulusBytes:8+2*modulusBytes], rr)

	binary.LittleEndian.PutUint32(buf[8+2*modulusBytes:], uint32(pub.E))
	return buf
}

func putLittleEndian(dst []byte, v *big.Int) {
	be := v.FillBytes(make([]byte, len(dst)))
	for i := range be {
		dst[i] = be[len(be)-1-i]
	}
}

func getLittleEndian(src []byte) *big.Int {
	be := make([]byte, len(src))
	for i := range src {
		be[i] = src[len(src)-1-i]
	}
	return new(big.Int).SetBytes(be)
}

// ParsePublicKey decodes an AUTH RSAPUBLICKEY payload. It returns the key
// and the trailing comment.
func ParsePublicKey(payload []byte) (*rsa.PublicKey, string, error) {
	payload = bytes.TrimRight(payload, "\x00")
	encoded, comment := payload, []byte{}
	if i := bytes.IndexByte(payload, ' '); i >= 0 {
		encoded, comment = payload[:i], payload[i+1:]
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(raw, encoded)
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid public key encoding")
	}
	raw = raw[:n]
	if len(raw) != encodedKeySize {
		return nil, "", errors.Newf("public key is %d bytes, want %d", len(raw), encodedKeySize)
	}
	if words := binary.LittleEndian.Uint32(raw[0:]); words != modulusWords {
		return nil, "", errors.Newf("public key modulus has %d words, want %d", words, modulusWords)
	}

	pub := &rsa.PublicKey{
		N: getLittleEndian(raw[8 : 8+modulusBytes]),
		E: int(binary.LittleEndian.Uint32(raw[8+2*modulusBytes:])),
	}
	if pub.N.Sign() == 0 || pub.E < 3 {
		return nil, "", errors.New("public key has invalid modulus or exponent")
	}
	if !bytes.Equal(encodePublicKey(pub), raw) {
		return nil, "", errors.New("public key montgomery parameters do not match its modulus")
	}
	return pub, string(comment), nil
}
