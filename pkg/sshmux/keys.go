package sshmux

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKey generates a keypair for the session server end, using an
// optional seed that will produce the same keypair every time. If seed is
// "", a random key is generated.
func GenerateKey(seed string) ([]byte, error) {
	var r io.Reader
	if seed == "" {
		r = rand.Reader
	} else {
		r = newDetermRand([]byte(seed))
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), r)
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("Unable to marshal ECDSA private key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// FingerprintKey returns a standard fingerprint hash string for a session
// public key, which clients can use to authenticate the server.
func FingerprintKey(k ssh.PublicKey) string {
	bytes := md5.Sum(k.Marshal())
	strbytes := make([]string, len(bytes))
	for i, b := range bytes {
		strbytes[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(strbytes, ":")
}

// determRand is a deterministic cryptographic-quality random stream seeded
// from a byte string, for reproducible test keys.
type determRand struct {
	seed []byte
	buf  []byte
}

func newDetermRand(seed []byte) io.Reader {
	h := sha256.Sum256(seed)
	return &determRand{seed: h[:]}
}

func (d *determRand) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(d.buf) == 0 {
			next := sha256.Sum256(d.seed)
			d.seed = next[:]
			block := sha256.Sum256(append([]byte("out"), d.seed...))
			d.buf = block[:]
		}
		c := copy(p[n:], d.buf)
		d.buf = d.buf[c:]
		n += c
	}
	return n, nil
}
