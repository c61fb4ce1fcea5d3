// Package cipher implements the tunnel's optional encryption layer: a
// stateful stream cipher wrapping the byte stream, with a per-direction
// initial IV prepended by whichever side writes first in that direction,
// transparent to everything above it (the frame codec never sees
// ciphertext).
//
// The scheme mirrors shadowsocks/crypto/stream.py: AES in CFB mode, one
// random IV generated per direction on that direction's first write, then
// a continuing keystream for every later write on the same direction. Key
// material is derived from an operator-supplied passphrase rather than
// exchanged per-session.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize = 32 // AES-256
	ivSize  = aes.BlockSize

	pbkdf2Iterations = 4096
)

// pbkdf2Salt is a fixed, application-specific salt. It does not need to be
// secret or per-installation: its only job is domain separation from other
// uses of the same passphrase, not protecting against a stolen-passphrase
// attack (the passphrase itself is the secret).
var pbkdf2Salt = []byte("tunnelmux-stream-cipher-v1")

// DeriveKey turns an operator passphrase into a fixed-size AES-256 key.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), pbkdf2Salt, pbkdf2Iterations, keySize, sha256.New)
}

// Conn wraps a net.Conn, encrypting everything written and decrypting
// everything read. Reads and writes are each single-direction streams: the
// first Write generates a random IV and prepends it; the first Read
// expects to find the peer's IV prepended to whatever it first sends.
type Conn struct {
	net.Conn
	key []byte

	writeMu  sync.Mutex
	writeCtr cipher.Stream

	readMu  sync.Mutex
	readCtr cipher.Stream
}

// NewConn wraps conn so that every byte crossing it is encrypted with a
// key derived from passphrase.
func NewConn(conn net.Conn, passphrase string) *Conn {
	return &Conn{Conn: conn, key: DeriveKey(passphrase)}
}

// Write encrypts p and writes it to the underlying connection, prepending
// a freshly generated IV if this is the first write on this Conn.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var prefix []byte
	if c.writeCtr == nil {
		iv := make([]byte, ivSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return 0, err
		}
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return 0, err
		}
		c.writeCtr = cipher.NewCFBEncrypter(block, iv)
		prefix = iv
	}

	out := make([]byte, len(prefix)+len(p))
	copy(out, prefix)
	c.writeCtr.XORKeyStream(out[len(prefix):], p)

	if _, err := c.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts bytes from the underlying connection into p, consuming the
// peer's IV on the first call.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readCtr == nil {
		iv := make([]byte, ivSize)
		if _, err := io.ReadFull(c.Conn, iv); err != nil {
			return 0, err
		}
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return 0, err
		}
		c.readCtr = cipher.NewCFBDecrypter(block, iv)
	}

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.readCtr.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}
