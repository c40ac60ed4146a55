package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strconv"
	"time"
)

// Credentials authenticate private channels. Passphrase is only used by
// exchanges that issue one with the key.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Empty reports whether no key is configured.
func (c Credentials) Empty() bool { return c.APIKey == "" || c.Secret == "" }

// Algorithm selects the HMAC hash.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) hash() func() hash.Hash {
	if a == SHA512 {
		return sha512.New
	}
	return sha256.New
}

// HMAC signs message with secret.
func HMAC(message, secret string, algo Algorithm) []byte {
	h := hmac.New(algo.hash(), []byte(secret))
	h.Write([]byte(message))
	return h.Sum(nil)
}

// HMACHex returns the hex encoded signature.
func HMACHex(message, secret string, algo Algorithm) string {
	return hex.EncodeToString(HMAC(message, secret, algo))
}

// HMACBase64 returns the base64 encoded signature.
func HMACBase64(message, secret string, algo Algorithm) string {
	return base64.StdEncoding.EncodeToString(HMAC(message, secret, algo))
}

// Clock returns the current time. Adapters take one so handshakes can be
// reproduced in tests.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Millis formats t as epoch milliseconds.
func Millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Seconds formats t as epoch seconds.
func Seconds(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }
