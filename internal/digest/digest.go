// Package digest maps algorithm names and hex digests to hash implementations.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/nuxeo/nuxeo-go/apierrors"
)

var byName = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// hex length -> algorithm
var byHexLength = map[int]string{
	32:  "md5",
	40:  "sha1",
	56:  "sha224",
	64:  "sha256",
	96:  "sha384",
	128: "sha512",
}

// New returns a hash for the given algorithm name ("md5", "SHA-256", "sha256" ...).
func New(algorithm string) (hash.Hash, error) {
	name := strings.ReplaceAll(strings.ToLower(algorithm), "-", "")
	fn, ok := byName[name]
	if !ok {
		return nil, &apierrors.UnknownDigest{Digest: algorithm}
	}
	return fn(), nil
}

// Algorithm guesses the algorithm of a hex digest from its length.
func Algorithm(hexDigest string) (string, error) {
	name, ok := byHexLength[len(hexDigest)]
	if !ok {
		return "", &apierrors.UnknownDigest{Digest: hexDigest}
	}
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return "", &apierrors.UnknownDigest{Digest: hexDigest}
	}
	return name, nil
}

// ForHex returns a hash able to reproduce the given hex digest.
func ForHex(hexDigest string) (hash.Hash, error) {
	name, err := Algorithm(hexDigest)
	if err != nil {
		return nil, err
	}
	return New(name)
}

// OfReader computes the hex digest of r with the given algorithm.
func OfReader(algorithm string, r io.Reader) (string, error) {
	h, err := New(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
