// Package gitdb provides access to a content-addressed object database
// holding commits, trees and blobs keyed by a 20-byte digest, plus a ref
// store with compare-and-set updates.
package gitdb

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Hash identifies an object in the database. It is the SHA-1 of the object
// header and body, matching the on-disk format of the backing store.
type Hash [20]byte

// Zero is the all-zero hash. It never names a stored object and marks
// "no object" in ref updates.
var Zero Hash

// HashFromHex parses a 40-character hex digest.
func HashFromHex(hs string) (Hash, error) {
	var h Hash
	if len(hs) != 40 {
		return h, fmt.Errorf("invalid object id %q", hs)
	}
	b, err := hex.DecodeString(hs)
	if err != nil {
		return h, fmt.Errorf("invalid object id %q: %w", hs, err)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the digest in lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the zero value.
func (h Hash) IsZero() bool {
	return h == Zero
}

// ComputeHash returns the object id for a body of the given type, using the
// standard "<type> <size>\x00<body>" header.
func ComputeHash(t Type, body []byte) Hash {
	hasher := sha1.New()
	hasher.Write(t.Bytes())
	hasher.Write([]byte(" "))
	hasher.Write([]byte(strconv.Itoa(len(body))))
	hasher.Write([]byte{0})
	hasher.Write(body)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}
