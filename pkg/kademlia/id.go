// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"math/bits"

	"github.com/zeebo/errs"
)

// IDLength is the length of a node or key ID in bytes. IDs are SHA-1
// digests, so the keyspace is 160 bits.
const IDLength = sha1.Size

// ID identifies a node or a key in the 160-bit XOR keyspace.
type ID [IDLength]byte

// IDFromAddress derives a node's ID from its contact address. Identity
// follows the bound address, so a node that re-homes to the master
// port takes on the master identity.
func IDFromAddress(address string) ID {
	return ID(sha1.Sum([]byte(address)))
}

// KeyID maps a storage key onto the keyspace.
func KeyID(key string) ID {
	return ID(sha1.Sum([]byte(key)))
}

// Distance returns the XOR distance between two IDs.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less compares two IDs as big-endian integers.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// BucketIndex returns the routing table bucket for a distance: the
// index of the highest set bit, or 0 for the self distance.
func (id ID) BucketIndex() int {
	for i, b := range id {
		if b != 0 {
			return (IDLength-1-i)*8 + bits.Len8(b) - 1
		}
	}
	return 0
}

// String returns the hex form of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler using the hex form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return errs.Wrap(err)
	}
	if len(raw) != IDLength {
		return errs.New("invalid id length %d", len(raw))
	}
	copy(id[:], raw)
	return nil
}
