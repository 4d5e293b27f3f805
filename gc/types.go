// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package gc implements the cross-database mark-sweep garbage collector and
// reference checker for a federation of content-addressed object stores.
package gc

import (
	"encoding/binary"
	"fmt"
)

// OID is an 8-byte big-endian object id, opaque to this package and scoped
// to a single database name.
type OID [8]byte

// RootOID is the all-zeros oid every database's root object lives at.
var RootOID OID

// Uint64 returns the big-endian integer value of the oid, used only for
// logging and diagnostics.
func (o OID) Uint64() uint64 { return binary.BigEndian.Uint64(o[:]) }

func (o OID) String() string { return fmt.Sprintf("%016x", o.Uint64()) }

// OIDFromUint64 builds an OID from its big-endian integer value.
func OIDFromUint64(v uint64) OID {
	var o OID
	binary.BigEndian.PutUint64(o[:], v)
	return o
}

// TID is an 8-byte big-endian transaction id. Ordering of TIDs is the
// temporal ordering of records; TIDs increase monotonically within a store.
type TID [8]byte

func (t TID) Uint64() uint64 { return binary.BigEndian.Uint64(t[:]) }

func (t TID) String() string { return fmt.Sprintf("%016x", t.Uint64()) }

// TIDFromUint64 builds a TID from its big-endian integer value.
func TIDFromUint64(v uint64) TID {
	var t TID
	binary.BigEndian.PutUint64(t[:], v)
	return t
}

// Less reports whether t sorts before other.
func (t TID) Less(other TID) bool { return t.Uint64() < other.Uint64() }

// Ref is an outbound reference: a database name plus the oid within it.
type Ref struct {
	DB  string
	OID OID
}

// Record is an (oid, tid, data) triple read from a store's transaction log.
// An empty Data means a deletion record.
type Record struct {
	OID  OID
	TID  TID
	Data []byte
}

// Deleted reports whether this record is a tombstone.
func (r Record) Deleted() bool { return len(r.Data) == 0 }
