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

package gc

import (
	"encoding/binary"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// OidSet is a compact, per-db membership set of oids. It keeps, per db, a
// map from the oid's top 6 bytes (low cardinality for sequentially
// allocated oids) to a roaring bitmap over the bottom 2 bytes, with the
// inner ordered container realized as a 16-bit roaring bitmap.
type OidSet struct {
	dbs map[string]map[prefix6]*roaring.Bitmap
}

type prefix6 [6]byte

// NewOidSet creates an empty set scoped to the given database names.
func NewOidSet(names []string) *OidSet {
	s := &OidSet{dbs: make(map[string]map[prefix6]*roaring.Bitmap, len(names))}
	for _, n := range names {
		s.dbs[n] = make(map[prefix6]*roaring.Bitmap)
	}
	return s
}

func split(oid OID) (prefix6, uint16) {
	var p prefix6
	copy(p[:], oid[:6])
	return p, binary.BigEndian.Uint16(oid[6:8])
}

func join(p prefix6, suffix uint16) OID {
	var o OID
	copy(o[:6], p[:])
	binary.BigEndian.PutUint16(o[6:8], suffix)
	return o
}

// Insert adds (db, oid), returning whether it was actually new.
func (s *OidSet) Insert(db string, oid OID) bool {
	buckets := s.dbs[db]
	if buckets == nil {
		buckets = make(map[prefix6]*roaring.Bitmap)
		s.dbs[db] = buckets
	}
	p, suffix := split(oid)
	bm := buckets[p]
	if bm == nil {
		bm = roaring.New()
		buckets[p] = bm
	}
	return bm.CheckedAdd(uint32(suffix))
}

// Remove drops (db, oid) if present.
func (s *OidSet) Remove(db string, oid OID) {
	buckets := s.dbs[db]
	if buckets == nil {
		return
	}
	p, suffix := split(oid)
	bm, ok := buckets[p]
	if !ok {
		return
	}
	bm.Remove(uint32(suffix))
	if bm.IsEmpty() {
		delete(buckets, p)
	}
}

// Has reports membership.
func (s *OidSet) Has(db string, oid OID) bool {
	buckets := s.dbs[db]
	if buckets == nil {
		return false
	}
	p, suffix := split(oid)
	bm, ok := buckets[p]
	if !ok {
		return false
	}
	return bm.Contains(uint32(suffix))
}

// Empty reports whether the set has no members in any db.
func (s *OidSet) Empty() bool {
	for _, buckets := range s.dbs {
		if len(buckets) > 0 {
			return false
		}
	}
	return true
}

// Pop removes and returns some member (db, oid). The choice of which member
// is unspecified but deterministic given the current state: the
// lowest-named non-empty db, then its lowest prefix bucket, then the
// bucket's maximum suffix. Callers must not depend on a particular order.
// Pop panics if the set is empty; callers should check Empty first.
func (s *OidSet) Pop() (string, OID) {
	dbs := make([]string, 0, len(s.dbs))
	for db := range s.dbs {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)
	for _, db := range dbs {
		buckets := s.dbs[db]
		var first prefix6
		found := false
		for p, bm := range buckets {
			if !bm.IsEmpty() && (!found || string(p[:]) < string(first[:])) {
				first, found = p, true
			}
		}
		if !found {
			continue
		}
		bm := buckets[first]
		suffix := uint16(bm.Maximum())
		bm.Remove(uint32(suffix))
		if bm.IsEmpty() {
			delete(buckets, first)
		}
		return db, join(first, suffix)
	}
	panic("gc: Pop called on empty OidSet")
}

// Iterate calls f for every (db, oid) pair in the set. f must not mutate
// the set it is iterating.
func (s *OidSet) Iterate(f func(db string, oid OID)) {
	for db := range s.dbs {
		s.IterateDB(db, func(oid OID) { f(db, oid) })
	}
}

// IterateDB calls f for every oid in db: suffixes ascend within each prefix
// bucket, and the buckets are visited in map iteration order.
func (s *OidSet) IterateDB(db string, f func(oid OID)) {
	buckets := s.dbs[db]
	for p, bm := range buckets {
		it := bm.Iterator()
		for it.HasNext() {
			f(join(p, uint16(it.Next())))
		}
	}
}
