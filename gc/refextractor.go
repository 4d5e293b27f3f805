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
	"errors"
)

// refKind is the tagged variant a persistent-reference payload decodes
// into, replacing the original's dynamic pickle-opcode dispatch (spec §9
// "Replace host-language-specific constructs").
type refKind int

const (
	refBare refKind = iota // an 8-byte oid, referencing the record's own db
	refTuple                // (oid, class-meta): same db
	refWeakSingle           // legacy [oid]: weak, skipped
	refMultiDB              // ['n'|'m', (db, oid, ...)]: strong, cross-db
	refWeakTagged           // ['w', ...]: weak, skipped
)

// pref is one decoded persistent-reference entry, before the ignore-set and
// same-db rname are applied.
type pref struct {
	kind refKind
	db   string // only set for refMultiDB
	oid  OID
}

// ExtractRefs decodes a record's persistent references through the
// installed RecordCodec and returns the strong outbound (db, oid)
// references it finds, in the order they appear. rname is the db the
// record itself lives in; refs into ignore are dropped. An unrecognized
// reference shape is reported as a CorruptRecordError naming oid/db for
// diagnostics; a payload with no reference entries yields no refs.
//
// Only persistent references are harvested: the rest of the record (the
// actual instance state) is never materialized.
func ExtractRefs(data []byte, rname string, oid OID, ignore map[string]struct{}) ([]Ref, error) {
	raw, err := decodePersistentRefs(data, rname, oid)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(raw))
	for _, p := range raw {
		switch p.kind {
		case refBare, refTuple:
			refs = append(refs, Ref{DB: rname, OID: p.oid})
		case refMultiDB:
			if _, skip := ignore[p.db]; skip {
				continue
			}
			refs = append(refs, Ref{DB: p.db, OID: p.oid})
		case refWeakSingle, refWeakTagged:
			// weak: not a strong ref, never rooted
		}
	}
	return refs, nil
}

// decodePersistentRefs is the pickle-stream contract boundary: it is the
// only place that understands a record's reference-kind tags. A real
// deployment wires this to the storage engine's own pickle/persistent-ref
// decoder; RecordCodec below is the pluggable seam.
func decodePersistentRefs(data []byte, rname string, oid OID) ([]pref, error) {
	return currentCodec().Decode(data, rname, oid)
}

// RecordCodec decodes a record's pickled payload into its persistent
// references. Production code supplies one wired to the real storage
// engine's serialization; tests use the simple length-prefixed codec below.
type RecordCodec interface {
	Decode(data []byte, rname string, oid OID) ([]pref, error)
}

var activeCodec RecordCodec = simpleCodec{}

// SetRecordCodec installs the codec ExtractRefs uses. Call once at process
// startup before any marking/checking begins.
func SetRecordCodec(c RecordCodec) { activeCodec = c }

func currentCodec() RecordCodec { return activeCodec }

// simpleCodec is the default, storage-engine-agnostic wire format used by
// memstorage, mdbxstorage and filestorage in this repository: a flat list
// of reference entries, each tagged with its kind, so tests can build
// object graphs directly without a real pickle encoder.
//
// Encoding: a sequence of entries, each:
//
//	1 byte kind tag
//	refBare / refTuple:    8 bytes oid
//	refWeakSingle:         8 bytes oid
//	refWeakTagged:         8 bytes oid
//	refMultiDB:            2 bytes db-name length, db-name bytes, 8 bytes oid
//
// An entry with an unrecognized tag byte is a CorruptRecordError. A
// zero-length data is a deletion record are handled by the caller, not the
// codec. An empty entry list is valid (an object that references nothing).
type simpleCodec struct{}

const (
	tagBare       byte = 0
	tagTuple      byte = 1
	tagWeakSingle byte = 2
	tagMultiDB    byte = 3
	tagWeakTagged byte = 4
)

func (simpleCodec) Decode(data []byte, rname string, oid OID) ([]pref, error) {
	var out []pref
	i := 0
	for i < len(data) {
		if i >= len(data) {
			return nil, newCorruptRecord(rname, oid, "truncated reference stream")
		}
		tag := data[i]
		i++
		switch tag {
		case tagBare:
			o, n, err := readOID(data, i)
			if err != nil {
				return nil, newCorruptRecord(rname, oid, err.Error())
			}
			out = append(out, pref{kind: refBare, oid: o})
			i = n
		case tagTuple:
			o, n, err := readOID(data, i)
			if err != nil {
				return nil, newCorruptRecord(rname, oid, err.Error())
			}
			out = append(out, pref{kind: refTuple, oid: o})
			i = n
		case tagWeakSingle:
			o, n, err := readOID(data, i)
			if err != nil {
				return nil, newCorruptRecord(rname, oid, err.Error())
			}
			out = append(out, pref{kind: refWeakSingle, oid: o})
			i = n
		case tagWeakTagged:
			o, n, err := readOID(data, i)
			if err != nil {
				return nil, newCorruptRecord(rname, oid, err.Error())
			}
			out = append(out, pref{kind: refWeakTagged, oid: o})
			i = n
		case tagMultiDB:
			if i+2 > len(data) {
				return nil, newCorruptRecord(rname, oid, "truncated multi-db ref header")
			}
			dblen := int(binary.BigEndian.Uint16(data[i : i+2]))
			i += 2
			if i+dblen > len(data) {
				return nil, newCorruptRecord(rname, oid, "truncated multi-db ref name")
			}
			db := string(data[i : i+dblen])
			i += dblen
			o, n, err := readOID(data, i)
			if err != nil {
				return nil, newCorruptRecord(rname, oid, err.Error())
			}
			out = append(out, pref{kind: refMultiDB, db: db, oid: o})
			i = n
		default:
			return nil, newCorruptRecord(rname, oid, "unknown persistent ref kind")
		}
	}
	return out, nil
}

func readOID(data []byte, i int) (OID, int, error) {
	if i+8 > len(data) {
		return OID{}, i, errTruncatedOID
	}
	var o OID
	copy(o[:], data[i:i+8])
	return o, i + 8, nil
}

var errTruncatedOID = errors.New("truncated oid")

// EncodeRef appends one reference entry to buf using the simpleCodec wire
// format described above. This is the encoder side tests and in-repo
// storage backends use to build record payloads.
func EncodeRef(buf []byte, kind string, db string, oid OID) []byte {
	switch kind {
	case "bare":
		buf = append(buf, tagBare)
		buf = append(buf, oid[:]...)
	case "tuple":
		buf = append(buf, tagTuple)
		buf = append(buf, oid[:]...)
	case "weak-single":
		buf = append(buf, tagWeakSingle)
		buf = append(buf, oid[:]...)
	case "weak-tagged":
		buf = append(buf, tagWeakTagged)
		buf = append(buf, oid[:]...)
	case "multi-db":
		buf = append(buf, tagMultiDB)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(db)))
		buf = append(buf, l[:]...)
		buf = append(buf, db...)
		buf = append(buf, oid[:]...)
	}
	return buf
}
