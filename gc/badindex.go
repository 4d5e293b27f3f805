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
	"fmt"
	"os"
	"slices"

	"github.com/c2h5oh/datasize"
	"github.com/erigontech/erigon-lib/common/math"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	mmap "github.com/edsrzf/mmap-go"
)

// badEntry is one resident row: the most-recently-seen tid for a
// candidate-garbage oid plus the refs observed on its latest non-deleted
// revision. It is the unit cached by the write-back LRU and marshalled to
// the spill file.
type badEntry struct {
	tid  TID
	refs []Ref
}

// badIndexItem is the in-memory oid -> spill-file-offset index entry,
// ordered by oid so BadIndex.Iterator(db) can walk a db's on-disk bad set
// in a stable order.
type badIndexItem struct {
	oid    OID
	offset int64
}

func lessBadIndexItem(a, b badIndexItem) bool {
	return string(a.oid[:]) < string(b.oid[:])
}

// BadIndex is the spill-to-disk map (db, oid) -> (tid, refs) for
// candidate-garbage objects, per spec §4.3. The resident index (an ordered
// btree per db, mapping oid to an offset) stays in memory; the ref payloads
// live in a single growable mmapped scratch file released on Close.
type BadIndex struct {
	dir  string
	file *os.File
	mm   mmap.MMap
	size int64 // logical length written so far; mm may be larger (rounded to page size)

	perDB map[string]*btree.BTreeG[badIndexItem]
	dbIdx map[string]int // db name -> small integer id, for compact ref encoding
	dbByI []string

	// cache is a write-back LRU: onEvict (installed below) flushes any
	// entry the LRU drops — whether aged out by capacity or removed
	// explicitly — to the spill file and offset index, so entries beyond
	// cacheSize are never silently lost.
	cache    *lru.Cache[cacheKey, badEntry]
	evictErr error
}

type cacheKey struct {
	db  string
	oid OID
}

const initialSpillSize = 64 << 20 // 64MiB, grown by doubling

// NewBadIndex creates the scratch file under dir (created if needed) and
// returns a BadIndex scoped to the given database names. dir is owned by
// the Marker; Close removes the scratch file.
func NewBadIndex(dir string, names []string, cacheSize int) (*BadIndex, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "gc: creating badindex scratch dir")
	}
	f, err := os.CreateTemp(dir, "gcbad-*.spill")
	if err != nil {
		return nil, errors.Wrap(err, "gc: creating badindex scratch file")
	}
	if err := f.Truncate(initialSpillSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "gc: sizing badindex scratch file")
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "gc: mmapping badindex scratch file")
	}
	bi := &BadIndex{
		dir:   dir,
		file:  f,
		mm:    m,
		perDB: make(map[string]*btree.BTreeG[badIndexItem], len(names)),
		dbIdx: make(map[string]int, len(names)),
	}
	for _, n := range names {
		bi.perDB[n] = btree.NewG[badIndexItem](32, lessBadIndexItem)
		bi.dbIdx[n] = len(bi.dbByI)
		bi.dbByI = append(bi.dbByI, n)
	}
	cache, err := lru.NewWithEvict[cacheKey, badEntry](cacheSize, bi.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "gc: creating badindex write-back cache")
	}
	bi.cache = cache
	return bi, nil
}

// onEvict is the LRU's eviction callback: it writes the departing entry
// through to the spill file and offset index. Any error is latched into
// evictErr for the next call that can actually return one.
func (b *BadIndex) onEvict(key cacheKey, value badEntry) {
	if err := b.flush(key.db, key.oid, value); err != nil && b.evictErr == nil {
		b.evictErr = err
	}
}

func (b *BadIndex) takeEvictErr() error {
	err := b.evictErr
	b.evictErr = nil
	return err
}

// Close releases the scratch file and removes it from disk.
func (b *BadIndex) Close() error {
	var firstErr error
	if b.mm != nil {
		if err := b.mm.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	name := ""
	if b.file != nil {
		name = b.file.Name()
		if err := b.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if name != "" {
		if err := os.Remove(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *BadIndex) ensureCapacity(upto int64) error {
	if upto <= int64(len(b.mm)) {
		return nil
	}
	newSize := int64(len(b.mm))
	if newSize == 0 {
		newSize = initialSpillSize
	}
	for newSize < upto {
		newSize *= 2
	}
	if err := b.mm.Unmap(); err != nil {
		return err
	}
	if err := b.file.Truncate(newSize); err != nil {
		return err
	}
	m, err := mmap.Map(b.file, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	b.mm = m
	return nil
}

// Has reports membership.
func (b *BadIndex) Has(db string, oid OID) bool {
	if _, ok := b.cache.Peek(cacheKey{db, oid}); ok {
		return true
	}
	tree := b.perDB[db]
	if tree == nil {
		return false
	}
	_, ok := tree.Get(badIndexItem{oid: oid})
	return ok
}

// Remove drops the entry for (db, oid), if any.
func (b *BadIndex) Remove(db string, oid OID) {
	b.cache.Remove(cacheKey{db, oid})
	b.evictErr = nil // onEvict may have write-through'd it; the tree.Delete below still wins
	tree := b.perDB[db]
	if tree == nil {
		return
	}
	tree.Delete(badIndexItem{oid: oid})
}

// Insert unions refs into any existing entry for (db, oid) and keeps the
// max tid, per spec §4.3. Idempotent when the union doesn't change the ref
// set (only the tid may be bumped).
func (b *BadIndex) Insert(db string, oid OID, tid TID, refs []Ref) error {
	key := cacheKey{db, oid}
	existing, haveCache := b.cache.Get(key)
	if !haveCache {
		if e, ok, err := b.load(db, oid); err != nil {
			return err
		} else if ok {
			existing = e
			haveCache = true
		}
	}
	if !haveCache {
		b.cache.Add(key, badEntry{tid: tid, refs: append([]Ref(nil), refs...)})
		return b.takeEvictErr()
	}

	merged := unionRefs(existing.refs, refs)
	newTid := existing.tid
	if newTid.Less(tid) {
		newTid = tid
	}
	b.cache.Add(key, badEntry{tid: newTid, refs: merged})
	return b.takeEvictErr()
}

func unionRefs(a, b []Ref) []Ref {
	seen := make(map[Ref]struct{}, len(a)+len(b))
	out := make([]Ref, 0, len(a)+len(b))
	for _, r := range a {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	for _, r := range b {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// Pop removes and returns the ref list for (db, oid), or nil if absent.
// Used when promoting a resurrected bad oid back to good: the caller
// re-roots each popped ref in turn.
func (b *BadIndex) Pop(db string, oid OID) []Ref {
	key := cacheKey{db, oid}
	if e, ok := b.cache.Get(key); ok {
		b.cache.Remove(key)
		b.evictErr = nil // the tree.Delete below is authoritative regardless of any write-through
		tree := b.perDB[db]
		if tree != nil {
			tree.Delete(badIndexItem{oid: oid})
		}
		return e.refs
	}
	e, ok, err := b.load(db, oid)
	if err != nil || !ok {
		return nil
	}
	b.cache.Remove(key)
	b.evictErr = nil
	tree := b.perDB[db]
	if tree != nil {
		tree.Delete(badIndexItem{oid: oid})
	}
	return e.refs
}

// load reads an entry that isn't in the write-back cache from the spill
// file via the in-memory offset index.
func (b *BadIndex) load(db string, oid OID) (badEntry, bool, error) {
	tree := b.perDB[db]
	if tree == nil {
		return badEntry{}, false, nil
	}
	item, ok := tree.Get(badIndexItem{oid: oid})
	if !ok {
		return badEntry{}, false, nil
	}
	e, err := b.readEntry(item.offset)
	if err != nil {
		return badEntry{}, false, err
	}
	return e, true, nil
}

// flush writes a single cache entry to the spill file and (re)installs its
// offset in the per-db index. If the entry is already on disk with the same
// ref set, only its 8-byte tid is rewritten in place; otherwise a new entry
// is appended and the index retargeted. Called (via onEvict) as entries age
// out of the LRU, are removed from it, or are purged by Flush.
func (b *BadIndex) flush(db string, oid OID, e badEntry) error {
	tree := b.perDB[db]
	if tree == nil {
		tree = btree.NewG[badIndexItem](32, lessBadIndexItem)
		b.perDB[db] = tree
	}
	if item, ok := tree.Get(badIndexItem{oid: oid}); ok {
		if old, err := b.readEntry(item.offset); err == nil && slices.Equal(old.refs, e.refs) {
			copy(b.mm[item.offset:item.offset+8], e.tid[:])
			return nil
		}
	}
	off, err := b.appendEntry(e)
	if err != nil {
		return err
	}
	tree.ReplaceOrInsert(badIndexItem{oid: oid, offset: off})
	return nil
}

// Flush drains the write-back cache to the spill file. The Marker calls
// this once marking completes, before handing BadIndex to the Sweeper.
// Purge invokes onEvict for every resident entry, so this is just that
// plus surfacing whatever write error it latched.
func (b *BadIndex) Flush() error {
	b.cache.Purge()
	return b.takeEvictErr()
}

// appendEntry writes tid || varint(len(refs)) || refs... and returns the
// offset it was written at.
func (b *BadIndex) appendEntry(e badEntry) (int64, error) {
	buf := make([]byte, 8, 32)
	copy(buf, e.tid[:])
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(e.refs)))
	buf = append(buf, lenBuf[:n]...)
	for _, r := range e.refs {
		idx, ok := b.dbIdx[r.DB]
		if !ok {
			idx = len(b.dbByI)
			b.dbIdx[r.DB] = idx
			b.dbByI = append(b.dbByI, r.DB)
		}
		var idxBuf [binary.MaxVarintLen64]byte
		m := binary.PutUvarint(idxBuf[:], uint64(idx))
		buf = append(buf, idxBuf[:m]...)
		buf = append(buf, r.OID[:]...)
	}
	off := b.size
	upto, overflow := math.SafeAdd(uint64(off), uint64(len(buf)))
	if overflow {
		return 0, fmt.Errorf("gc: badindex spill file offset overflow")
	}
	if err := b.ensureCapacity(int64(upto)); err != nil {
		return 0, err
	}
	copy(b.mm[off:], buf)
	b.size += int64(len(buf))
	return off, nil
}

func (b *BadIndex) readEntry(off int64) (badEntry, error) {
	if off+8 > int64(len(b.mm)) {
		return badEntry{}, fmt.Errorf("gc: badindex offset %d out of range", off)
	}
	var e badEntry
	copy(e.tid[:], b.mm[off:off+8])
	pos := off + 8
	count, n := binary.Uvarint(b.mm[pos:])
	if n <= 0 {
		return badEntry{}, fmt.Errorf("gc: badindex corrupt ref count at offset %d", off)
	}
	pos += int64(n)
	e.refs = make([]Ref, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, n := binary.Uvarint(b.mm[pos:])
		if n <= 0 {
			return badEntry{}, fmt.Errorf("gc: badindex corrupt ref index at offset %d", off)
		}
		pos += int64(n)
		if int(idx) >= len(b.dbByI) {
			return badEntry{}, fmt.Errorf("gc: badindex unknown db index %d", idx)
		}
		var oid OID
		copy(oid[:], b.mm[pos:pos+8])
		pos += 8
		e.refs = append(e.refs, Ref{DB: b.dbByI[idx], OID: oid})
	}
	return e, nil
}

// Iterator yields (oid, tid) pairs for db, reading the write-back cache
// first (without flushing it) so the Sweeper sees every candidate,
// including ones never flushed to disk. Cached entries are yielded first;
// the remaining on-disk entries follow in the resident btree's oid order.
func (b *BadIndex) Iterator(db string) func(yield func(OID, TID) bool) {
	return func(yield func(OID, TID) bool) {
		for _, k := range b.cache.Keys() {
			if k.db != db {
				continue
			}
			e, ok := b.cache.Peek(k)
			if !ok {
				continue
			}
			if !yield(k.oid, e.tid) {
				return
			}
		}
		tree := b.perDB[db]
		if tree == nil {
			return
		}
		tree.Ascend(func(item badIndexItem) bool {
			if _, cached := b.cache.Peek(cacheKey{db, item.oid}); cached {
				return true // already yielded above
			}
			e, err := b.readEntry(item.offset)
			if err != nil {
				return true
			}
			return yield(item.oid, e.tid)
		})
	}
}

// DiskSize reports the logical length of the spill file, for logging
// (c2h5oh/datasize gives it a human-readable String()).
func (b *BadIndex) DiskSize() datasize.ByteSize { return datasize.ByteSize(b.size) }
