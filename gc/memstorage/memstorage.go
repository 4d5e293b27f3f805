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

// Package memstorage implements gc.Storage entirely in memory, for tests
// and for the literal end-to-end scenarios that exercise the marker,
// sweeper and checker without a real embedded store.
package memstorage

import (
	"context"
	"sort"
	"sync"

	"github.com/erigontech/multidbgc/gc"
)

// txnRecord is one committed write within a Storage transaction.
type txnRecord struct {
	oid  gc.OID
	tid  gc.TID
	data []byte
}

// Storage is a deterministic, in-process gc.Storage. Commit appends a
// transaction of records at the next sequential tid; Iterate replays the
// commit log. It is safe for concurrent use.
type Storage struct {
	mu sync.Mutex

	name      string
	xrefs     bool
	nextTID   uint64
	txns      []txnTransaction // committed, in commit order
	current   map[gc.OID]gc.TID
	blobPaths map[blobKey]string
}

type blobKey struct {
	oid gc.OID
	tid gc.TID
}

type txnTransaction struct {
	tid     gc.TID
	records []txnRecord
}

// New creates an empty Storage named name. xrefs controls
// Storage.XRefsAllowed.
func New(name string, xrefs bool) *Storage {
	return &Storage{
		name:      name,
		xrefs:     xrefs,
		nextTID:   1,
		current:   make(map[gc.OID]gc.TID),
		blobPaths: make(map[blobKey]string),
	}
}

func (s *Storage) Name() string         { return s.name }
func (s *Storage) XRefsAllowed() bool   { return s.xrefs }

// Commit appends one transaction containing the given (oid, data) writes,
// assigning it the next sequential tid, and returns that tid. An empty
// data slice commits a deletion record. Writers doing a root-seeding
// commit should use gc.RootOID for the root's oid.
func (s *Storage) Commit(writes map[gc.OID][]byte) gc.TID {
	s.mu.Lock()
	defer s.mu.Unlock()

	tid := gc.TIDFromUint64(s.nextTID)
	s.nextTID++

	oids := make([]gc.OID, 0, len(writes))
	for oid := range writes {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return string(oids[i][:]) < string(oids[j][:]) })

	records := make([]txnRecord, 0, len(oids))
	for _, oid := range oids {
		data := writes[oid]
		records = append(records, txnRecord{oid: oid, tid: tid, data: data})
		if len(data) == 0 {
			delete(s.current, oid)
		} else {
			s.current[oid] = tid
		}
	}
	s.txns = append(s.txns, txnTransaction{tid: tid, records: records})
	return tid
}

// SetBlobPath registers a filesystem path LoadBlob should return for
// (oid, tid); used to exercise the checker's blob-detection path in tests.
func (s *Storage) SetBlobPath(oid gc.OID, tid gc.TID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobPaths[blobKey{oid, tid}] = path
}

// AdvanceClock is a no-op placeholder kept for readability at call sites
// that simulate "advance the clock N days" by choosing a cutoff tid
// directly; memstorage has no wall-clock notion of its own.
func (s *Storage) AdvanceClock() {}

func (s *Storage) Load(_ context.Context, oid gc.OID) ([]byte, gc.TID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid, ok := s.current[oid]
	if !ok {
		return nil, gc.TID{}, gc.ErrKeyMissing
	}
	data := s.dataAt(oid, tid)
	return data, tid, nil
}

func (s *Storage) dataAt(oid gc.OID, tid gc.TID) []byte {
	for _, txn := range s.txns {
		if txn.tid != tid {
			continue
		}
		for _, r := range txn.records {
			if r.oid == oid {
				return append([]byte(nil), r.data...)
			}
		}
	}
	return nil
}

func (s *Storage) LoadBlob(_ context.Context, oid gc.OID, tid gc.TID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.blobPaths[blobKey{oid, tid}]
	if !ok {
		return "", gc.ErrKeyMissing
	}
	return path, nil
}

func (s *Storage) Iterate(_ context.Context, start, stop *gc.TID) (gc.TransactionIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []txnTransaction
	for _, txn := range s.txns {
		if start != nil && txn.tid.Less(*start) {
			continue
		}
		if stop != nil && !txn.tid.Less(*stop) {
			continue
		}
		out = append(out, txn)
	}
	return &iterator{txns: out, idx: -1}, nil
}

type iterator struct {
	txns []txnTransaction
	idx  int
}

func (it *iterator) Next() bool {
	it.idx++
	return it.idx < len(it.txns)
}

func (it *iterator) Records() []gc.Record {
	txn := it.txns[it.idx]
	recs := make([]gc.Record, len(txn.records))
	for i, r := range txn.records {
		recs[i] = gc.Record{OID: r.oid, TID: r.tid, Data: r.data}
	}
	return recs
}

func (it *iterator) Err() error   { return nil }
func (it *iterator) Close() error { return nil }

// BeginDelete starts a Sweeper-facing transaction. Deletes are buffered
// until Finish, at which point they're committed as a single memstorage
// transaction (matching the two-phase-commit contract's granularity).
func (s *Storage) BeginDelete(_ context.Context) (gc.Transaction, error) {
	return &deleteTxn{s: s, writes: make(map[gc.OID][]byte)}, nil
}

type deleteTxn struct {
	s      *Storage
	writes map[gc.OID][]byte
}

func (t *deleteTxn) DeleteObject(_ context.Context, oid gc.OID, tid gc.TID) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.current[oid]
	if !ok {
		return gc.ErrKeyMissing
	}
	if cur != tid {
		return gc.ErrConflict
	}
	t.writes[oid] = nil
	return nil
}

func (t *deleteTxn) Vote(context.Context) error { return nil }

func (t *deleteTxn) Finish(context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	t.s.Commit(t.writes)
	return nil
}

func (t *deleteTxn) Abort(context.Context) error {
	t.writes = nil
	return nil
}
