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

// Package mdbxstorage implements gc.Storage on top of an embedded MDBX
// environment, one per federation member.
package mdbxstorage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/erigontech/mdbx-go/mdbx"

	gokv "github.com/erigontech/erigon-lib/kv"
	"github.com/erigontech/multidbgc/gc"
)

// Storage is a gc.Storage backed by one MDBX environment holding the
// tables declared in erigon-lib/kv: Records, Current, CommitLog, and
// (optionally) BackRefs.
type Storage struct {
	name  string
	xrefs bool

	env   *mdbx.Env
	dbis  map[string]mdbx.DBI
	blobDir string
}

// Open creates (if needed) and opens the MDBX environment rooted at dir.
func Open(name, dir string, xrefs bool) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mdbxstorage: creating %s: %w", dir, err)
	}
	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("mdbxstorage: new env: %w", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, uint64(len(gokv.Tables))); err != nil {
		return nil, fmt.Errorf("mdbxstorage: configuring max dbs: %w", err)
	}
	if err := env.SetGeometry(-1, -1, 4<<40, -1, -1, 4096); err != nil {
		return nil, fmt.Errorf("mdbxstorage: configuring geometry: %w", err)
	}
	if err := env.Open(dir, mdbx.Coalesce|mdbx.LifoReclaim, 0o644); err != nil {
		return nil, fmt.Errorf("mdbxstorage: opening %s: %w", dir, err)
	}

	st := &Storage{name: name, xrefs: xrefs, env: env, dbis: make(map[string]mdbx.DBI), blobDir: filepath.Join(dir, "blobs")}
	if err := env.Update(func(txn *mdbx.Txn) error {
		for _, table := range gokv.Tables {
			dbi, err := txn.OpenDBISimple(table, mdbx.Create)
			if err != nil {
				return fmt.Errorf("opening table %s: %w", table, err)
			}
			st.dbis[table] = dbi
		}
		return nil
	}); err != nil {
		env.Close()
		return nil, err
	}
	return st, nil
}

// Close releases the MDBX environment.
func (s *Storage) Close() { s.env.Close() }

func (s *Storage) Name() string       { return s.name }
func (s *Storage) XRefsAllowed() bool { return s.xrefs }

func recordKey(tid gc.TID, oid gc.OID) []byte {
	key := make([]byte, 16)
	copy(key[:8], tid[:])
	copy(key[8:], oid[:])
	return key
}

func (s *Storage) Load(_ context.Context, oid gc.OID) ([]byte, gc.TID, error) {
	var data []byte
	var tid gc.TID
	err := s.env.View(func(txn *mdbx.Txn) error {
		txn.RawRead = true
		v, err := txn.Get(s.dbis[gokv.Current], oid[:])
		if mdbx.IsNotFound(err) {
			return gc.ErrKeyMissing
		}
		if err != nil {
			return err
		}
		copy(tid[:], v)
		rv, err := txn.Get(s.dbis[gokv.Records], recordKey(tid, oid))
		if err != nil {
			return err
		}
		data = append([]byte(nil), rv...)
		return nil
	})
	if err != nil {
		return nil, gc.TID{}, err
	}
	return data, tid, nil
}

// LoadBlob returns the on-disk path for an out-of-line blob payload,
// stored flat as <blobDir>/<tid>-<oid>.
func (s *Storage) LoadBlob(_ context.Context, oid gc.OID, tid gc.TID) (string, error) {
	path := filepath.Join(s.blobDir, fmt.Sprintf("%s-%s", tid, oid))
	if _, err := os.Stat(path); err != nil {
		return "", gc.ErrKeyMissing
	}
	return path, nil
}

// Iterate walks CommitLog in tid order, yielding each transaction's
// records read back out of Records.
func (s *Storage) Iterate(_ context.Context, start, stop *gc.TID) (gc.TransactionIterator, error) {
	txn, err := s.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return nil, err
	}
	txn.RawRead = true
	cur, err := txn.OpenCursor(s.dbis[gokv.CommitLog])
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &iterator{s: s, txn: txn, cur: cur, start: start, stop: stop, first: true}, nil
}

type iterator struct {
	s     *Storage
	txn   *mdbx.Txn
	cur   *mdbx.Cursor
	start *gc.TID
	stop  *gc.TID
	first bool

	recs []gc.Record
	err  error
}

func (it *iterator) Next() bool {
	for {
		var k, v []byte
		var err error
		if it.first {
			it.first = false
			if it.start != nil {
				k, v, err = it.cur.Get(it.start[:], nil, mdbx.SetRange)
			} else {
				k, v, err = it.cur.Get(nil, nil, mdbx.First)
			}
		} else {
			k, v, err = it.cur.Get(nil, nil, mdbx.Next)
		}
		if mdbx.IsNotFound(err) {
			return false
		}
		if err != nil {
			it.err = err
			return false
		}
		var tid gc.TID
		copy(tid[:], k)
		if it.stop != nil && !tid.Less(*it.stop) {
			return false
		}
		it.recs = it.recs[:0]
		for i := 0; i+8 <= len(v); i += 8 {
			var oid gc.OID
			copy(oid[:], v[i:i+8])
			data, derr := it.txn.Get(it.s.dbis[gokv.Records], recordKey(tid, oid))
			if derr != nil {
				it.err = derr
				return false
			}
			it.recs = append(it.recs, gc.Record{OID: oid, TID: tid, Data: append([]byte(nil), data...)})
		}
		return true
	}
}

func (it *iterator) Records() []gc.Record { return it.recs }
func (it *iterator) Err() error           { return it.err }
func (it *iterator) Close() error {
	it.cur.Close()
	it.txn.Abort()
	return nil
}

// BeginDelete starts an MDBX read-write transaction the Sweeper drives
// through DeleteObject/Vote/Finish/Abort.
func (s *Storage) BeginDelete(_ context.Context) (gc.Transaction, error) {
	txn, err := s.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, err
	}
	return &deleteTxn{s: s, txn: txn}, nil
}

type deleteTxn struct {
	s   *Storage
	txn *mdbx.Txn
}

func (t *deleteTxn) DeleteObject(_ context.Context, oid gc.OID, tid gc.TID) error {
	cur, err := t.txn.Get(t.s.dbis[gokv.Current], oid[:])
	if mdbx.IsNotFound(err) {
		return gc.ErrKeyMissing
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(cur, tid[:]) {
		return gc.ErrConflict
	}
	if err := t.txn.Del(t.s.dbis[gokv.Current], oid[:], nil); err != nil {
		return err
	}
	return t.txn.Put(t.s.dbis[gokv.Records], recordKey(tid, oid), nil, 0)
}

func (t *deleteTxn) Vote(context.Context) error { return nil }

func (t *deleteTxn) Finish(_ context.Context) error {
	_, err := t.txn.Commit()
	return err
}

func (t *deleteTxn) Abort(_ context.Context) error {
	t.txn.Abort()
	return nil
}

// BackRefSink persists the Checker's back-reference index into the
// BackRefs table, batching writes into an open write transaction and
// committing on demand (the Checker calls Commit every ~400 inserts).
type BackRefSink struct {
	s   *Storage
	txn *mdbx.Txn
}

// NewBackRefSink opens a write transaction against st for accumulating
// back-references.
func NewBackRefSink(st *Storage) (*BackRefSink, error) {
	txn, err := st.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, err
	}
	return &BackRefSink{s: st, txn: txn}, nil
}

func backRefKey(oid gc.OID, db string) []byte {
	key := make([]byte, 8+len(db))
	copy(key, oid[:])
	copy(key[8:], db)
	return key
}

// PutBackRefs appends referrers to oid's existing entry for db.
func (b *BackRefSink) PutBackRefs(_ context.Context, db string, oid gc.OID, referrers []gc.Ref) error {
	key := backRefKey(oid, db)
	existing, err := b.txn.Get(b.s.dbis[gokv.BackRefs], key)
	if err != nil && !mdbx.IsNotFound(err) {
		return err
	}
	buf := append([]byte(nil), existing...)
	for _, r := range referrers {
		buf = append(buf, r.OID[:]...)
	}
	return b.txn.Put(b.s.dbis[gokv.BackRefs], key, buf, 0)
}

// Commit finishes the current write transaction and opens a new one, so
// the Checker's periodic commits bound memory without losing later
// inserts.
func (b *BackRefSink) Commit(_ context.Context) error {
	if _, err := b.txn.Commit(); err != nil {
		return err
	}
	txn, err := b.s.env.BeginTxn(nil, 0)
	if err != nil {
		return err
	}
	b.txn = txn
	return nil
}
