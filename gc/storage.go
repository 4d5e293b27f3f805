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
	"context"
	"sort"
)

// Storage is the external-collaborator contract this package consumes: one
// persistent object store member of the federation. Implementations are
// responsible for the storage engine itself (record layout, transaction
// commit, durability) — this package only ever calls through this
// interface.
type Storage interface {
	// Name is the database's name within the federation ("" is the
	// default/primary database, matching the root database convention).
	Name() string

	// XRefsAllowed reports whether records in this database are permitted
	// to reference objects in other databases. Used only by Checker.
	XRefsAllowed() bool

	// Load returns the current data and tid for oid. It returns
	// ErrKeyMissing if the oid has never been written or is a tombstone.
	Load(ctx context.Context, oid OID) (data []byte, tid TID, err error)

	// LoadBlob returns a filesystem path to the external blob payload for
	// oid as of tid, for databases that keep large payloads out of line.
	LoadBlob(ctx context.Context, oid OID, tid TID) (path string, err error)

	// Iterate streams committed transactions in commit order, start
	// inclusive and stop exclusive. A nil start means the very first
	// transaction; a nil stop means no upper bound.
	Iterate(ctx context.Context, start, stop *TID) (TransactionIterator, error)

	// BeginDelete starts a transaction intended only for issuing
	// DeleteObject calls (the Sweeper's use case).
	BeginDelete(ctx context.Context) (Transaction, error)
}

// TransactionIterator yields committed transactions in commit order. The
// caller must call Close when done, even on error paths.
type TransactionIterator interface {
	// Next advances to the next transaction, returning false at the end
	// (or on error, in which case Err reports it).
	Next() bool
	// Records returns the committed records of the current transaction, in
	// the order they were written.
	Records() []Record
	Err() error
	Close() error
}

// Transaction is the two-phase-commit handle the Sweeper drives.
type Transaction interface {
	// DeleteObject tombstones oid, refusing (ErrConflict) if oid's current
	// tid doesn't match the supplied tid, or ErrKeyMissing if oid is
	// already gone.
	DeleteObject(ctx context.Context, oid OID, tid TID) error
	Vote(ctx context.Context) error
	Finish(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Federation is the named set of Storages a GC or check run operates over.
type Federation map[string]Storage

// Names returns the sorted database names of the federation.
func (f Federation) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
