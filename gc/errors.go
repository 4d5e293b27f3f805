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
	"fmt"

	"github.com/pkg/errors"
)

// Fatal error kinds, per the error-handling table: any of these aborts the
// whole run. They are constructed with github.com/pkg/errors so a caller
// that wants it can print a stack trace alongside the message.

// RootUnreachableError means a database's root object (oid zero) failed to
// load; marking cannot proceed without it.
type RootUnreachableError struct {
	DB  string
	Err error
}

func (e *RootUnreachableError) Error() string {
	return fmt.Sprintf("root of database %q is unreachable: %v", e.DB, e.Err)
}
func (e *RootUnreachableError) Unwrap() error { return e.Err }

func newRootUnreachable(db string, err error) error {
	return errors.WithStack(&RootUnreachableError{DB: db, Err: err})
}

// MismatchedFederationsError means two configurations for the same GC run
// named different sets of databases.
type MismatchedFederationsError struct {
	Primary, Secondary []string
}

func (e *MismatchedFederationsError) Error() string {
	return fmt.Sprintf("primary and secondary databases don't match: primary=%v secondary=%v", e.Primary, e.Secondary)
}

func newMismatchedFederations(primary, secondary []string) error {
	return errors.WithStack(&MismatchedFederationsError{Primary: primary, Secondary: secondary})
}

// NewMismatchedFederations builds a MismatchedFederationsError for
// callers outside this package (the config loader checks this before any
// storage is opened).
func NewMismatchedFederations(primary, secondary []string) error {
	return newMismatchedFederations(primary, secondary)
}

// InvariantViolationError fires when a live record is encountered after its
// own deletion record within the same (recent) pass.
type InvariantViolationError struct {
	DB  string
	OID OID
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("non-deleted record after deleted: db=%q oid=%s", e.DB, e.OID)
}

func newInvariantViolation(db string, oid OID) error {
	return errors.WithStack(&InvariantViolationError{DB: db, OID: oid})
}

// CorruptRecordError fires when a reference payload has an unrecognized
// shape or is an unexpected empty list.
type CorruptRecordError struct {
	DB     string
	OID    OID
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record: db=%q oid=%s: %s", e.DB, e.OID, e.Reason)
}

func newCorruptRecord(db string, oid OID, reason string) error {
	return errors.WithStack(&CorruptRecordError{DB: db, OID: oid, Reason: reason})
}

// Recoverable Sweeper errors: a single deletion is skipped, the sweep
// continues.

// ErrKeyMissing means the object was already gone by the time the sweeper
// tried to delete it.
var ErrKeyMissing = errors.New("key missing")

// ErrConflict means the object was modified (by a concurrent writer) since
// the tid the sweeper recorded for it; the tid guard refused the delete.
var ErrConflict = errors.New("conflict: object modified since recorded tid")

// Checker-only errors: reported to stdout, walk continues.

// LoadError wraps a failure to load a record or its blob during the
// checker's reachability walk.
type LoadError struct {
	DB  string
	OID OID
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load error: db=%q oid=%s: %v", e.DB, e.OID, e.Err)
}
func (e *LoadError) Unwrap() error { return e.Err }

// BadCrossRefError reports a cross-database reference from a database that
// doesn't permit them.
type BadCrossRefError struct {
	FromDB, FromOID string
	ToDB            string
	ToOID           OID
}

func (e *BadCrossRefError) Error() string {
	return fmt.Sprintf("bad xref %s %s -> %s %s", e.FromDB, e.FromOID, e.ToDB, e.ToOID)
}

// UnknownDatabaseError reports a reference into a database name that isn't
// part of the federation.
type UnknownDatabaseError struct {
	FromDB  string
	FromOID OID
	ToDB    string
	ToOID   OID
}

func (e *UnknownDatabaseError) Error() string {
	return fmt.Sprintf("bad db: %s %s referenced from %s %s", e.ToDB, e.ToOID, e.FromDB, e.FromOID)
}
