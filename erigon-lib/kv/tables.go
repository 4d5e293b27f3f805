// Copyright 2021 The Erigon Authors
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

// Package kv names the MDBX tables one federation member's on-disk store is
// built from.
package kv

// Records holds every committed revision: key is tid(8 bytes, big-endian)
// || oid(8 bytes, big-endian), value is the record payload (empty for a
// deletion record).
const Records = "Records"

// Current maps oid -> tid of its latest non-deleted revision; it is the
// index Load and the sweeper's delete-if-unchanged-since-tid guard read.
const Current = "Current"

// CommitLog maps tid(8 bytes) -> the ordered, concatenated list of oids
// (8 bytes each) written in that transaction, so Iterate can replay
// transactions in commit order without a full table scan of Records.
const CommitLog = "CommitLog"

// BackRefs holds the Checker's optional persisted back-reference index:
// key is oid(8 bytes) || name of the referenced object's db, value is the
// concatenated list of referrer oids (8 bytes each). Referrer db names are
// not stored.
const BackRefs = "BackRefs"

// Tables lists every table this package creates; callers use it to open
// an MDBX environment with the right DBI set.
var Tables = []string{Records, Current, CommitLog, BackRefs}
