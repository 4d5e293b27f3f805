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
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBadIndex(t *testing.T, names ...string) *BadIndex {
	t.Helper()
	bi, err := NewBadIndex(t.TempDir(), names, 2)
	require.NoError(t, err)
	t.Cleanup(func() { bi.Close() })
	return bi
}

func TestBadIndexInsertAndHas(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	oid := OIDFromUint64(1)
	require.False(t, bi.Has("alpha", oid))

	require.NoError(t, bi.Insert("alpha", oid, TIDFromUint64(10), []Ref{{DB: "alpha", OID: OIDFromUint64(2)}}))
	require.True(t, bi.Has("alpha", oid))
}

func TestBadIndexInsertUnionsRefsAndKeepsMaxTID(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	oid := OIDFromUint64(1)
	r1 := Ref{DB: "alpha", OID: OIDFromUint64(2)}
	r2 := Ref{DB: "alpha", OID: OIDFromUint64(3)}

	require.NoError(t, bi.Insert("alpha", oid, TIDFromUint64(10), []Ref{r1}))
	require.NoError(t, bi.Insert("alpha", oid, TIDFromUint64(5), []Ref{r2}))

	for gotOID, gotTID := range bi.Iterator("alpha") {
		require.Equal(t, oid, gotOID)
		require.Equal(t, TIDFromUint64(10), gotTID)
	}

	refs := bi.Pop("alpha", oid)
	require.ElementsMatch(t, []Ref{r1, r2}, refs)
}

func TestBadIndexPopRemovesEntry(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	oid := OIDFromUint64(1)
	require.NoError(t, bi.Insert("alpha", oid, TIDFromUint64(10), nil))
	require.True(t, bi.Has("alpha", oid))

	bi.Pop("alpha", oid)
	require.False(t, bi.Has("alpha", oid))
	require.Nil(t, bi.Pop("alpha", oid))
}

func TestBadIndexRemove(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	oid := OIDFromUint64(1)
	require.NoError(t, bi.Insert("alpha", oid, TIDFromUint64(10), nil))
	bi.Remove("alpha", oid)
	require.False(t, bi.Has("alpha", oid))
}

func TestBadIndexSurvivesFlushToSpillFile(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	// cacheSize is 2, so inserting past that evicts into the spill file and
	// Has/Pop must fall through to the on-disk path.
	var oids []OID
	for i := uint64(0); i < 10; i++ {
		oid := OIDFromUint64(i)
		oids = append(oids, oid)
		require.NoError(t, bi.Insert("alpha", oid, TIDFromUint64(i), []Ref{{DB: "alpha", OID: OIDFromUint64(i + 100)}}))
	}
	require.NoError(t, bi.Flush())

	for i, oid := range oids {
		require.True(t, bi.Has("alpha", oid))
		refs := bi.Pop("alpha", oid)
		require.Equal(t, []Ref{{DB: "alpha", OID: OIDFromUint64(uint64(i) + 100)}}, refs)
	}
}

func TestBadIndexIteratorVisitsCachedAndFlushedEntries(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, bi.Insert("alpha", OIDFromUint64(i), TIDFromUint64(i), nil))
	}
	require.NoError(t, bi.Flush())
	// Insert one more, staying resident in the write-back cache only.
	require.NoError(t, bi.Insert("alpha", OIDFromUint64(99), TIDFromUint64(99), nil))

	seen := map[uint64]bool{}
	for oid := range bi.Iterator("alpha") {
		seen[oid.Uint64()] = true
	}
	require.Len(t, seen, 6)
	require.True(t, seen[99])
}

func TestBadIndexIteratorEmptyDB(t *testing.T) {
	bi := newTestBadIndex(t, "alpha")
	count := 0
	for range bi.Iterator("unknown") {
		count++
	}
	require.Zero(t, count)
}
